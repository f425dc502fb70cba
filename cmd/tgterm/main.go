// tgterm is a Telegram bot that drives persistent tmux sessions.
package main

import (
	"os"

	"github.com/steveyegge/tgterm/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
