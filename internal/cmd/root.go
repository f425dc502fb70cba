// Package cmd provides CLI commands for the tgterm tool.
package cmd

import (
	"errors"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "tgterm",
	Short:   "Remote terminal control over Telegram",
	Version: Version,
	Long: `tgterm exposes persistent tmux sessions through a Telegram bot.

Each chat user gets named tabs backed by tmux sessions that survive
restarts of the bot. Messages run as shell commands in the active tab;
the bot pushes terminal output back on a schedule or when a prompt
rule fires.`,
}

// Process exit codes. Anything else that fails exits 1.
const (
	exitConfig = 2
	exitTmux   = 3
)

// exitError carries a specific process exit code out through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command and returns an exit code.
// The caller (main) should call os.Exit with this code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		// Other errors already printed by cobra
		return 1
	}
	return 0
}
