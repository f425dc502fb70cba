package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// DefaultScrollFallbackLines bounds the tail emitted when the pane
// scrolled and the previous snapshot is no longer a prefix.
const DefaultScrollFallbackLines = 30

// IncrementalTail returns the part of cur not yet emitted, given that
// prev was the last emitted snapshot. When prev is a prefix of cur the
// tail is exactly the new suffix; otherwise the pane scrolled or was
// cleared, and the last fallbackLines lines are returned with
// scrolled=true.
func IncrementalTail(prev, cur string, fallbackLines int) (tail string, scrolled bool) {
	if cur == "" {
		return "", false
	}
	if prev == "" {
		return cur, false
	}
	if strings.HasPrefix(cur, prev) {
		return cur[len(prev):], false
	}

	if fallbackLines <= 0 {
		fallbackLines = DefaultScrollFallbackLines
	}
	lines := strings.Split(strings.TrimRight(cur, "\n"), "\n")
	if len(lines) > fallbackLines {
		lines = lines[len(lines)-fallbackLines:]
	}
	return strings.Join(lines, "\n") + "\n", true
}

// Push intervals offered in the interval menu.
var Intervals = []string{"1m", "5m", "1h", "never"}

// ParseInterval maps an interval token to a duration. "never" is zero.
func ParseInterval(s string) (time.Duration, error) {
	switch s {
	case "1m":
		return time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "never":
		return 0, nil
	}
	return 0, fmt.Errorf("unknown interval %q", s)
}
