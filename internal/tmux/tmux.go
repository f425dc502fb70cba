// Package tmux provides a wrapper for tmux session operations via subprocess.
// Every tab managed by the bot is backed by one detached session named
// "tgbot_<tab_id>"; the prefix keeps the bot's sessions out of the way of
// anything else running on the same tmux server.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// SessionPrefix namespaces every session owned by the bot.
const SessionPrefix = "tgbot_"

// Common errors
var (
	ErrNoServer        = errors.New("no tmux server running")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// DriverError reports a tmux invocation that failed for a reason other
// than the sentinel conditions above. Stderr is kept for the audit log.
type DriverError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *DriverError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("tmux %s: %s", e.Args[0], e.Stderr)
	}
	return fmt.Sprintf("tmux %s: %v", e.Args[0], e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// SessionName returns the tmux session name backing a tab.
func SessionName(tabID string) string {
	return SessionPrefix + tabID
}

// TabID inverts SessionName. The second return is false for sessions
// outside the bot's namespace.
func TabID(sessionName string) (string, bool) {
	if !strings.HasPrefix(sessionName, SessionPrefix) {
		return "", false
	}
	return strings.TrimPrefix(sessionName, SessionPrefix), true
}

// Config controls pane geometry and subprocess limits.
type Config struct {
	Width      int           // pane width applied at creation
	Height     int           // pane height applied at creation
	Scrollback int           // default capture depth in lines
	Timeout    time.Duration // hard timeout per tmux invocation
}

// DefaultConfig matches the geometry the capture pipeline is tuned for.
func DefaultConfig() Config {
	return Config{Width: 80, Height: 24, Scrollback: 2000, Timeout: 5 * time.Second}
}

// Driver wraps tmux operations for bot-owned sessions.
type Driver struct {
	bin string
	cfg Config
}

// NewDriver creates a Driver using the "tmux" binary on PATH.
func NewDriver(cfg Config) *Driver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Driver{bin: "tmux", cfg: cfg}
}

// run executes a tmux command and returns stdout.
func (d *Driver) run(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", &DriverError{Args: args, Err: fmt.Errorf("timed out after %s", d.cfg.Timeout)}
		}
		return "", d.wrapError(err, stderr.String(), args)
	}

	return stdout.String(), nil
}

// wrapError maps tmux stderr onto sentinel errors where possible.
func (d *Driver) wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "duplicate session") {
		return ErrSessionExists
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") {
		return ErrSessionNotFound
	}

	return &DriverError{Args: args, Stderr: stderr, Err: err}
}

// IsAvailable checks if tmux is installed and can be invoked.
func (d *Driver) IsAvailable() bool {
	_, err := d.run("-V")
	return err == nil
}

// CreateSession creates a detached session for a tab and applies the
// configured pane geometry so captures are reproducible.
func (d *Driver) CreateSession(tabID string) error {
	name := SessionName(tabID)
	args := []string{"new-session", "-d", "-s", name,
		"-x", fmt.Sprintf("%d", d.cfg.Width), "-y", fmt.Sprintf("%d", d.cfg.Height)}
	if _, err := d.run(args...); err != nil {
		if errors.Is(err, ErrSessionExists) {
			return d.applyGeometry(name)
		}
		return err
	}
	return d.applyGeometry(name)
}

// EnsureSession creates the session if missing and re-applies geometry
// if it already exists.
func (d *Driver) EnsureSession(tabID string) error {
	ok, err := d.HasSession(tabID)
	if err != nil {
		return err
	}
	if ok {
		return d.applyGeometry(SessionName(tabID))
	}
	return d.CreateSession(tabID)
}

// applyGeometry resizes every window and pane to the fixed size.
func (d *Driver) applyGeometry(session string) error {
	w, h := fmt.Sprintf("%d", d.cfg.Width), fmt.Sprintf("%d", d.cfg.Height)
	windows, err := d.run("list-windows", "-t", session, "-F", "#{window_id}")
	if err != nil {
		return err
	}
	for _, id := range splitLines(windows) {
		if _, err := d.run("resize-window", "-t", id, "-x", w, "-y", h); err != nil {
			return err
		}
	}
	panes, err := d.run("list-panes", "-t", session, "-F", "#{pane_id}")
	if err != nil {
		return err
	}
	for _, id := range splitLines(panes) {
		if _, err := d.run("resize-pane", "-t", id, "-x", w, "-y", h); err != nil {
			return err
		}
	}
	return nil
}

// HasSession checks if a tab's session exists (exact match).
// Uses "=" prefix so "tgbot_ab" never matches "tgbot_abc".
func (d *Driver) HasSession(tabID string) (bool, error) {
	_, err := d.run("has-session", "-t", "="+SessionName(tabID))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// KillSession terminates a tab's session. Killing a missing session
// is a success: the desired state is already reached.
func (d *Driver) KillSession(tabID string) error {
	_, err := d.run("kill-session", "-t", "="+SessionName(tabID))
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
		return nil
	}
	return err
}

// ListSessions returns the bot-owned session names currently live.
// No server means no sessions, not an error.
func (d *Driver) ListSessions() ([]string, error) {
	out, err := d.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, name := range splitLines(out) {
		if strings.HasPrefix(name, SessionPrefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

// SendText sends text to a tab and presses Enter. The text goes in
// literal mode so shell metacharacters survive; Enter is a separate
// command after a short debounce, which is more reliable than
// appending it to the paste.
func (d *Driver) SendText(tabID, text string) error {
	target := SessionName(tabID)
	if _, err := d.run("send-keys", "-t", target, "-l", text); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	_, err := d.run("send-keys", "-t", target, "Enter")
	return err
}

// SendKey sends a single key name without Enter, e.g. "C-z", "C-c".
func (d *Driver) SendKey(tabID, key string) error {
	_, err := d.run("send-keys", "-t", SessionName(tabID), key)
	return err
}

// Capture returns the last lines of the tab's pane, normalized:
// CRLF folded to LF, non-printable bytes stripped (newlines kept),
// trailing blank lines trimmed.
func (d *Driver) Capture(tabID string, lines int) (string, error) {
	if lines <= 0 {
		lines = d.cfg.Scrollback
	}
	out, err := d.run("capture-pane", "-p", "-t", SessionName(tabID),
		"-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", err
	}
	return Normalize(out), nil
}

// Cwd returns the current working directory of the tab's pane.
func (d *Driver) Cwd(tabID string) (string, error) {
	out, err := d.run("display-message", "-p", "-t", SessionName(tabID),
		"#{pane_current_path}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Job describes one entry from the shell's job table.
type Job struct {
	ID      string
	Command string
}

// ListJobs asks the tab's shell for its job table and parses the capture.
// The pane must be sitting at a shell prompt for this to produce output.
func (d *Driver) ListJobs(tabID string) ([]Job, error) {
	if err := d.SendText(tabID, "jobs -l"); err != nil {
		return nil, err
	}
	// Give the shell a beat to print the table before capturing.
	time.Sleep(200 * time.Millisecond)
	out, err := d.Capture(tabID, d.cfg.Height)
	if err != nil {
		return nil, err
	}
	return ParseJobs(out), nil
}

// ParseJobs extracts job entries from shell "jobs -l" output.
// Lines look like "[1]+ 12345 Stopped  vim notes.txt": job spec, pid,
// status word, then the command.
func ParseJobs(output string) []Job {
	var jobs []Job
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		id := strings.Trim(strings.TrimRight(fields[0], "+-"), "[]")
		if !isDigits(id) {
			continue
		}
		command := ""
		if len(fields) > 3 {
			command = strings.Join(fields[3:], " ")
		}
		jobs = append(jobs, Job{ID: id, Command: command})
	}
	return jobs
}

// Normalize folds CRLF to LF, drops control bytes other than newline,
// and trims trailing blank lines.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' || r >= 0x20 {
			b.WriteRune(r)
		}
	}
	trimmed := strings.TrimRight(b.String(), "\n")
	if trimmed == "" {
		return ""
	}
	return trimmed + "\n"
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
