// Package audit keeps an append-only record of every dispatched
// command. Entries are newline-delimited JSON, rotated by size.
// Logging is best effort: a failed append never fails the command
// that produced it.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"
)

// Commands are truncated before logging so one giant paste cannot
// bloat the record.
const maxCommandLen = 200

// Entry is one audit record.
type Entry struct {
	Time    time.Time `json:"time"`
	UserID  string    `json:"user_id"`
	TabID   string    `json:"tab_id,omitempty"`
	Command string    `json:"command,omitempty"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
}

// Config bounds the log on disk.
type Config struct {
	Path        string
	MaxBytes    int64 // rotate when the file would exceed this
	BackupCount int   // rotated files kept as path.1 .. path.N
}

// Logger appends entries to the audit file.
type Logger struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates an audit logger. Nothing is opened until the first
// record; a missing directory is created then.
func New(cfg Config, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 5 * 1024 * 1024
	}
	if cfg.BackupCount <= 0 {
		cfg.BackupCount = 3
	}
	return &Logger{cfg: cfg, logger: logger, now: time.Now}
}

// Record appends one entry. Errors are logged and swallowed.
func (l *Logger) Record(e Entry) {
	if l.cfg.Path == "" {
		return
	}
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	e.Command = truncate(e.Command, maxCommandLen)

	line, err := json.Marshal(e)
	if err != nil {
		l.logger.Warn("audit marshal failed", "error", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.appendLocked(line); err != nil {
		l.logger.Warn("audit append failed", "path", l.cfg.Path, "error", err)
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8
// sequence, so the JSON record never carries a mangled rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (l *Logger) appendLocked(line []byte) error {
	if err := os.MkdirAll(filepath.Dir(l.cfg.Path), 0755); err != nil {
		return fmt.Errorf("create audit directory: %w", err)
	}

	if info, err := os.Stat(l.cfg.Path); err == nil {
		if info.Size()+int64(len(line)) > l.cfg.MaxBytes {
			l.rotateLocked()
		}
	}

	f, err := os.OpenFile(l.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// rotateLocked shifts path.N-1 -> path.N down the cascade and moves
// the live file to path.1. The oldest backup falls off the end.
func (l *Logger) rotateLocked() {
	for i := l.cfg.BackupCount - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", l.cfg.Path, i)
		dst := fmt.Sprintf("%s.%d", l.cfg.Path, i+1)
		os.Rename(src, dst)
	}
	os.Rename(l.cfg.Path, l.cfg.Path+".1")
}
