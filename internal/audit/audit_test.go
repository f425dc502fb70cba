package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestRecordAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	l := New(Config{Path: path}, nil)

	l.Record(Entry{UserID: "42", TabID: "t1", Command: "ls", Outcome: "ok"})
	l.Record(Entry{UserID: "42", Command: "rm -rf /", Outcome: "blocked"})

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Command != "ls" || entries[0].Outcome != "ok" {
		t.Errorf("entry[0] = %+v", entries[0])
	}
	if entries[1].Outcome != "blocked" {
		t.Errorf("entry[1] = %+v", entries[1])
	}
	if entries[0].Time.IsZero() {
		t.Error("timestamp not filled in")
	}
}

func TestCommandTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	l := New(Config{Path: path}, nil)

	l.Record(Entry{UserID: "42", Command: strings.Repeat("x", 500), Outcome: "ok"})

	entries := readEntries(t, path)
	if got := len(entries[0].Command); got != maxCommandLen {
		t.Errorf("command length = %d, want %d", got, maxCommandLen)
	}
}

func TestTruncationKeepsRunesWhole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	l := New(Config{Path: path}, nil)

	// Three-byte runes that cannot line up with the 200-byte cap.
	l.Record(Entry{UserID: "42", Command: strings.Repeat("漢", 100), Outcome: "ok"})

	entries := readEntries(t, path)
	got := entries[0].Command
	if !utf8.ValidString(got) {
		t.Errorf("command is not valid UTF-8: %q", got)
	}
	if strings.ContainsRune(got, utf8.RuneError) {
		t.Errorf("command carries a replacement rune: %q", got)
	}
	if len(got) > maxCommandLen {
		t.Errorf("command length = %d, want <= %d", len(got), maxCommandLen)
	}
	if !strings.HasPrefix(strings.Repeat("漢", 100), got) {
		t.Errorf("command %q is not a prefix of the input", got)
	}
}

func TestRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	l := New(Config{Path: path, MaxBytes: 300, BackupCount: 2}, nil)

	for i := 0; i < 12; i++ {
		l.Record(Entry{UserID: "42", Command: "some command text", Outcome: "ok"})
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("live file missing: %v", err)
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("first backup missing: %v", err)
	}
	if _, err := os.Stat(path + ".3"); err == nil {
		t.Error("backup beyond BackupCount exists")
	}

	// Every surviving file stays under the cap plus one record.
	for _, p := range []string{path, path + ".1"} {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.Size() > 600 {
			t.Errorf("%s is %d bytes", p, info.Size())
		}
	}
}

func TestMissingPathIsNoop(t *testing.T) {
	l := New(Config{}, nil)
	l.Record(Entry{UserID: "42", Outcome: "ok"}) // must not panic
}

func TestRecordFailureDoesNotPanic(t *testing.T) {
	dir := t.TempDir()
	// Path is a directory: open fails, Record must swallow it.
	l := New(Config{Path: dir}, nil)
	l.Record(Entry{UserID: "42", Outcome: "ok", Time: time.Now()})
}
