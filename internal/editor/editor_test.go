package editor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.txt", "")
	writeFile(t, dir, "a.txt", "")
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0755); err != nil {
		t.Fatal(err)
	}

	page, err := ListFiles(dir, 0)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(page.Files) != 2 || page.Files[0] != "a.txt" || page.Files[1] != "b.txt" {
		t.Errorf("files = %v", page.Files)
	}
	if page.TotalPages != 1 {
		t.Errorf("total pages = %d", page.TotalPages)
	}
}

func TestListFilesPagination(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 45; i++ {
		writeFile(t, dir, fmt.Sprintf("f%02d.txt", i), "")
	}

	first, err := ListFiles(dir, 0)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(first.Files) != PageSize || first.TotalPages != 3 {
		t.Errorf("first page = %d files, %d pages", len(first.Files), first.TotalPages)
	}

	last, err := ListFiles(dir, 2)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(last.Files) != 5 {
		t.Errorf("last page = %d files, want 5", len(last.Files))
	}

	// Out-of-range pages clamp to the last page.
	clamped, err := ListFiles(dir, 99)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if clamped.Page != 2 {
		t.Errorf("clamped page = %d, want 2", clamped.Page)
	}
}

func TestResolveConfinesPaths(t *testing.T) {
	base := t.TempDir()

	tests := []struct {
		rel string
		ok  bool
	}{
		{"notes.txt", true},
		{"sub/notes.txt", true},
		{"./notes.txt", true},
		{"../secrets", false},
		{"sub/../../secrets", false},
		{"/etc/passwd", false},
	}
	for _, tc := range tests {
		t.Run(tc.rel, func(t *testing.T) {
			_, err := Resolve(base, tc.rel)
			if tc.ok && err != nil {
				t.Errorf("Resolve(%q) = %v, want nil", tc.rel, err)
			}
			if !tc.ok && !errors.Is(err, ErrPathEscapes) {
				t.Errorf("Resolve(%q) = %v, want ErrPathEscapes", tc.rel, err)
			}
		})
	}
}

func TestOpenSubmitFlow(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.txt", "old content")
	m := NewManager()

	s, content, err := m.Open("u1", dir, "notes.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if content != "old content" {
		t.Errorf("content = %q", content)
	}
	if s.State != StateAwaitingContent || s.ID == "" {
		t.Errorf("session = %+v", s)
	}
	if _, ok := m.Active("u1"); !ok {
		t.Fatal("no active session after Open")
	}

	closed, err := m.Submit("u1", "hello")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if closed.State != StateClosed {
		t.Errorf("state = %q", closed.State)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "hello" {
		t.Errorf("file content = %q", data)
	}
	if _, ok := m.Active("u1"); ok {
		t.Error("session still active after Submit")
	}
}

func TestCancelWritesNothing(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.txt", "untouched")
	m := NewManager()

	if _, _, err := m.Open("u1", dir, "notes.txt"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !m.Cancel("u1") {
		t.Fatal("Cancel returned false")
	}
	if m.Cancel("u1") {
		t.Error("second Cancel should return false")
	}

	data, _ := os.ReadFile(path)
	if string(data) != "untouched" {
		t.Errorf("file content = %q, cancel must not write", data)
	}
	if _, err := m.Submit("u1", "late"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Submit after cancel = %v, want ErrNoSession", err)
	}
}

func TestOpenReplacesExistingSession(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "A")
	writeFile(t, dir, "b.txt", "B")
	m := NewManager()

	first, _, err := m.Open("u1", dir, "a.txt")
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	second, _, err := m.Open("u1", dir, "b.txt")
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	if first.ID == second.ID {
		t.Error("expected a fresh session ID")
	}

	active, ok := m.Active("u1")
	if !ok || filepath.Base(active.Path) != "b.txt" {
		t.Errorf("active = %+v", active)
	}
}

func TestOpenMissingFile(t *testing.T) {
	m := NewManager()
	if _, _, err := m.Open("u1", t.TempDir(), "absent.txt"); err == nil {
		t.Error("expected error for missing file")
	}
}
