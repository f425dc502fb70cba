// Package editor implements the file-edit flow: list files in the
// tab's working directory, open one, replace its content with the next
// message, or cancel. At most one edit session exists per user, and
// nothing touches the file until the replacement content arrives.
package editor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PageSize is how many files one listing page shows.
const PageSize = 20

// Session states.
const (
	StateAwaitingContent = "awaiting_content"
	StateSaving          = "saving"
	StateClosed          = "closed"
)

// Common errors
var (
	ErrNoSession   = errors.New("no edit session open")
	ErrPathEscapes = errors.New("path escapes the working directory")
)

// Session is one in-flight edit. Sessions live only in memory; a
// restart abandons them without touching any file.
type Session struct {
	ID        string
	UserID    string
	Path      string
	StartedAt time.Time
	State     string
}

// Page is one page of a directory listing.
type Page struct {
	Files      []string
	Page       int
	TotalPages int
}

// ListFiles returns the regular files directly under dir, sorted,
// paginated. Page numbers start at 0 and clamp to the last page.
func ListFiles(dir string, page int) (Page, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Page{}, fmt.Errorf("read directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	totalPages := (len(files) + PageSize - 1) / PageSize
	if totalPages == 0 {
		totalPages = 1
	}
	if page < 0 {
		page = 0
	}
	if page >= totalPages {
		page = totalPages - 1
	}

	start := page * PageSize
	end := start + PageSize
	if end > len(files) {
		end = len(files)
	}
	return Page{Files: files[start:end], Page: page, TotalPages: totalPages}, nil
}

// Resolve confines relPath under baseDir and returns the absolute
// path. Anything that climbs out of baseDir is rejected.
func Resolve(baseDir, relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return "", ErrPathEscapes
	}
	full := filepath.Join(baseDir, relPath)
	rel, err := filepath.Rel(baseDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathEscapes
	}
	return full, nil
}

// Manager tracks at most one edit session per user.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Open starts an edit session on relPath under baseDir and returns the
// session and the file's current content. An existing session for the
// user is replaced.
func (m *Manager) Open(userID, baseDir, relPath string) (Session, string, error) {
	full, err := Resolve(baseDir, relPath)
	if err != nil {
		return Session{}, "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return Session{}, "", fmt.Errorf("read file: %w", err)
	}

	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Path:      full,
		StartedAt: time.Now(),
		State:     StateAwaitingContent,
	}

	m.mu.Lock()
	m.sessions[userID] = s
	m.mu.Unlock()

	return *s, string(data), nil
}

// Active returns the user's open session, if any.
func (m *Manager) Active(userID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Submit replaces the edited file's content atomically and closes the
// session. The write is all-or-nothing via rename.
func (m *Manager) Submit(userID, content string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return Session{}, ErrNoSession
	}
	s.State = StateSaving

	tmpPath := s.Path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(content), 0644); err != nil {
		s.State = StateAwaitingContent
		return Session{}, fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		os.Remove(tmpPath)
		s.State = StateAwaitingContent
		return Session{}, fmt.Errorf("rename temp file: %w", err)
	}

	s.State = StateClosed
	delete(m.sessions, userID)
	return *s, nil
}

// Cancel closes the user's session without writing. Returns false if
// none was open.
func (m *Manager) Cancel(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return false
	}
	s.State = StateClosed
	delete(m.sessions, userID)
	return true
}
