// Package registry maintains the durable mapping between user-visible
// tabs and the tmux sessions backing them. Tab IDs are generated once
// and survive restarts as long as the registry file does; everything
// else about a tab can change.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/tgterm/internal/tmux"
)

const schemaVersion = 1

// Tab statuses.
const (
	StatusActive = "active"
	StatusBroken = "broken" // persisted tab whose session is gone
)

// Common errors
var (
	ErrNotFound      = errors.New("tab not found")
	ErrDuplicateName = errors.New("tab name already in use")
)

// Tab is one registry record.
type Tab struct {
	TabID       string    `json:"tab_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	SessionName string    `json:"session_name"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// document is the on-disk shape.
type document struct {
	SchemaVersion int            `json:"schema_version"`
	Tabs          map[string]Tab `json:"tabs"`
}

// Sessions is the slice of the terminal driver the registry needs for
// reconciliation.
type Sessions interface {
	ListSessions() ([]string, error)
	CreateSession(tabID string) error
}

// Registry is the durable tab store. Single writer under the mutex;
// reads return copies.
type Registry struct {
	mu       sync.RWMutex
	tabs     map[string]Tab
	filePath string
	now      func() time.Time
}

// Open loads the registry from filePath, treating a missing file as empty.
func Open(filePath string) (*Registry, error) {
	r := &Registry{
		tabs:     make(map[string]Tab),
		filePath: filePath,
		now:      time.Now,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read registry file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse registry file: %w", err)
	}
	if doc.Tabs != nil {
		r.tabs = doc.Tabs
	}
	return nil
}

// saveLocked writes the registry atomically. Callers hold the mutex.
func (r *Registry) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(r.filePath), 0755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}

	doc := document{SchemaVersion: schemaVersion, Tabs: r.tabs}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	tmpPath := r.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Create registers a new tab for a user. Display names are unique per
// user; the tab ID is a fresh UUID and never changes afterwards.
func (r *Registry) Create(userID, displayName string) (Tab, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return Tab{}, fmt.Errorf("display name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tabs {
		if t.UserID == userID && t.DisplayName == displayName {
			return Tab{}, fmt.Errorf("%w: %s", ErrDuplicateName, displayName)
		}
	}

	id := uuid.NewString()
	now := r.now()
	tab := Tab{
		TabID:       id,
		UserID:      userID,
		DisplayName: displayName,
		SessionName: tmux.SessionName(id),
		Status:      StatusActive,
		CreatedAt:   now,
		LastUsedAt:  now,
	}
	r.tabs[id] = tab
	if err := r.saveLocked(); err != nil {
		delete(r.tabs, id)
		return Tab{}, err
	}
	return tab, nil
}

// Rename changes a tab's display name, keeping per-user uniqueness.
func (r *Registry) Rename(tabID, newName string) (Tab, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return Tab{}, fmt.Errorf("display name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tab, ok := r.tabs[tabID]
	if !ok {
		return Tab{}, fmt.Errorf("%w: %s", ErrNotFound, tabID)
	}
	for _, t := range r.tabs {
		if t.TabID != tabID && t.UserID == tab.UserID && t.DisplayName == newName {
			return Tab{}, fmt.Errorf("%w: %s", ErrDuplicateName, newName)
		}
	}

	prev := tab
	tab.DisplayName = newName
	r.tabs[tabID] = tab
	if err := r.saveLocked(); err != nil {
		r.tabs[tabID] = prev
		return Tab{}, err
	}
	return tab, nil
}

// Close removes a tab record. The caller is responsible for killing the
// backing session.
func (r *Registry) Close(tabID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tab, ok := r.tabs[tabID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, tabID)
	}
	delete(r.tabs, tabID)
	if err := r.saveLocked(); err != nil {
		r.tabs[tabID] = tab
		return err
	}
	return nil
}

// Get returns a tab by ID.
func (r *Registry) Get(tabID string) (Tab, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tab, ok := r.tabs[tabID]
	return tab, ok
}

// List returns a user's tabs ordered by creation time.
func (r *Registry) List(userID string) []Tab {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var tabs []Tab
	for _, t := range r.tabs {
		if t.UserID == userID {
			tabs = append(tabs, t)
		}
	}
	sort.Slice(tabs, func(i, j int) bool {
		if tabs[i].CreatedAt.Equal(tabs[j].CreatedAt) {
			return tabs[i].TabID < tabs[j].TabID
		}
		return tabs[i].CreatedAt.Before(tabs[j].CreatedAt)
	})
	return tabs
}

// Touch updates a tab's last-used timestamp. Best effort: a write
// failure leaves the old timestamp.
func (r *Registry) Touch(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tab, ok := r.tabs[tabID]
	if !ok {
		return
	}
	tab.LastUsedAt = r.now()
	r.tabs[tabID] = tab
	_ = r.saveLocked()
}

// MarkActive records that a tab's session is usable again.
func (r *Registry) MarkActive(tabID string) error {
	return r.setStatus(tabID, StatusActive)
}

// MarkBroken records that a tab's session is gone.
func (r *Registry) MarkBroken(tabID string) error {
	return r.setStatus(tabID, StatusBroken)
}

func (r *Registry) setStatus(tabID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tab, ok := r.tabs[tabID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, tabID)
	}
	if tab.Status == status {
		return nil
	}
	prev := tab
	tab.Status = status
	r.tabs[tabID] = tab
	if err := r.saveLocked(); err != nil {
		r.tabs[tabID] = prev
		return err
	}
	return nil
}

// Report describes what a reconciliation pass found and did.
type Report struct {
	Recreated []string // tab IDs whose sessions were recreated
	Broken    []string // tab IDs marked broken (create_missing false, or create failed)
	Orphans   []string // live tgbot_* sessions with no registry record
}

// Reconcile aligns persisted tabs with live sessions. Tabs without a
// session are recreated (or marked broken); live sessions in the bot's
// namespace without a record are reported as orphans and left alone.
// Running it twice produces the same state as running it once.
func (r *Registry) Reconcile(sessions Sessions, createMissing bool) (Report, error) {
	live, err := sessions.ListSessions()
	if err != nil {
		return Report{}, fmt.Errorf("list sessions: %w", err)
	}
	liveSet := make(map[string]bool, len(live))
	for _, name := range live {
		liveSet[name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var report Report
	dirty := false
	for id, tab := range r.tabs {
		if liveSet[tab.SessionName] {
			if tab.Status != StatusActive {
				tab.Status = StatusActive
				r.tabs[id] = tab
				dirty = true
			}
			continue
		}
		if createMissing {
			if err := sessions.CreateSession(id); err == nil {
				report.Recreated = append(report.Recreated, id)
				if tab.Status != StatusActive {
					tab.Status = StatusActive
					r.tabs[id] = tab
					dirty = true
				}
				continue
			}
		}
		if tab.Status != StatusBroken {
			tab.Status = StatusBroken
			r.tabs[id] = tab
			dirty = true
		}
		report.Broken = append(report.Broken, id)
	}

	known := make(map[string]bool, len(r.tabs))
	for _, tab := range r.tabs {
		known[tab.SessionName] = true
	}
	for _, name := range live {
		if _, ok := tmux.TabID(name); ok && !known[name] {
			report.Orphans = append(report.Orphans, name)
		}
	}
	sort.Strings(report.Recreated)
	sort.Strings(report.Broken)
	sort.Strings(report.Orphans)

	if dirty {
		if err := r.saveLocked(); err != nil {
			return report, err
		}
	}
	return report, nil
}
