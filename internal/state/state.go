// Package state persists per-user chat state: which tab is active, how
// often output is pushed, and any multi-step flow the user is in the
// middle of. Losing this file is an inconvenience, not data loss, so
// the store is deliberately tolerant on load.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Output modes. Normal pushes the full capture on change; claude mode
// stays quiet until a prompt rule fires, then pushes incrementally.
const (
	ModeNormal = "normal"
	ModeClaude = "claude"
)

// Default settings applied to users the store has never seen.
const (
	DefaultInterval = "5m"
	DefaultMode     = ModeNormal
)

// UserState is everything remembered about one chat user.
type UserState struct {
	ActiveTabID string `json:"active_tab_id,omitempty"`
	Interval    string `json:"interval"` // "1m", "5m", "1h", "never"
	Mode        string `json:"mode"`     // normal or claude
	Authorized  bool   `json:"authorized"`
	ServerIP    string `json:"server_ip,omitempty"` // last authenticated
	ChatID      int64  `json:"chat_id,omitempty"`
	RenameTabID string `json:"rename_tab_id,omitempty"`
}

func defaultState() UserState {
	return UserState{Interval: DefaultInterval, Mode: DefaultMode}
}

// Store holds user state in memory and mirrors every change to disk.
type Store struct {
	mu       sync.RWMutex
	users    map[string]UserState
	filePath string
}

// Open loads the store from filePath, treating a missing file as empty.
func Open(filePath string) (*Store, error) {
	s := &Store{
		users:    make(map[string]UserState),
		filePath: filePath,
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(data, &s.users); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return s, nil
}

// Get returns a user's state, with defaults for unknown users.
func (s *Store) Get(userID string) UserState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.users[userID]
	if !ok {
		return defaultState()
	}
	if st.Interval == "" {
		st.Interval = DefaultInterval
	}
	if st.Mode == "" {
		st.Mode = DefaultMode
	}
	return st
}

// Update applies fn to a user's state and persists the result.
func (s *Store) Update(userID string, fn func(*UserState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.users[userID]
	if !ok {
		st = defaultState()
	}
	fn(&st)
	prev, hadPrev := s.users[userID]
	s.users[userID] = st
	if err := s.saveLocked(); err != nil {
		if hadPrev {
			s.users[userID] = prev
		} else {
			delete(s.users, userID)
		}
		return err
	}
	return nil
}

// SetActiveTab records a user's currently selected tab.
func (s *Store) SetActiveTab(userID, tabID string) error {
	return s.Update(userID, func(st *UserState) { st.ActiveTabID = tabID })
}

// ClearActiveTab drops the active tab if it matches tabID. Used when a
// tab is closed so stale selections never linger.
func (s *Store) ClearActiveTab(userID, tabID string) error {
	return s.Update(userID, func(st *UserState) {
		if st.ActiveTabID == tabID {
			st.ActiveTabID = ""
		}
	})
}

// MarkAuthorized records a successful login.
func (s *Store) MarkAuthorized(userID, serverIP string, chatID int64) error {
	return s.Update(userID, func(st *UserState) {
		st.Authorized = true
		st.ServerIP = serverIP
		st.ChatID = chatID
	})
}

// Revoke withdraws a user's authorization.
func (s *Store) Revoke(userID string) error {
	return s.Update(userID, func(st *UserState) { st.Authorized = false })
}

// SetInterval records the user's output push interval.
func (s *Store) SetInterval(userID, interval string) error {
	return s.Update(userID, func(st *UserState) { st.Interval = interval })
}

// SetMode records the user's output mode.
func (s *Store) SetMode(userID, mode string) error {
	return s.Update(userID, func(st *UserState) { st.Mode = mode })
}

// SetRenameTab marks which tab the user's next message renames. Empty
// clears the pending rename.
func (s *Store) SetRenameTab(userID, tabID string) error {
	return s.Update(userID, func(st *UserState) { st.RenameTabID = tabID })
}

// Users returns the IDs of every user the store knows about.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	data, err := json.MarshalIndent(s.users, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
