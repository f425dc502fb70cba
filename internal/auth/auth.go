// Package auth decides who may drive the bot. Users authenticate with
// /login against a whitelist entry (per-user key, optional IP pin and
// expiry) or against a shared rotating token. Repeated failures from
// one claimed IP lock that IP out for a while.
package auth

import (
	"crypto/subtle"
	"fmt"
	"sync"
	"time"
)

// Denial reasons. Kept terse because they go into the audit log; the
// user-facing message stays generic to avoid enumeration.
const (
	ReasonNotWhitelisted = "not_whitelisted"
	ReasonIPMismatch     = "ip_mismatch"
	ReasonExpired        = "expired"
	ReasonBadKey         = "bad_key"
)

// Outcome is the result of a login attempt.
type Outcome interface{ outcome() }

// Granted means the attempt succeeded.
type Granted struct{}

// Denied carries the reason an attempt was rejected.
type Denied struct{ Reason string }

// LockedOut means the claimed IP is locked until the given time.
type LockedOut struct{ Until time.Time }

func (Granted) outcome()   {}
func (Denied) outcome()    {}
func (LockedOut) outcome() {}

// Entry is one whitelist record.
type Entry struct {
	UserID    string
	AccessKey string
	ServerIP  string // optional pin; empty accepts any IP
	ExpiresAt time.Time
	Admin     bool
}

// TokenKey is a shared login token. Tokens with a zero ExpiresAt never
// expire on their own; rotation assigns them one.
type TokenKey struct {
	Token     string
	ExpiresAt time.Time
}

// Credentials is the persisted credential set.
type Credentials struct {
	Whitelist map[string]Entry
	Tokens    []TokenKey
}

// Store persists credential mutations made by admin commands.
type Store interface {
	SaveCredentials(Credentials) error
}

// Config bounds failure bookkeeping.
type Config struct {
	MaxFailures   int
	FailureWindow time.Duration
	Lockout       time.Duration
	RotationGrace time.Duration // how long old tokens stay live after rotation
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxFailures:   5,
		FailureWindow: 5 * time.Minute,
		Lockout:       15 * time.Minute,
		RotationGrace: 24 * time.Hour,
	}
}

// Manager validates logins and tracks failures per claimed IP.
type Manager struct {
	mu        sync.Mutex
	whitelist map[string]Entry
	tokens    []TokenKey
	cfg       Config
	store     Store

	failures map[string][]time.Time
	locked   map[string]time.Time
	now      func() time.Time
}

// New builds a Manager around a credential set. The store may be nil
// when admin mutations are not needed (tests).
func New(creds Credentials, cfg Config, store Store) *Manager {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultConfig().MaxFailures
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultConfig().FailureWindow
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = DefaultConfig().Lockout
	}
	wl := make(map[string]Entry, len(creds.Whitelist))
	for id, e := range creds.Whitelist {
		wl[id] = e
	}
	return &Manager{
		whitelist: wl,
		tokens:    append([]TokenKey(nil), creds.Tokens...),
		cfg:       cfg,
		store:     store,
		failures:  make(map[string][]time.Time),
		locked:    make(map[string]time.Time),
		now:       time.Now,
	}
}

// Login validates one attempt. Locked IPs are rejected before any
// credential lookup so lockout also hides whitelist membership.
func (m *Manager) Login(userID, claimedIP, key string) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if until, ok := m.locked[claimedIP]; ok {
		if now.Before(until) {
			return LockedOut{Until: until}
		}
		delete(m.locked, claimedIP)
		delete(m.failures, claimedIP)
	}

	entry, ok := m.whitelist[userID]
	if ok {
		switch {
		case entry.ServerIP != "" && entry.ServerIP != claimedIP:
			return m.failLocked(claimedIP, now, ReasonIPMismatch)
		case !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt):
			return m.failLocked(claimedIP, now, ReasonExpired)
		case !equalKeys(entry.AccessKey, key):
			return m.failLocked(claimedIP, now, ReasonBadKey)
		}
		delete(m.failures, claimedIP)
		return Granted{}
	}

	// Not on the whitelist: a live shared token still gets in.
	for _, tk := range m.tokens {
		if !tk.ExpiresAt.IsZero() && now.After(tk.ExpiresAt) {
			continue
		}
		if equalKeys(tk.Token, key) {
			delete(m.failures, claimedIP)
			return Granted{}
		}
	}
	return m.failLocked(claimedIP, now, ReasonNotWhitelisted)
}

// failLocked records one failure against an IP, locking it once the
// window fills. Callers hold the mutex.
func (m *Manager) failLocked(ip string, now time.Time, reason string) Outcome {
	cutoff := now.Add(-m.cfg.FailureWindow)
	kept := m.failures[ip][:0]
	for _, t := range m.failures[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	m.failures[ip] = kept
	if len(kept) >= m.cfg.MaxFailures {
		m.locked[ip] = now.Add(m.cfg.Lockout)
	}
	return Denied{Reason: reason}
}

// IsAdmin reports whether a user's whitelist entry carries the admin flag.
func (m *Manager) IsAdmin(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.whitelist[userID].Admin
}

// UpdateKey creates or replaces a user's whitelist entry.
func (m *Manager) UpdateKey(userID, key string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.whitelist[userID]
	entry.UserID = userID
	entry.AccessKey = key
	entry.ExpiresAt = expiresAt
	m.whitelist[userID] = entry
	return m.persistLocked()
}

// RevokeKey removes a user's whitelist entry.
func (m *Manager) RevokeKey(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.whitelist[userID]; !ok {
		return fmt.Errorf("no whitelist entry for %s", userID)
	}
	delete(m.whitelist, userID)
	return m.persistLocked()
}

// RotateToken prepends a new shared token and puts every currently live
// token on a grace-period clock so sessions in flight can finish.
func (m *Manager) RotateToken(newToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	graceEnd := now.Add(m.cfg.RotationGrace)
	for i, tk := range m.tokens {
		if tk.ExpiresAt.IsZero() || tk.ExpiresAt.After(graceEnd) {
			m.tokens[i].ExpiresAt = graceEnd
		}
	}
	m.tokens = append([]TokenKey{{Token: newToken}}, m.tokens...)
	return m.persistLocked()
}

func (m *Manager) persistLocked() error {
	if m.store == nil {
		return nil
	}
	creds := Credentials{
		Whitelist: make(map[string]Entry, len(m.whitelist)),
		Tokens:    append([]TokenKey(nil), m.tokens...),
	}
	for id, e := range m.whitelist {
		creds.Whitelist[id] = e
	}
	if err := m.store.SaveCredentials(creds); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	return nil
}

func equalKeys(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
