// Package config loads the TOML configuration document and persists
// the credential sections back to it when admin commands mutate them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/steveyegge/tgterm/internal/auth"
)

// Config is the whole configuration document.
type Config struct {
	Telegram Telegram `toml:"telegram"`
	Tmux     Tmux     `toml:"tmux"`
	Paths    Paths    `toml:"paths"`
	Policy   Policy   `toml:"command_policy"`
	Auth     Auth     `toml:"auth"`
	AuditLog AuditLog `toml:"audit_log"`

	WhitelistKeys map[string]WhitelistEntry `toml:"whitelist_keys"`
	TokenKeys     []TokenKey                `toml:"token_keys"`
	AdminUserIDs  []string                  `toml:"admin_user_ids"`
}

type Telegram struct {
	BotToken   string `toml:"bot_token"`
	UseWebhook bool   `toml:"use_webhook"`
	WebhookURL string `toml:"webhook_url"`
	ListenHost string `toml:"listen_host"`
	ListenPort int    `toml:"listen_port"`
}

type Tmux struct {
	Width      int `toml:"width"`
	Height     int `toml:"height"`
	Scrollback int `toml:"scrollback"`
}

type Paths struct {
	StatePath       string `toml:"state_path"`
	TagRegistryPath string `toml:"tag_registry_path"`
	PromptRulesPath string `toml:"prompt_rules_path"`
}

type Policy struct {
	MaxLength        int      `toml:"max_length"`
	BlockedPatterns  []string `toml:"blocked_patterns"`
	AllowedPatterns  []string `toml:"allowed_patterns"`
	RequireAllowlist bool     `toml:"require_allowlist"`
}

type Auth struct {
	LockoutSeconds       int `toml:"lockout_seconds"`
	MaxFailures          int `toml:"max_failures"`
	FailureWindowSeconds int `toml:"failure_window_seconds"`
	RotationGraceSeconds int `toml:"rotation_grace_seconds"`
}

type AuditLog struct {
	Path        string `toml:"path"`
	MaxBytes    int64  `toml:"max_bytes"`
	BackupCount int    `toml:"backup_count"`
}

type WhitelistEntry struct {
	AccessKey string    `toml:"access_key"`
	ServerIP  string    `toml:"server_ip,omitempty"`
	ExpiresAt time.Time `toml:"expires_at,omitempty"`
	Admin     bool      `toml:"admin,omitempty"`
}

type TokenKey struct {
	Token     string    `toml:"token"`
	ExpiresAt time.Time `toml:"expires_at,omitempty"`
}

// Load reads, validates, and defaults a config file. Any error here is
// a configuration error and maps to exit code 2.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Telegram.ListenHost == "" {
		c.Telegram.ListenHost = "127.0.0.1"
	}
	if c.Telegram.ListenPort == 0 {
		c.Telegram.ListenPort = 8443
	}
	if c.Tmux.Width == 0 {
		c.Tmux.Width = 80
	}
	if c.Tmux.Height == 0 {
		c.Tmux.Height = 24
	}
	if c.Tmux.Scrollback == 0 {
		c.Tmux.Scrollback = 2000
	}
	if c.Paths.StatePath == "" {
		c.Paths.StatePath = filepath.Join(baseDir, "state.json")
	}
	if c.Paths.TagRegistryPath == "" {
		c.Paths.TagRegistryPath = filepath.Join(baseDir, "tabs.json")
	}
	if c.Paths.PromptRulesPath == "" {
		c.Paths.PromptRulesPath = filepath.Join(baseDir, "prompt_rules.toml")
	}
	if c.Policy.MaxLength == 0 {
		c.Policy.MaxLength = 1000
	}
	if c.Auth.MaxFailures == 0 {
		c.Auth.MaxFailures = 5
	}
	if c.Auth.FailureWindowSeconds == 0 {
		c.Auth.FailureWindowSeconds = 300
	}
	if c.Auth.LockoutSeconds == 0 {
		c.Auth.LockoutSeconds = 900
	}
	if c.Auth.RotationGraceSeconds == 0 {
		c.Auth.RotationGraceSeconds = 86400
	}
}

func (c *Config) validate() error {
	if c.Telegram.BotToken == "" {
		return errors.New("telegram.bot_token is required")
	}
	if c.Telegram.UseWebhook && c.Telegram.WebhookURL == "" {
		return errors.New("telegram.webhook_url is required when use_webhook is set")
	}
	if len(c.WhitelistKeys) == 0 && len(c.TokenKeys) == 0 {
		return errors.New("no whitelist_keys or token_keys configured, nobody could log in")
	}
	return nil
}

// AuthConfig converts the seconds-based keys to the auth package's
// duration config.
func (c *Config) AuthConfig() auth.Config {
	return auth.Config{
		MaxFailures:   c.Auth.MaxFailures,
		FailureWindow: time.Duration(c.Auth.FailureWindowSeconds) * time.Second,
		Lockout:       time.Duration(c.Auth.LockoutSeconds) * time.Second,
		RotationGrace: time.Duration(c.Auth.RotationGraceSeconds) * time.Second,
	}
}

// Credentials assembles the auth package's view of the whitelist and
// shared tokens. admin_user_ids marks users admin even when their
// whitelist entry does not.
func (c *Config) Credentials() auth.Credentials {
	admins := make(map[string]bool, len(c.AdminUserIDs))
	for _, id := range c.AdminUserIDs {
		admins[id] = true
	}

	creds := auth.Credentials{Whitelist: make(map[string]auth.Entry, len(c.WhitelistKeys))}
	for id, e := range c.WhitelistKeys {
		creds.Whitelist[id] = auth.Entry{
			UserID:    id,
			AccessKey: e.AccessKey,
			ServerIP:  e.ServerIP,
			ExpiresAt: e.ExpiresAt,
			Admin:     e.Admin || admins[id],
		}
	}
	for _, tk := range c.TokenKeys {
		creds.Tokens = append(creds.Tokens, auth.TokenKey{
			Token:     tk.Token,
			ExpiresAt: tk.ExpiresAt,
		})
	}
	return creds
}

// Store writes credential mutations back to the config file so admin
// changes survive restarts.
type Store struct {
	mu   sync.Mutex
	path string
	cfg  *Config
}

// NewStore wraps a loaded config and its file path.
func NewStore(path string, cfg *Config) *Store {
	return &Store{path: path, cfg: cfg}
}

// SaveCredentials replaces the credential sections and rewrites the
// whole document atomically.
func (s *Store) SaveCredentials(creds auth.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wl := make(map[string]WhitelistEntry, len(creds.Whitelist))
	for id, e := range creds.Whitelist {
		wl[id] = WhitelistEntry{
			AccessKey: e.AccessKey,
			ServerIP:  e.ServerIP,
			ExpiresAt: e.ExpiresAt,
			Admin:     e.Admin,
		}
	}
	tokens := make([]TokenKey, 0, len(creds.Tokens))
	for _, tk := range creds.Tokens {
		tokens = append(tokens, TokenKey{Token: tk.Token, ExpiresAt: tk.ExpiresAt})
	}
	s.cfg.WhitelistKeys = wl
	s.cfg.TokenKeys = tokens

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s.cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
