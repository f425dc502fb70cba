// Package policy validates shell commands before they reach a terminal
// session. Checks are pure: the same command always gets the same
// verdict, and checking has no side effects.
package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Rejection classes.
const (
	ClassEmpty          = "empty"
	ClassTooLong        = "too_long"
	ClassBlocked        = "blocked"
	ClassNotAllowlisted = "not_allowlisted"
)

// Rejection is returned when a command fails a check.
type Rejection struct {
	Class   string
	Pattern string // the blocked pattern that matched, if any
}

func (r *Rejection) Error() string {
	switch r.Class {
	case ClassEmpty:
		return "command is empty"
	case ClassTooLong:
		return "command too long"
	case ClassBlocked:
		return fmt.Sprintf("command blocked by pattern %q", r.Pattern)
	case ClassNotAllowlisted:
		return "command not on the allowlist"
	}
	return "command rejected"
}

// Config is the raw policy configuration.
type Config struct {
	MaxLength        int
	BlockedPatterns  []string
	AllowedPatterns  []string
	RequireAllowlist bool
}

// Policy holds the compiled pattern sets.
type Policy struct {
	maxLength        int
	blocked          []*regexp.Regexp
	allowed          []*regexp.Regexp
	requireAllowlist bool
}

// New compiles the configured patterns once. A bad pattern is a
// configuration error, not something to discover per command.
func New(cfg Config) (*Policy, error) {
	p := &Policy{
		maxLength:        cfg.MaxLength,
		requireAllowlist: cfg.RequireAllowlist,
	}
	if p.maxLength <= 0 {
		p.maxLength = 1000
	}
	for _, pat := range cfg.BlockedPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("blocked pattern %q: %w", pat, err)
		}
		p.blocked = append(p.blocked, re)
	}
	for _, pat := range cfg.AllowedPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("allowed pattern %q: %w", pat, err)
		}
		p.allowed = append(p.allowed, re)
	}
	return p, nil
}

// Check returns nil if the command may be sent, or a *Rejection.
// The allowlist only applies when require_allowlist is set.
func (p *Policy) Check(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return &Rejection{Class: ClassEmpty}
	}
	if len(cmd) > p.maxLength {
		return &Rejection{Class: ClassTooLong}
	}
	for _, re := range p.blocked {
		if re.MatchString(cmd) {
			return &Rejection{Class: ClassBlocked, Pattern: re.String()}
		}
	}
	if p.requireAllowlist {
		for _, re := range p.allowed {
			if re.MatchString(cmd) {
				return nil
			}
		}
		return &Rejection{Class: ClassNotAllowlisted}
	}
	return nil
}
