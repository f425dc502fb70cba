// Package rules matches captured terminal output against configured
// prompt patterns. A hit produces a Signal telling the scheduler to
// push incremental output, optionally with inline buttons whose
// actions are sent back to the terminal verbatim.
package rules

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"
)

// Button is one inline button offered with a matched prompt.
type Button struct {
	Label  string `toml:"label"`
	Action string `toml:"action"`
}

// Signal is the outcome of a successful match.
type Signal struct {
	RuleID      string
	Incremental bool
	Buttons     []Button
}

// File shapes for the TOML rules document.
type fileDoc struct {
	Enabled        bool                    `toml:"enabled"`
	DefaultSilence bool                    `toml:"default_silence"`
	Matchers       []fileMatcher           `toml:"matchers"`
	Users          map[string]fileOverride `toml:"users"`
}

type fileMatcher struct {
	ID                string   `toml:"id"`
	Type              string   `toml:"type"` // regex or keyword
	Pattern           string   `toml:"pattern"`
	Keywords          []string `toml:"keywords"`
	CaseSensitive     bool     `toml:"case_sensitive"`
	IncrementalOutput bool     `toml:"incremental_output"`
	Buttons           []Button `toml:"buttons"`
}

type fileOverride struct {
	Enabled          *bool `toml:"enabled"`
	ForceIncremental *bool `toml:"force_incremental"`
}

// compiled forms, immutable after load.
type matcher struct {
	id          string
	re          *regexp.Regexp // nil for keyword matchers
	keywords    []string       // lowercased unless case sensitive
	caseSens    bool
	incremental bool
	buttons     []Button
}

func (m *matcher) match(text string) bool {
	if m.re != nil {
		return m.re.MatchString(text)
	}
	haystack := text
	if !m.caseSens {
		haystack = strings.ToLower(text)
	}
	for _, kw := range m.keywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

type ruleSet struct {
	enabled        bool
	defaultSilence bool
	matchers       []*matcher
	users          map[string]fileOverride
}

var disabledSet = &ruleSet{users: map[string]fileOverride{}}

// Engine evaluates output against the current rule set. Reload swaps
// the whole compiled set atomically, so evaluations in flight keep a
// consistent view.
type Engine struct {
	path    string
	current atomic.Pointer[ruleSet]
	logger  *slog.Logger
}

// Load reads and compiles the rules file. A missing file yields a
// disabled engine rather than an error; a present but broken file is
// a configuration error.
func Load(path string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{path: path, logger: logger}
	rs, err := compileFile(path)
	if err != nil {
		return nil, err
	}
	e.current.Store(rs)
	return e, nil
}

func compileFile(path string) (*ruleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return disabledSet, nil
		}
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var doc fileDoc
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	return compile(doc)
}

func compile(doc fileDoc) (*ruleSet, error) {
	rs := &ruleSet{
		enabled:        doc.Enabled,
		defaultSilence: doc.DefaultSilence,
		users:          doc.Users,
	}
	if rs.users == nil {
		rs.users = map[string]fileOverride{}
	}
	for _, fm := range doc.Matchers {
		m := &matcher{
			id:          fm.ID,
			caseSens:    fm.CaseSensitive,
			incremental: fm.IncrementalOutput,
			buttons:     fm.Buttons,
		}
		switch fm.Type {
		case "regex":
			pat := fm.Pattern
			if !fm.CaseSensitive {
				pat = "(?i)" + pat
			}
			re, err := regexp.Compile(pat)
			if err != nil {
				return nil, fmt.Errorf("matcher %q: %w", fm.ID, err)
			}
			m.re = re
		case "keyword":
			for _, kw := range fm.Keywords {
				if !fm.CaseSensitive {
					kw = strings.ToLower(kw)
				}
				m.keywords = append(m.keywords, kw)
			}
		default:
			return nil, fmt.Errorf("matcher %q: unknown type %q", fm.ID, fm.Type)
		}
		rs.matchers = append(rs.matchers, m)
	}
	return rs, nil
}

// Evaluate runs the matchers in configured order, first match wins.
// Returns nil when nothing should be emitted. A user override with
// enabled=false silences everything for that user; force_incremental
// overrides the matched rule's incremental flag in either direction.
func (e *Engine) Evaluate(text, userID string) *Signal {
	rs := e.current.Load()
	if !rs.enabled {
		return nil
	}
	ov := rs.users[userID]
	if ov.Enabled != nil && !*ov.Enabled {
		return nil
	}

	applyForce := func(inc bool) bool {
		if ov.ForceIncremental != nil {
			return *ov.ForceIncremental
		}
		return inc
	}

	for _, m := range rs.matchers {
		if m.match(text) {
			return &Signal{
				RuleID:      m.id,
				Incremental: applyForce(m.incremental),
				Buttons:     m.buttons,
			}
		}
	}
	if rs.defaultSilence {
		return nil
	}
	return &Signal{Incremental: applyForce(true)}
}

// Reload recompiles the rules file and swaps it in. On failure the
// previous rule set stays active.
func (e *Engine) Reload() error {
	rs, err := compileFile(e.path)
	if err != nil {
		return err
	}
	e.current.Store(rs)
	return nil
}
