package rules

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

const sampleRules = `
enabled = true
default_silence = true

[[matchers]]
id = "question"
type = "regex"
pattern = '\?\s*$'
incremental_output = true

  [[matchers.buttons]]
  label = "Yes"
  action = "y"

  [[matchers.buttons]]
  label = "No"
  action = "n"

[[matchers]]
id = "permission"
type = "keyword"
keywords = ["Allow", "Permission"]
incremental_output = false

[users.99]
enabled = false

[users.55]
force_incremental = true
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	return path
}

func loadEngine(t *testing.T, content string) *Engine {
	t.Helper()
	e, err := Load(writeRules(t, content), slog.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return e
}

func TestRegexMatch(t *testing.T) {
	e := loadEngine(t, sampleRules)

	sig := e.Evaluate("Continue? ", "42")
	if sig == nil {
		t.Fatal("expected a signal")
	}
	if sig.RuleID != "question" || !sig.Incremental {
		t.Errorf("signal = %+v", sig)
	}
	if len(sig.Buttons) != 2 || sig.Buttons[0].Label != "Yes" || sig.Buttons[1].Action != "n" {
		t.Errorf("buttons = %+v", sig.Buttons)
	}
}

func TestKeywordMatchCaseInsensitive(t *testing.T) {
	e := loadEngine(t, sampleRules)

	sig := e.Evaluate("please grant permission to proceed", "42")
	if sig == nil {
		t.Fatal("expected a signal")
	}
	if sig.RuleID != "permission" || sig.Incremental {
		t.Errorf("signal = %+v", sig)
	}
}

func TestFirstMatchWins(t *testing.T) {
	e := loadEngine(t, sampleRules)

	// Matches both rules; the regex rule is listed first.
	sig := e.Evaluate("Allow this change?", "42")
	if sig == nil || sig.RuleID != "question" {
		t.Errorf("signal = %+v, want rule question", sig)
	}
}

func TestDefaultSilence(t *testing.T) {
	e := loadEngine(t, sampleRules)

	if sig := e.Evaluate("compiling module foo", "42"); sig != nil {
		t.Errorf("expected nil signal, got %+v", sig)
	}
}

func TestNoDefaultSilence(t *testing.T) {
	e := loadEngine(t, "enabled = true\ndefault_silence = false\n")

	sig := e.Evaluate("anything at all", "42")
	if sig == nil || !sig.Incremental || sig.RuleID != "" {
		t.Errorf("signal = %+v, want minimal incremental signal", sig)
	}
}

func TestGloballyDisabled(t *testing.T) {
	e := loadEngine(t, "enabled = false\ndefault_silence = false\n")

	if sig := e.Evaluate("anything?", "42"); sig != nil {
		t.Errorf("expected nil signal, got %+v", sig)
	}
}

func TestUserDisabledBeatsEverything(t *testing.T) {
	e := loadEngine(t, sampleRules)

	if sig := e.Evaluate("Continue?", "99"); sig != nil {
		t.Errorf("expected nil for disabled user, got %+v", sig)
	}
}

func TestForceIncremental(t *testing.T) {
	e := loadEngine(t, sampleRules)

	// The keyword rule is non-incremental, but user 55 forces it on.
	sig := e.Evaluate("Permission needed", "55")
	if sig == nil || !sig.Incremental {
		t.Errorf("signal = %+v, want incremental forced on", sig)
	}
}

func TestMissingFileDisablesEngine(t *testing.T) {
	e, err := Load(filepath.Join(t.TempDir(), "absent.toml"), slog.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sig := e.Evaluate("anything?", "42"); sig != nil {
		t.Errorf("expected nil signal, got %+v", sig)
	}
}

func TestBrokenFileIsError(t *testing.T) {
	if _, err := Load(writeRules(t, "enabled = [not toml"), slog.Default()); err == nil {
		t.Error("expected parse error")
	}
	bad := "enabled = true\n[[matchers]]\nid = \"x\"\ntype = \"regex\"\npattern = '['\n"
	if _, err := Load(writeRules(t, bad), slog.Default()); err == nil {
		t.Error("expected regex compile error")
	}
	unknown := "enabled = true\n[[matchers]]\nid = \"x\"\ntype = \"glob\"\n"
	if _, err := Load(writeRules(t, unknown), slog.Default()); err == nil {
		t.Error("expected unknown type error")
	}
}

func TestReloadSwapsRules(t *testing.T) {
	path := writeRules(t, sampleRules)
	e, err := Load(path, slog.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if e.Evaluate("Continue?", "42") == nil {
		t.Fatal("expected a signal before reload")
	}

	if err := os.WriteFile(path, []byte("enabled = false\n"), 0644); err != nil {
		t.Fatalf("rewrite rules: %v", err)
	}
	if err := e.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if sig := e.Evaluate("Continue?", "42"); sig != nil {
		t.Errorf("expected nil after reload, got %+v", sig)
	}
}

func TestReloadFailureKeepsPreviousSet(t *testing.T) {
	path := writeRules(t, sampleRules)
	e, err := Load(path, slog.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := os.WriteFile(path, []byte("enabled = [broken"), 0644); err != nil {
		t.Fatalf("rewrite rules: %v", err)
	}
	if err := e.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if e.Evaluate("Continue?", "42") == nil {
		t.Error("previous rule set should survive a failed reload")
	}
}

func TestCaseSensitiveRegex(t *testing.T) {
	content := `
enabled = true
default_silence = true

[[matchers]]
id = "strict"
type = "regex"
pattern = 'ERROR'
case_sensitive = true
`
	e := loadEngine(t, content)

	if e.Evaluate("ERROR: disk full", "42") == nil {
		t.Error("expected match on exact case")
	}
	if sig := e.Evaluate("error: disk full", "42"); sig != nil {
		t.Errorf("expected no match on lowercase, got %+v", sig)
	}
}
