package bot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/tgterm/internal/audit"
	"github.com/steveyegge/tgterm/internal/auth"
	"github.com/steveyegge/tgterm/internal/policy"
	"github.com/steveyegge/tgterm/internal/registry"
	"github.com/steveyegge/tgterm/internal/scheduler"
	"github.com/steveyegge/tgterm/internal/state"
	"github.com/steveyegge/tgterm/internal/telegram"
)

const helpText = `Remote terminal control.

/login <server_ip> <key> - authenticate
/tabs - manage terminal tabs
/refresh - push current output now
/interval - set the push interval
/claude - claude mode (prompt-triggered pushes)
/jobs - job control for the active tab
/edit - edit a file in the tab's directory
/cancel - abort an open edit or rename

Plain text runs as a shell command in the active tab.`

// handle routes one update. The caller already holds the user's lane.
func (b *Bot) handle(u telegram.Update) {
	st := b.deps.States.Get(u.UserID)
	if u.ChatID != 0 && st.ChatID != u.ChatID {
		// Remember the chat so scheduled pushes know where to go.
		if err := b.deps.States.Update(u.UserID, func(s *state.UserState) { s.ChatID = u.ChatID }); err != nil {
			b.deps.Logger.Warn("persist chat id failed", "user", u.UserID, "error", err)
		}
		st.ChatID = u.ChatID
	}

	switch {
	case strings.HasPrefix(u.Text, "/"):
		b.handleCommand(u, st)
	case u.CallbackData != "":
		b.handleCallback(u, st)
	case u.Text != "":
		b.handleText(u, st)
	}
}

func (b *Bot) handleCommand(u telegram.Update, st state.UserState) {
	fields := strings.Fields(u.Text)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "/start", "/help":
		b.reply(u, helpText)
		return
	case "/login":
		b.handleLogin(u, args)
		return
	}

	if !st.Authorized {
		b.reply(u, "Not logged in. Use /login <server_ip> <key>.")
		return
	}

	if _, open := b.deps.Editor.Active(u.UserID); open && cmd != "/cancel" {
		b.reply(u, "An edit is open. Send the file content, or /cancel first.")
		return
	}

	switch cmd {
	case "/tabs":
		b.sendTabsMenu(u)
	case "/refresh":
		b.doRefresh(u, st)
	case "/interval":
		b.sendIntervalMenu(u, st)
	case "/claude":
		b.setMode(u, state.ModeClaude)
	case "/jobs":
		b.sendJobsMenu(u, st)
	case "/edit":
		b.sendEditMenu(u, st, 0)
	case "/cancel":
		b.doCancel(u, st)
	case "/update_key", "/revoke_key", "/rotate_token":
		b.handleAdmin(u, cmd, args)
	default:
		b.reply(u, "Unknown command. See /help.")
	}
}

func (b *Bot) handleLogin(u telegram.Update, args []string) {
	if len(args) != 2 {
		b.reply(u, "Usage: /login <server_ip> <key>")
		return
	}
	serverIP, key := args[0], args[1]

	switch out := b.deps.Auth.Login(u.UserID, serverIP, key).(type) {
	case auth.Granted:
		if err := b.deps.States.MarkAuthorized(u.UserID, serverIP, u.ChatID); err != nil {
			b.reply(u, "Login succeeded but could not be saved. Try again.")
			return
		}
		b.audit(u, "", "/login", "granted", "")
		b.send(telegram.Outbound{
			ChatID:  u.ChatID,
			Text:    "Logged in.",
			Buttons: mainMenu(),
		})
	case auth.LockedOut:
		b.audit(u, "", "/login", "locked_out", serverIP)
		b.reply(u, fmt.Sprintf("Too many failed attempts. Try again after %s.",
			out.Until.Format(time.RFC3339)))
	case auth.Denied:
		b.audit(u, "", "/login", "denied", out.Reason)
		b.reply(u, "Login failed.")
	}
}

func (b *Bot) handleAdmin(u telegram.Update, cmd string, args []string) {
	if !b.deps.Auth.IsAdmin(u.UserID) {
		b.reply(u, "Admin only.")
		return
	}

	switch cmd {
	case "/update_key":
		if len(args) < 2 || len(args) > 3 {
			b.reply(u, "Usage: /update_key <user_id> <new_key> [expires_at]")
			return
		}
		var expires time.Time
		if len(args) == 3 {
			t, err := time.Parse(time.RFC3339, args[2])
			if err != nil {
				b.reply(u, "expires_at must be RFC 3339, e.g. 2026-12-31T00:00:00Z")
				return
			}
			expires = t
		}
		if err := b.deps.Auth.UpdateKey(args[0], args[1], expires); err != nil {
			b.reply(u, "Key update failed: "+err.Error())
			return
		}
		b.audit(u, "", cmd+" "+args[0], "ok", "")
		b.reply(u, "Key updated for "+args[0]+".")
	case "/revoke_key":
		if len(args) != 1 {
			b.reply(u, "Usage: /revoke_key <user_id>")
			return
		}
		if err := b.deps.Auth.RevokeKey(args[0]); err != nil {
			b.reply(u, "Revoke failed: "+err.Error())
			return
		}
		if err := b.deps.States.Revoke(args[0]); err != nil {
			b.deps.Logger.Warn("revoke state failed", "user", args[0], "error", err)
		}
		b.sched.Stop(args[0])
		b.audit(u, "", cmd+" "+args[0], "ok", "")
		b.reply(u, "Access revoked for "+args[0]+".")
	case "/rotate_token":
		if len(args) != 1 {
			b.reply(u, "Usage: /rotate_token <new_token>")
			return
		}
		if err := b.deps.Auth.RotateToken(args[0]); err != nil {
			b.reply(u, "Rotation failed: "+err.Error())
			return
		}
		b.audit(u, "", cmd, "ok", "")
		b.reply(u, "Token rotated. Old tokens expire after the grace period.")
	}
}

// handleText runs for plain (non-slash) messages: edit content first,
// pending rename second, shell execution last.
func (b *Bot) handleText(u telegram.Update, st state.UserState) {
	if !st.Authorized {
		b.reply(u, "Not logged in. Use /login <server_ip> <key>.")
		return
	}

	if _, open := b.deps.Editor.Active(u.UserID); open {
		b.submitEdit(u)
		return
	}

	if st.RenameTabID != "" {
		b.finishRename(u, st)
		return
	}

	b.execShell(u, st, u.Text)
}

func (b *Bot) submitEdit(u telegram.Update) {
	s, err := b.deps.Editor.Submit(u.UserID, u.Text)
	if err != nil {
		b.reply(u, "Save failed: "+err.Error())
		return
	}
	b.audit(u, "", "edit "+s.Path, "saved", "")
	b.reply(u, "Saved "+s.Path+".")
}

func (b *Bot) finishRename(u telegram.Update, st state.UserState) {
	tabID := st.RenameTabID
	tab, err := b.deps.Registry.Rename(tabID, u.Text)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateName) {
			b.reply(u, "That name is already in use. Send another name or /cancel.")
			return
		}
		b.clearRename(u.UserID)
		b.reply(u, "Rename failed: "+err.Error())
		return
	}
	b.clearRename(u.UserID)
	b.audit(u, tabID, "rename "+tab.DisplayName, "ok", "")
	b.reply(u, "Renamed to "+tab.DisplayName+".")
}

func (b *Bot) clearRename(userID string) {
	if err := b.deps.States.SetRenameTab(userID, ""); err != nil {
		b.deps.Logger.Warn("clear rename failed", "user", userID, "error", err)
	}
}

// execShell sends text to the active tab after the guards pass.
func (b *Bot) execShell(u telegram.Update, st state.UserState, text string) {
	tab, ok := b.activeTab(u, st)
	if !ok {
		return
	}

	if err := b.deps.Policy.Check(text); err != nil {
		var rej *policy.Rejection
		if errors.As(err, &rej) {
			b.audit(u, tab.TabID, text, "rejected", rej.Class)
			b.reply(u, "Rejected: "+rej.Error())
			return
		}
		b.reply(u, "Rejected.")
		return
	}

	alive, err := b.deps.Driver.HasSession(tab.TabID)
	if err == nil && !alive {
		if err := b.deps.Registry.MarkBroken(tab.TabID); err != nil {
			b.deps.Logger.Warn("mark broken failed", "tab", tab.TabID, "error", err)
		}
		b.audit(u, tab.TabID, text, "session_missing", "")
		b.send(telegram.Outbound{
			ChatID: u.ChatID,
			Text:   "The terminal session for this tab is gone.",
			Buttons: [][]telegram.Button{{
				{Label: "Recreate", CallbackData: "tab:recreate:" + tab.TabID},
			}},
		})
		return
	}

	if err := b.deps.Driver.SendText(tab.TabID, text); err != nil {
		b.audit(u, tab.TabID, text, "driver_fault", err.Error())
		b.reply(u, "Terminal driver error, try again.")
		return
	}
	b.deps.Registry.Touch(tab.TabID)
	b.audit(u, tab.TabID, text, "executed", "")
	b.reply(u, "Sent to "+tab.DisplayName+". /refresh for output.")

	// In claude mode a command often lands on a prompt right away;
	// evaluate the rules now instead of waiting for the next tick.
	if st.Mode == state.ModeClaude && b.sched != nil {
		b.sched.PromptCheck(u.UserID, tab.TabID)
	}
}

// activeTab resolves the user's active tab, replying with guidance
// when there is none.
func (b *Bot) activeTab(u telegram.Update, st state.UserState) (registry.Tab, bool) {
	if st.ActiveTabID == "" {
		b.reply(u, "No active tab. Pick one with /tabs.")
		return registry.Tab{}, false
	}
	tab, ok := b.deps.Registry.Get(st.ActiveTabID)
	if !ok || tab.UserID != u.UserID {
		if err := b.deps.States.ClearActiveTab(u.UserID, st.ActiveTabID); err != nil {
			b.deps.Logger.Warn("clear active tab failed", "user", u.UserID, "error", err)
		}
		b.reply(u, "The active tab no longer exists. Pick one with /tabs.")
		return registry.Tab{}, false
	}
	return tab, true
}

// reschedule points the user's output timer at their current active
// tab, interval, and mode.
func (b *Bot) reschedule(userID string, st state.UserState) {
	if b.sched == nil {
		return
	}
	interval, err := scheduler.ParseInterval(st.Interval)
	if err != nil || st.ActiveTabID == "" {
		b.sched.Stop(userID)
		return
	}
	b.sched.SetSchedule(userID, st.ActiveTabID, st.Mode, interval)
}

func (b *Bot) audit(u telegram.Update, tabID, command, outcome, detail string) {
	b.deps.Audit.Record(audit.Entry{
		UserID:  u.UserID,
		TabID:   tabID,
		Command: command,
		Outcome: outcome,
		Detail:  detail,
	})
}

func mainMenu() [][]telegram.Button {
	return [][]telegram.Button{
		{
			{Label: "Tabs", CallbackData: "tab:list"},
			{Label: "Refresh", CallbackData: "refresh:now"},
		},
		{
			{Label: "Interval", CallbackData: "interval:list"},
			{Label: "Jobs", CallbackData: "jobs:list"},
		},
	}
}

func (b *Bot) doCancel(u telegram.Update, st state.UserState) {
	if b.deps.Editor.Cancel(u.UserID) {
		b.audit(u, "", "/cancel", "edit_cancelled", "")
		b.reply(u, "Edit cancelled. Nothing was written.")
		return
	}
	if st.RenameTabID != "" {
		b.clearRename(u.UserID)
		b.reply(u, "Rename cancelled.")
		return
	}
	b.reply(u, "Nothing to cancel.")
}

func (b *Bot) setMode(u telegram.Update, mode string) {
	if err := b.deps.States.SetMode(u.UserID, mode); err != nil {
		b.reply(u, "Could not switch mode. Try again.")
		return
	}
	st := b.deps.States.Get(u.UserID)
	b.reschedule(u.UserID, st)

	if mode == state.ModeClaude {
		b.send(telegram.Outbound{
			ChatID: u.ChatID,
			Text:   "Claude mode on: output is pushed when a prompt is detected.",
			Buttons: [][]telegram.Button{{
				{Label: "Back to shell mode", CallbackData: "mode:shell"},
			}},
		})
		return
	}
	b.reply(u, "Shell mode on: output is pushed on every change.")
}

func (b *Bot) doRefresh(u telegram.Update, st state.UserState) {
	tab, ok := b.activeTab(u, st)
	if !ok {
		return
	}
	text, err := b.sched.RefreshNow(u.UserID, tab.TabID, st.Mode)
	if err != nil {
		b.audit(u, tab.TabID, "/refresh", "driver_fault", err.Error())
		b.reply(u, "Terminal driver error, try again.")
		return
	}
	if text == "" {
		b.reply(u, "No new output.")
		return
	}
	b.reply(u, text)
}
