package bot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/steveyegge/tgterm/internal/editor"
	"github.com/steveyegge/tgterm/internal/policy"
	"github.com/steveyegge/tgterm/internal/registry"
	"github.com/steveyegge/tgterm/internal/state"
	"github.com/steveyegge/tgterm/internal/telegram"
)

func (b *Bot) handleCallback(u telegram.Update, st state.UserState) {
	if !st.Authorized {
		b.reply(u, "Not logged in. Use /login <server_ip> <key>.")
		return
	}

	cb, err := ParseCallback(u.CallbackData)
	if err != nil {
		b.deps.Logger.Warn("bad callback", "user", u.UserID, "data", u.CallbackData)
		b.audit(u, "", u.CallbackData, "bad_action", "")
		b.reply(u, "Bad action.")
		return
	}

	switch cb := cb.(type) {
	case TabList:
		b.sendTabsMenu(u)
	case TabNew:
		b.createTab(u)
	case TabSelect:
		b.selectTab(u, cb.TabID)
	case TabRename:
		b.startRename(u, cb.TabID)
	case TabClose:
		b.closeTab(u, st, cb.TabID)
	case TabRecreate:
		b.recreateTab(u, cb.TabID)
	case IntervalList:
		b.sendIntervalMenu(u, st)
	case IntervalSet:
		b.setInterval(u, cb.Interval)
	case RefreshNow:
		b.doRefresh(u, st)
	case EditList:
		b.sendEditMenu(u, st, cb.Page)
	case EditOpen:
		b.openEdit(u, st, cb.Path)
	case EditSave:
		b.reply(u, "Send the new file content as a single message, or /cancel.")
	case JobsList:
		b.sendJobsMenu(u, st)
	case JobsCtrlZ:
		b.sendJobKey(u, st, "C-z", "Sent Ctrl-Z.")
	case JobsBg:
		b.backgroundJob(u, st, cb.JobID)
	case ModeSet:
		if cb.Mode == "claude" {
			b.setMode(u, state.ModeClaude)
		} else {
			b.setMode(u, state.ModeNormal)
		}
	case PromptAction:
		b.sendPromptAction(u, st, cb.Action)
	}
}

// cancelEditOnSwitch closes any open edit session when the active tab
// changes. The session is bound to the old tab's directory, so a
// message meant for the new tab must not land in its file.
func (b *Bot) cancelEditOnSwitch(u telegram.Update) {
	if b.deps.Editor.Cancel(u.UserID) {
		b.audit(u, "", "tab switch", "edit_cancelled", "")
		b.reply(u, "The open edit was cancelled. Nothing was written.")
	}
}

// ownTab fetches a tab and checks it belongs to the requesting user.
// Callback data is attacker-controlled, so ownership is re-checked on
// every tab-addressed action.
func (b *Bot) ownTab(u telegram.Update, tabID string) (registry.Tab, bool) {
	tab, ok := b.deps.Registry.Get(tabID)
	if !ok || tab.UserID != u.UserID {
		b.reply(u, "Unknown tab.")
		return registry.Tab{}, false
	}
	return tab, true
}

func (b *Bot) sendTabsMenu(u telegram.Update) {
	tabs := b.deps.Registry.List(u.UserID)
	st := b.deps.States.Get(u.UserID)

	var rows [][]telegram.Button
	for _, tab := range tabs {
		label := tab.DisplayName
		if tab.TabID == st.ActiveTabID {
			label = "* " + label
		}
		if tab.Status == registry.StatusBroken {
			rows = append(rows, []telegram.Button{
				{Label: label + " (broken)", CallbackData: "tab:recreate:" + tab.TabID},
				{Label: "Close", CallbackData: "tab:close:" + tab.TabID},
			})
			continue
		}
		rows = append(rows, []telegram.Button{
			{Label: label, CallbackData: "tab:select:" + tab.TabID},
			{Label: "Rename", CallbackData: "tab:rename:" + tab.TabID},
			{Label: "Close", CallbackData: "tab:close:" + tab.TabID},
		})
	}
	rows = append(rows, []telegram.Button{{Label: "+ New tab", CallbackData: "tab:new"}})

	text := "Your tabs:"
	if len(tabs) == 0 {
		text = "No tabs yet."
	}
	b.send(telegram.Outbound{ChatID: u.ChatID, Text: text, Buttons: rows})
}

// createTab registers a tab, starts its session, and makes it active.
// The registry record is committed before any response goes out.
func (b *Bot) createTab(u telegram.Update) {
	b.cancelEditOnSwitch(u)
	name := b.nextTabName(u.UserID)
	tab, err := b.deps.Registry.Create(u.UserID, name)
	if err != nil {
		b.reply(u, "Could not create tab: "+err.Error())
		return
	}
	if err := b.deps.Driver.CreateSession(tab.TabID); err != nil {
		if err := b.deps.Registry.MarkBroken(tab.TabID); err != nil {
			b.deps.Logger.Warn("mark broken failed", "tab", tab.TabID, "error", err)
		}
		b.audit(u, tab.TabID, "tab:new", "driver_fault", err.Error())
		b.reply(u, "Tab created, but the terminal session could not be started.")
		return
	}
	if err := b.deps.States.SetActiveTab(u.UserID, tab.TabID); err != nil {
		b.deps.Logger.Warn("set active tab failed", "user", u.UserID, "error", err)
	}
	b.reschedule(u.UserID, b.deps.States.Get(u.UserID))
	b.audit(u, tab.TabID, "tab:new", "ok", name)
	b.reply(u, fmt.Sprintf("Created %s and made it active. Rename it via /tabs.", name))
}

func (b *Bot) nextTabName(userID string) string {
	taken := make(map[string]bool)
	for _, tab := range b.deps.Registry.List(userID) {
		taken[tab.DisplayName] = true
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("tab-%d", i)
		if !taken[name] {
			return name
		}
	}
}

func (b *Bot) selectTab(u telegram.Update, tabID string) {
	tab, ok := b.ownTab(u, tabID)
	if !ok {
		return
	}
	b.cancelEditOnSwitch(u)
	if err := b.deps.States.SetActiveTab(u.UserID, tab.TabID); err != nil {
		b.reply(u, "Could not switch tab. Try again.")
		return
	}
	b.reschedule(u.UserID, b.deps.States.Get(u.UserID))
	b.audit(u, tab.TabID, "tab:select", "ok", "")
	b.reply(u, "Active tab: "+tab.DisplayName)
}

func (b *Bot) startRename(u telegram.Update, tabID string) {
	tab, ok := b.ownTab(u, tabID)
	if !ok {
		return
	}
	if err := b.deps.States.SetRenameTab(u.UserID, tab.TabID); err != nil {
		b.reply(u, "Could not start rename. Try again.")
		return
	}
	b.reply(u, "Send the new name for "+tab.DisplayName+", or /cancel.")
}

func (b *Bot) closeTab(u telegram.Update, st state.UserState, tabID string) {
	tab, ok := b.ownTab(u, tabID)
	if !ok {
		return
	}
	if err := b.deps.Driver.KillSession(tab.TabID); err != nil {
		b.audit(u, tab.TabID, "tab:close", "driver_fault", err.Error())
		b.reply(u, "Terminal driver error, try again.")
		return
	}
	if err := b.deps.Registry.Close(tab.TabID); err != nil {
		b.reply(u, "Could not close tab: "+err.Error())
		return
	}
	if err := b.deps.States.ClearActiveTab(u.UserID, tab.TabID); err != nil {
		b.deps.Logger.Warn("clear active tab failed", "user", u.UserID, "error", err)
	}
	b.sched.Forget(tab.TabID)
	if st.ActiveTabID == tab.TabID {
		b.sched.Stop(u.UserID)
	}
	b.audit(u, tab.TabID, "tab:close", "ok", "")
	b.reply(u, "Closed "+tab.DisplayName+".")
}

func (b *Bot) recreateTab(u telegram.Update, tabID string) {
	tab, ok := b.ownTab(u, tabID)
	if !ok {
		return
	}
	if err := b.deps.Driver.CreateSession(tab.TabID); err != nil {
		b.audit(u, tab.TabID, "tab:recreate", "driver_fault", err.Error())
		b.reply(u, "Terminal driver error, try again.")
		return
	}
	if err := b.deps.Registry.MarkActive(tab.TabID); err != nil {
		b.deps.Logger.Warn("mark active failed", "tab", tab.TabID, "error", err)
	}
	b.sched.Forget(tab.TabID)
	b.audit(u, tab.TabID, "tab:recreate", "ok", "")
	b.reply(u, "Recreated the session for "+tab.DisplayName+".")
}

func (b *Bot) sendIntervalMenu(u telegram.Update, st state.UserState) {
	var row []telegram.Button
	for _, iv := range []string{"1m", "5m", "1h", "never"} {
		label := iv
		if iv == st.Interval {
			label = "* " + label
		}
		row = append(row, telegram.Button{Label: label, CallbackData: "interval:set:" + iv})
	}
	b.send(telegram.Outbound{
		ChatID:  u.ChatID,
		Text:    "Push interval:",
		Buttons: [][]telegram.Button{row},
	})
}

func (b *Bot) setInterval(u telegram.Update, interval string) {
	if err := b.deps.States.SetInterval(u.UserID, interval); err != nil {
		b.reply(u, "Could not change the interval. Try again.")
		return
	}
	b.reschedule(u.UserID, b.deps.States.Get(u.UserID))
	if interval == "never" {
		b.reply(u, "Periodic pushes off. /refresh still works.")
		return
	}
	b.reply(u, "Push interval set to "+interval+".")
}

func (b *Bot) sendEditMenu(u telegram.Update, st state.UserState, pageNum int) {
	tab, ok := b.activeTab(u, st)
	if !ok {
		return
	}
	dir, err := b.deps.Driver.Cwd(tab.TabID)
	if err != nil {
		b.reply(u, "Terminal driver error, try again.")
		return
	}
	page, err := editor.ListFiles(dir, pageNum)
	if err != nil {
		b.reply(u, "Could not list "+dir+": "+err.Error())
		return
	}
	if len(page.Files) == 0 {
		b.reply(u, "No files in "+dir+".")
		return
	}

	var rows [][]telegram.Button
	for _, name := range page.Files {
		rows = append(rows, []telegram.Button{{Label: name, CallbackData: "edit:open:" + name}})
	}
	var nav []telegram.Button
	if page.Page > 0 {
		nav = append(nav, telegram.Button{Label: "Prev", CallbackData: fmt.Sprintf("edit:list:%d", page.Page-1)})
	}
	if page.Page < page.TotalPages-1 {
		nav = append(nav, telegram.Button{Label: "Next", CallbackData: fmt.Sprintf("edit:list:%d", page.Page+1)})
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}

	text := fmt.Sprintf("Files in %s (page %d/%d):", dir, page.Page+1, page.TotalPages)
	b.send(telegram.Outbound{ChatID: u.ChatID, Text: text, Buttons: rows})
}

func (b *Bot) openEdit(u telegram.Update, st state.UserState, relPath string) {
	tab, ok := b.activeTab(u, st)
	if !ok {
		return
	}
	dir, err := b.deps.Driver.Cwd(tab.TabID)
	if err != nil {
		b.reply(u, "Terminal driver error, try again.")
		return
	}
	s, content, err := b.deps.Editor.Open(u.UserID, dir, relPath)
	if err != nil {
		if errors.Is(err, editor.ErrPathEscapes) {
			b.audit(u, tab.TabID, "edit:open:"+relPath, "rejected", "path_escapes")
			b.reply(u, "That path is outside the tab's directory.")
			return
		}
		b.reply(u, "Could not open "+relPath+": "+err.Error())
		return
	}
	b.audit(u, tab.TabID, "edit:open:"+relPath, "ok", "")
	if strings.TrimSpace(content) == "" {
		content = "(empty file)"
	}
	b.reply(u, fmt.Sprintf("Editing %s. Current content:\n\n%s\n\nSend the replacement content as one message, or /cancel.", s.Path, content))
}

func (b *Bot) sendJobsMenu(u telegram.Update, st state.UserState) {
	tab, ok := b.activeTab(u, st)
	if !ok {
		return
	}
	jobs, err := b.deps.Driver.ListJobs(tab.TabID)
	if err != nil {
		b.reply(u, "Terminal driver error, try again.")
		return
	}

	var sb strings.Builder
	sb.WriteString("Jobs in " + tab.DisplayName + ":\n")
	var rows [][]telegram.Button
	for _, j := range jobs {
		fmt.Fprintf(&sb, "[%s] %s\n", j.ID, j.Command)
		rows = append(rows, []telegram.Button{
			{Label: "bg %" + j.ID, CallbackData: "jobs:bg:" + j.ID},
		})
	}
	if len(jobs) == 0 {
		sb.WriteString("(none)\n")
	}
	rows = append(rows, []telegram.Button{{Label: "Ctrl-Z", CallbackData: "jobs:ctrlz"}})
	b.send(telegram.Outbound{ChatID: u.ChatID, Text: sb.String(), Buttons: rows})
}

func (b *Bot) sendJobKey(u telegram.Update, st state.UserState, key, confirmation string) {
	tab, ok := b.activeTab(u, st)
	if !ok {
		return
	}
	if err := b.deps.Driver.SendKey(tab.TabID, key); err != nil {
		b.audit(u, tab.TabID, "key "+key, "driver_fault", err.Error())
		b.reply(u, "Terminal driver error, try again.")
		return
	}
	b.audit(u, tab.TabID, "key "+key, "executed", "")
	b.reply(u, confirmation)
}

func (b *Bot) backgroundJob(u telegram.Update, st state.UserState, jobID string) {
	tab, ok := b.activeTab(u, st)
	if !ok {
		return
	}
	cmd := "bg %" + jobID
	if err := b.deps.Driver.SendText(tab.TabID, cmd); err != nil {
		b.audit(u, tab.TabID, cmd, "driver_fault", err.Error())
		b.reply(u, "Terminal driver error, try again.")
		return
	}
	b.audit(u, tab.TabID, cmd, "executed", "")
	b.reply(u, "Job %"+jobID+" resumed in the background.")
}

// sendPromptAction sends a rule button's literal action text to the
// active tab. Actions pass through the command policy like any typed
// command; a blocked pattern in the rules file stays blocked.
func (b *Bot) sendPromptAction(u telegram.Update, st state.UserState, action string) {
	tab, ok := b.activeTab(u, st)
	if !ok {
		return
	}
	if err := b.deps.Policy.Check(action); err != nil {
		var rej *policy.Rejection
		if errors.As(err, &rej) {
			b.audit(u, tab.TabID, action, "rejected", rej.Class)
			b.reply(u, "Rejected: "+rej.Error())
			return
		}
		b.reply(u, "Rejected.")
		return
	}
	if err := b.deps.Driver.SendText(tab.TabID, action); err != nil {
		b.audit(u, tab.TabID, action, "driver_fault", err.Error())
		b.reply(u, "Terminal driver error, try again.")
		return
	}
	b.deps.Registry.Touch(tab.TabID)
	b.audit(u, tab.TabID, action, "executed", "prompt_action")
	b.reply(u, "Sent.")
}
