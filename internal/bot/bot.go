// Package bot is the dispatcher: it routes inbound chat updates
// through auth, policy, and the terminal driver, serializing all work
// for one user while letting users run in parallel.
package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/steveyegge/tgterm/internal/audit"
	"github.com/steveyegge/tgterm/internal/auth"
	"github.com/steveyegge/tgterm/internal/editor"
	"github.com/steveyegge/tgterm/internal/policy"
	"github.com/steveyegge/tgterm/internal/registry"
	"github.com/steveyegge/tgterm/internal/rules"
	"github.com/steveyegge/tgterm/internal/scheduler"
	"github.com/steveyegge/tgterm/internal/state"
	"github.com/steveyegge/tgterm/internal/telegram"
	"github.com/steveyegge/tgterm/internal/tmux"
)

// Driver is the slice of the terminal driver the dispatcher uses.
type Driver interface {
	CreateSession(tabID string) error
	KillSession(tabID string) error
	HasSession(tabID string) (bool, error)
	SendText(tabID, text string) error
	SendKey(tabID, key string) error
	Capture(tabID string, lines int) (string, error)
	Cwd(tabID string) (string, error)
	ListJobs(tabID string) ([]tmux.Job, error)
}

// Deps are the dispatcher's collaborators.
type Deps struct {
	Transport telegram.Transport
	Driver    Driver
	Registry  *registry.Registry
	States    *state.Store
	Auth      *auth.Manager
	Policy    *policy.Policy
	Editor    *editor.Manager
	Audit     *audit.Logger
	Logger    *slog.Logger
}

// lane serializes all events for one user. Its mutex is shared with
// the scheduler, whose ticks try-lock it and skip when busy.
type lane struct {
	mu sync.Mutex
	ch chan telegram.Update
}

// Bot is the dispatcher.
type Bot struct {
	deps  Deps
	sched *scheduler.Scheduler

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

// New creates a dispatcher. AttachScheduler must be called before Run.
func New(deps Deps) *Bot {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Bot{
		deps:  deps,
		lanes: make(map[string]*lane),
	}
}

// AttachScheduler wires the output scheduler. Separate from New
// because the scheduler's deps point back at the dispatcher.
func (b *Bot) AttachScheduler(s *scheduler.Scheduler) {
	b.sched = s
}

// TryLockUser claims a user's lane without blocking, for scheduler
// ticks. The release function must be called when done.
func (b *Bot) TryLockUser(userID string) (func(), bool) {
	l := b.lane(userID)
	if !l.mu.TryLock() {
		return nil, false
	}
	return l.mu.Unlock, true
}

// EmitScheduled delivers scheduler output to a user's chat.
func (b *Bot) EmitScheduled(userID, tabID, text string, buttons []rules.Button) {
	st := b.deps.States.Get(userID)
	if st.ChatID == 0 || text == "" {
		return
	}
	out := telegram.Outbound{ChatID: st.ChatID, Text: text}
	if len(buttons) > 0 {
		row := make([]telegram.Button, 0, len(buttons))
		for _, btn := range buttons {
			row = append(row, telegram.Button{Label: btn.Label, CallbackData: "prompt:" + btn.Action})
		}
		out.Buttons = [][]telegram.Button{row}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.deps.Transport.Send(ctx, out); err != nil {
		b.deps.Logger.Warn("scheduled send failed", "user", userID, "error", err)
	}
}

// ResumeSchedules restarts timers for every known user after startup,
// using their persisted interval, mode, and active tab.
func (b *Bot) ResumeSchedules() {
	for _, userID := range b.deps.States.Users() {
		st := b.deps.States.Get(userID)
		if !st.Authorized || st.ActiveTabID == "" {
			continue
		}
		b.reschedule(userID, st)
	}
}

// Run consumes updates until the transport channel closes, then drains
// every lane with a bounded grace window.
func (b *Bot) Run(ctx context.Context) error {
	updates, err := b.deps.Transport.Updates(ctx)
	if err != nil {
		return err
	}

	for u := range updates {
		if u.UserID == "" {
			continue
		}
		l := b.lane(u.UserID)
		select {
		case l.ch <- u:
		default:
			// A full mailbox means the user is flooding; drop and tell
			// them rather than queueing unbounded work.
			b.deps.Logger.Warn("mailbox full, dropping update", "user", u.UserID)
		}
	}

	b.drain()
	return nil
}

// lane returns the user's mailbox, starting its worker on first use.
func (b *Bot) lane(userID string) *lane {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.lanes[userID]
	if !ok {
		l = &lane{ch: make(chan telegram.Update, 16)}
		b.lanes[userID] = l
		b.wg.Add(1)
		go b.worker(userID, l)
	}
	return l
}

func (b *Bot) worker(userID string, l *lane) {
	defer b.wg.Done()
	for u := range l.ch {
		l.mu.Lock()
		b.handleSafe(u)
		l.mu.Unlock()
	}
}

// handleSafe isolates panics so one bad event cannot kill the lane.
func (b *Bot) handleSafe(u telegram.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.deps.Logger.Error("handler panicked", "user", u.UserID, "panic", r)
			b.reply(u, "Internal error. The command was not executed.")
		}
	}()
	b.handle(u)
}

// drain closes all mailboxes and waits for in-flight work.
func (b *Bot) drain() {
	b.mu.Lock()
	for _, l := range b.lanes {
		close(l.ch)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		b.deps.Logger.Warn("drain grace window expired")
	}
	if b.sched != nil {
		b.sched.Shutdown()
	}
}

// reply sends a plain text response to the update's chat.
func (b *Bot) reply(u telegram.Update, text string) {
	b.send(telegram.Outbound{ChatID: u.ChatID, Text: text})
}

func (b *Bot) send(out telegram.Outbound) {
	if out.ChatID == 0 || out.Text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.deps.Transport.Send(ctx, out); err != nil {
		b.deps.Logger.Warn("send failed", "chat", out.ChatID, "error", err)
	}
}
