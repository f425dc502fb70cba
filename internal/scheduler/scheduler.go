// Package scheduler pushes terminal output to users. Each user has at
// most one timer, ticking their active tab. Normal mode pushes the
// full capture whenever it changes; claude mode stays silent until a
// prompt rule fires and then pushes only the new tail.
package scheduler

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"sync"
	"time"

	"github.com/steveyegge/tgterm/internal/rules"
	"github.com/steveyegge/tgterm/internal/state"
)

// Deps are the scheduler's collaborators, narrowed to functions so
// tests can fake them.
type Deps struct {
	// Capture returns the tab's current normalized pane text.
	Capture func(tabID string, lines int) (string, error)
	// Evaluate runs the prompt rules over new output.
	Evaluate func(text, userID string) *rules.Signal
	// Emit delivers scheduled output to the user.
	Emit func(userID, tabID, text string, buttons []rules.Button)
	// TryLock claims the user's dispatch lane without blocking. A
	// busy lane means a command is in flight; the tick is skipped
	// rather than queued so slow commands never cause a backlog.
	TryLock func(userID string) (release func(), ok bool)
}

// Config bounds capture and fallback sizes.
type Config struct {
	CaptureLines        int
	ScrollFallbackLines int
}

type snapshot struct {
	emitted string
	hash    [32]byte
	valid   bool
}

type userTimer struct {
	cancel context.CancelFunc
	tabID  string
}

// Scheduler owns the per-user timers and last-emitted snapshots.
type Scheduler struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*userTimer // by user ID
	snaps  map[string]*snapshot  // by tab ID
	wg     sync.WaitGroup
}

// New creates a stopped scheduler.
func New(deps Deps, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScrollFallbackLines <= 0 {
		cfg.ScrollFallbackLines = DefaultScrollFallbackLines
	}
	return &Scheduler{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		timers: make(map[string]*userTimer),
		snaps:  make(map[string]*snapshot),
	}
}

// SetSchedule points the user's timer at a tab. Any previous timer is
// stopped first, so an interval change resets the phase and a tab
// switch moves the timer. A zero interval or empty tab stops pushes.
func (s *Scheduler) SetSchedule(userID, tabID, mode string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[userID]; ok {
		t.cancel()
		delete(s.timers, userID)
	}
	if tabID == "" || interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.timers[userID] = &userTimer{cancel: cancel, tabID: tabID}
	s.wg.Add(1)
	go s.run(ctx, userID, tabID, mode, interval)
}

// Stop cancels the user's timer.
func (s *Scheduler) Stop(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[userID]; ok {
		t.cancel()
		delete(s.timers, userID)
	}
}

// Forget drops the remembered snapshot for a tab. Used when a tab is
// closed or recreated.
func (s *Scheduler) Forget(tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, tabID)
}

// Shutdown stops every timer and waits for running ticks to finish.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	for id, t := range s.timers {
		t.cancel()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, userID, tabID, mode string, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			release, ok := s.deps.TryLock(userID)
			if !ok {
				continue // command in flight, skip this tick
			}
			s.tick(userID, tabID, mode)
			release()
		}
	}
}

// tick captures once and decides whether anything should be pushed.
func (s *Scheduler) tick(userID, tabID, mode string) {
	text, err := s.deps.Capture(tabID, s.cfg.CaptureLines)
	if err != nil {
		s.logger.Debug("scheduled capture failed", "tab", tabID, "error", err)
		return
	}
	hash := sha256.Sum256([]byte(text))

	s.mu.Lock()
	snap, ok := s.snaps[tabID]
	if !ok {
		snap = &snapshot{}
		s.snaps[tabID] = snap
	}
	unchanged := snap.valid && snap.hash == hash
	prev := snap.emitted
	s.mu.Unlock()

	if unchanged {
		return
	}

	switch mode {
	case state.ModeClaude:
		tail, _ := IncrementalTail(prev, text, s.cfg.ScrollFallbackLines)
		sig := s.deps.Evaluate(tail, userID)
		if sig == nil || tail == "" {
			return
		}
		out := tail
		if !sig.Incremental {
			out = text
		}
		s.commit(tabID, text, hash)
		s.deps.Emit(userID, tabID, out, sig.Buttons)
	default:
		s.commit(tabID, text, hash)
		s.deps.Emit(userID, tabID, text, nil)
	}
}

// PromptCheck runs one claude-mode evaluation immediately, so a prompt
// that appears right after a command is pushed without waiting for the
// next tick. The caller already holds the user's lane, so the lane
// try-lock is skipped.
func (s *Scheduler) PromptCheck(userID, tabID string) {
	s.tick(userID, tabID, state.ModeClaude)
}

// RefreshNow captures immediately and returns what should be shown:
// the full capture in normal mode, the unsent tail in claude mode.
// The snapshot advances before the caller emits anything.
func (s *Scheduler) RefreshNow(userID, tabID, mode string) (string, error) {
	text, err := s.deps.Capture(tabID, s.cfg.CaptureLines)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256([]byte(text))

	s.mu.Lock()
	prev := ""
	if snap, ok := s.snaps[tabID]; ok {
		prev = snap.emitted
	}
	s.mu.Unlock()

	s.commit(tabID, text, hash)

	if mode == state.ModeClaude {
		tail, _ := IncrementalTail(prev, text, s.cfg.ScrollFallbackLines)
		return tail, nil
	}
	return text, nil
}

func (s *Scheduler) commit(tabID, text string, hash [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[tabID] = &snapshot{emitted: text, hash: hash, valid: true}
}
