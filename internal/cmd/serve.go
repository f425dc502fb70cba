package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/steveyegge/tgterm/internal/audit"
	"github.com/steveyegge/tgterm/internal/auth"
	"github.com/steveyegge/tgterm/internal/bot"
	"github.com/steveyegge/tgterm/internal/config"
	"github.com/steveyegge/tgterm/internal/editor"
	"github.com/steveyegge/tgterm/internal/policy"
	"github.com/steveyegge/tgterm/internal/registry"
	"github.com/steveyegge/tgterm/internal/rules"
	"github.com/steveyegge/tgterm/internal/scheduler"
	"github.com/steveyegge/tgterm/internal/state"
	"github.com/steveyegge/tgterm/internal/telegram"
	"github.com/steveyegge/tgterm/internal/tmux"
)

var (
	serveConfigPath    string
	serveLogLevel      string
	serveCreateMissing bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot until interrupted",
	Long: `Start the bot and serve chat traffic until SIGINT or SIGTERM.

On startup the persisted tab registry is reconciled against the live
tmux server: missing sessions are recreated (or the tab is marked
broken with --create-missing=false), and stray sessions in the bot's
namespace are logged but left running.

Exit codes:
  0  clean shutdown
  2  configuration error
  3  tmux is not available
  1  anything else`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveConfigPath, "config", "tgterm.toml", "Path to the TOML config file")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	serveCmd.Flags().BoolVar(&serveCreateMissing, "create-missing", true, "Recreate tmux sessions for known tabs at startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger(serveLogLevel)
	slog.SetDefault(logger)

	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	driver := tmux.NewDriver(tmux.Config{
		Width:      cfg.Tmux.Width,
		Height:     cfg.Tmux.Height,
		Scrollback: cfg.Tmux.Scrollback,
	})
	if !driver.IsAvailable() {
		return &exitError{code: exitTmux, err: errors.New("tmux is not installed or not runnable")}
	}

	// One instance per state file. A second serve against the same
	// config would race the JSON stores and double-answer the bot.
	fileLock := flock.New(cfg.Paths.StatePath + ".lock")
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring instance lock: %w", err)
	}
	if !locked {
		return errors.New("another tgterm instance is already serving this config")
	}
	defer func() { _ = fileLock.Unlock() }()

	reg, err := registry.Open(cfg.Paths.TagRegistryPath)
	if err != nil {
		return fmt.Errorf("open tab registry: %w", err)
	}
	states, err := state.Open(cfg.Paths.StatePath)
	if err != nil {
		return fmt.Errorf("open user state: %w", err)
	}
	engine, err := rules.Load(cfg.Paths.PromptRulesPath, logger)
	if err != nil {
		return &exitError{code: exitConfig, err: fmt.Errorf("load prompt rules: %w", err)}
	}
	pol, err := policy.New(policy.Config{
		MaxLength:        cfg.Policy.MaxLength,
		BlockedPatterns:  cfg.Policy.BlockedPatterns,
		AllowedPatterns:  cfg.Policy.AllowedPatterns,
		RequireAllowlist: cfg.Policy.RequireAllowlist,
	})
	if err != nil {
		return &exitError{code: exitConfig, err: fmt.Errorf("command policy: %w", err)}
	}
	authMgr := auth.New(cfg.Credentials(), cfg.AuthConfig(), config.NewStore(serveConfigPath, cfg))
	auditLog := audit.New(audit.Config{
		Path:        cfg.AuditLog.Path,
		MaxBytes:    cfg.AuditLog.MaxBytes,
		BackupCount: cfg.AuditLog.BackupCount,
	}, logger)

	report, err := reg.Reconcile(driver, serveCreateMissing)
	if err != nil {
		return fmt.Errorf("reconcile tabs: %w", err)
	}
	logger.Info("tab registry reconciled",
		"recreated", len(report.Recreated),
		"broken", len(report.Broken),
		"orphans", len(report.Orphans))
	for _, name := range report.Orphans {
		logger.Warn("orphan session left running", "session", name)
	}

	// Active-tab pointers can outlive their tabs if the registry file
	// was edited or replaced while the bot was down.
	for _, userID := range states.Users() {
		st := states.Get(userID)
		if st.ActiveTabID == "" {
			continue
		}
		if _, ok := reg.Get(st.ActiveTabID); !ok {
			if err := states.ClearActiveTab(userID, st.ActiveTabID); err != nil {
				logger.Warn("clear stale active tab failed", "user", userID, "error", err)
			}
		}
	}

	client := telegram.NewClient(cfg.Telegram.BotToken)
	var transport telegram.Transport
	if cfg.Telegram.UseWebhook {
		addr := net.JoinHostPort(cfg.Telegram.ListenHost, strconv.Itoa(cfg.Telegram.ListenPort))
		transport = telegram.NewWebhook(client, cfg.Telegram.WebhookURL, addr, logger)
	} else {
		transport = telegram.NewPoller(client, logger)
	}

	b := bot.New(bot.Deps{
		Transport: transport,
		Driver:    driver,
		Registry:  reg,
		States:    states,
		Auth:      authMgr,
		Policy:    pol,
		Editor:    editor.NewManager(),
		Audit:     auditLog,
		Logger:    logger,
	})
	sched := scheduler.New(scheduler.Deps{
		Capture:  driver.Capture,
		Evaluate: engine.Evaluate,
		Emit:     b.EmitScheduled,
		TryLock:  b.TryLockUser,
	}, scheduler.Config{CaptureLines: cfg.Tmux.Scrollback}, logger)
	b.AttachScheduler(sched)
	b.ResumeSchedules()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := engine.Watch(ctx); err != nil {
			logger.Warn("prompt rules watcher stopped", "error", err)
		}
	}()

	mode := "long-poll"
	if cfg.Telegram.UseWebhook {
		mode = "webhook"
	}
	logger.Info("tgterm serving", "transport", mode, "version", Version)

	return b.Run(ctx)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
