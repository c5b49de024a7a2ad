package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mixelka/mailtriage/internal/breaker"
	"github.com/mixelka/mailtriage/internal/classify"
	"github.com/mixelka/mailtriage/internal/config"
	"github.com/mixelka/mailtriage/internal/mailer"
	"github.com/mixelka/mailtriage/internal/notify"
	"github.com/mixelka/mailtriage/internal/parser"
	"github.com/mixelka/mailtriage/internal/pipeline"
	"github.com/mixelka/mailtriage/internal/pool"
	"github.com/mixelka/mailtriage/internal/queue"
	"github.com/mixelka/mailtriage/internal/ratelimit"
	"github.com/mixelka/mailtriage/internal/registry"
	"github.com/mixelka/mailtriage/internal/retry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mailtriage")

	// Connect to database
	store, err := queue.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open job store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Run migrations
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations completed")

	// Load and validate accounts
	accounts, err := registry.Load(cfg.AccountsPath)
	if err != nil {
		logger.Error("failed to load accounts", "error", err)
		os.Exit(1)
	}
	logger.Info("accounts loaded",
		"total", len(accounts.All()), "enabled", len(accounts.Enabled()))

	// Create components
	dialer := mailer.NewNetDialer(cfg.DialTimeout, logger)
	sessions := pool.New(pool.Config{
		Dialer:   dialer,
		Breakers: breaker.NewRegistry(cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout),
		Retry:    retry.Default(),
		MaxIdle:  cfg.PoolMaxIdle,
		IdleTTL:  cfg.PoolIdleTTL,
		Logger:   logger,
	})
	defer sessions.Close()

	composer, err := classify.NewTemplateComposer()
	if err != nil {
		logger.Error("failed to build reply composer", "error", err)
		os.Exit(1)
	}

	// Create escalation notifier (optional)
	var notifier notify.Notifier
	if cfg.NotifierEnabled() {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, logger)
		if err != nil {
			logger.Error("failed to create telegram notifier", "error", err)
			os.Exit(1)
		}
		notifier = tg
		logger.Info("telegram escalation notifications enabled", "chat_id", cfg.TelegramChatID)
	}

	pipe := pipeline.New(pipeline.Deps{
		Registry:   accounts,
		Queue:      store,
		Pool:       sessions,
		Limiter:    ratelimit.New(),
		Classifier: classify.NewRuleClassifier(),
		Composer:   composer,
		Notifier:   notifier,
		Parser:     parser.NewHTMLParser(),
		Logger:     logger,
		Config: pipeline.Config{
			MaxJobRetries:   cfg.MaxJobRetries,
			ProcessingGrace: cfg.ProcessingGrace,
			FetchBatchLimit: cfg.FetchBatchLimit,
			MaxConcurrent:   cfg.MaxConcurrentAccounts,
			OpTimeout:       cfg.OperationTimeout,
		},
	})

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		logger.Info("received shutdown signal", "signal", sig)
		logger.Info("shutting down...")
		cancel()
	}()

	if cfg.RunInterval <= 0 {
		// Single run, external scheduler restarts us.
		if err := runOnce(ctx, pipe, notifier, logger); err != nil {
			os.Exit(1)
		}
		logger.Info("mailtriage stopped")
		return
	}

	logger.Info("running on interval, press Ctrl+C to stop", "interval", cfg.RunInterval)
	ticker := time.NewTicker(cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := runOnce(ctx, pipe, notifier, logger); err != nil {
			os.Exit(1)
		}
		select {
		case <-ctx.Done():
			logger.Info("mailtriage stopped")
			return
		case <-ticker.C:
		}
	}
}

// runOnce executes one pipeline pass and reports the summary. A non-nil
// error means the durable store failed and the process should stop.
func runOnce(ctx context.Context, pipe *pipeline.Pipeline, notifier notify.Notifier, logger *slog.Logger) error {
	summary, err := pipe.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("run interrupted by shutdown")
			return nil
		}
		logger.Error("run aborted", "error", err)
		return err
	}

	if notifier != nil && summary.Totals.Processed > 0 {
		if err := notifier.NotifySummary(ctx, summary); err != nil {
			logger.Warn("failed to send run summary", "error", err)
		}
	}
	return nil
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			NoColor:    false,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
