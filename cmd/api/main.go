package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/duangjit/backend/internal/auth"
	"github.com/duangjit/backend/internal/config"
	"github.com/duangjit/backend/internal/dashboard"
	"github.com/duangjit/backend/internal/execution"
	"github.com/duangjit/backend/internal/handlers"
	"github.com/duangjit/backend/internal/ledger"
	"github.com/duangjit/backend/internal/metrics"
	"github.com/duangjit/backend/internal/notify"
	"github.com/duangjit/backend/internal/ocr"
	"github.com/duangjit/backend/internal/router"
	"github.com/duangjit/backend/internal/services"
	"github.com/duangjit/backend/internal/workerpool"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Unable to open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("Store ready", "backend", cfg.StoreBackend)

	locker, err := newLocker(ctx, cfg.RedisURL, logger)
	if err != nil {
		slog.Error("Unable to reach Redis", "error", err)
		os.Exit(1)
	}

	m := metrics.Default()

	// Ledger
	ledgerSvc := ledger.NewService(store.Accounts, store.Events, locker,
		ledger.WithMaxAttempts(cfg.LedgerMaxAttempts),
		ledger.WithInitialQuota(cfg.InitialQuota),
		ledger.WithLogger(logger),
		ledger.WithMetrics(m),
	)

	// Outbound collaborators
	var notifier notify.Notifier = notify.LogNotifier{Logger: logger}
	if cfg.LineAccessToken != "" {
		notifier = notify.NewLinePusher(cfg.LineAccessToken)
	}
	var replies notify.ReplyGenerator = notify.StaticReplyGenerator{Text: notify.TextReplyFallback}
	if cfg.ReplyURL != "" {
		replies = notify.NewHTTPReplyGenerator(cfg.ReplyURL)
	}

	// Reconcilers and dispatcher
	slips := &services.SlipReconciler{
		Ledger:    ledgerSvc,
		Slips:     store.Slips,
		Audit:     store.Events,
		Extractor: ocr.NewHTTPExtractor(cfg.OCRURL),
		Policy:    services.SlipPolicy(cfg.SlipPolicy),
		Locker:    locker,
		Notifier:  notifier,
		Metrics:   m,
		Logger:    logger,
	}
	referrals := &services.ReferralReconciler{
		Ledger:    ledgerSvc,
		Referrals: store.Referrals,
		Reward:    cfg.ReferralReward,
		Notifier:  notifier,
		Logger:    logger,
	}
	dispatcher := services.NewDispatcher(ledgerSvc, slips, referrals, notifier, replies, logger)
	dispatcher.InviteEvery = cfg.InviteEvery
	dispatcher.Admins = cfg.AdminSet()
	dispatcher.Metrics = m

	// Task queue: river on postgres, the in-process pool otherwise.
	// The queue is bound after the dispatcher exists (breaks init cycle).
	// Workers outlive the signal context and are drained explicitly.
	workCtx := context.WithoutCancel(ctx)
	var shutdownQueue func(ctx context.Context) error
	if store.Pool != nil {
		migrator, err := rivermigrate.New(riverpgxv5.New(store.Pool), nil)
		if err != nil {
			slog.Error("Failed to create River migrator", "error", err)
			os.Exit(1)
		}
		if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
			slog.Error("River migrate up failed", "error", err)
			os.Exit(1)
		}
		slog.Info("River migrations applied")

		workers := river.NewWorkers()
		if err := execution.Register(workers, dispatcher); err != nil {
			slog.Error("Failed to register River workers", "error", err)
			os.Exit(1)
		}
		riverClient, err := river.NewClient(riverpgxv5.New(store.Pool), &river.Config{
			Queues: map[string]river.QueueConfig{
				river.QueueDefault: {MaxWorkers: cfg.WorkerCount},
			},
			Workers: workers,
		})
		if err != nil {
			slog.Error("Failed to create River client", "error", err)
			os.Exit(1)
		}
		queue := execution.NewRiverQueue(logger)
		queue.Bind(func(ctx context.Context, args river.JobArgs) error {
			_, err := riverClient.Insert(ctx, args, nil)
			return err
		})
		dispatcher.Queue = queue

		if err := riverClient.Start(workCtx); err != nil {
			slog.Error("River client failed to start", "error", err)
			os.Exit(1)
		}
		shutdownQueue = riverClient.Stop
	} else {
		pool := workerpool.New(cfg.WorkerCount, cfg.WorkerQueueSize,
			workerpool.WithTaskTimeout(cfg.TaskTimeout),
			workerpool.WithLogger(logger),
			workerpool.WithMetrics(m),
		)
		pool.Start(workCtx)
		dispatcher.Queue = &services.PoolQueue{Pool: pool, Runner: dispatcher}
		shutdownQueue = pool.Stop
	}

	validator, err := services.NewValidator()
	if err != nil {
		slog.Error("Schema validator init failed", "error", err)
		os.Exit(1)
	}

	// Auth
	authSvc := auth.NewService(cfg.AdminUser, cfg.AdminPassHash, cfg.JWTSecret)
	if cfg.AdminPassHash == "" {
		slog.Warn("ADMIN_PASS_HASH not set, admin login disabled")
	}

	handler := router.New(router.Deps{
		Auth:        auth.NewHandler(authSvc, logger),
		Tokens:      authSvc,
		Events:      &handlers.EventsHandler{Decoder: validator, Dispatcher: dispatcher, Logger: logger},
		Dashboard:   dashboard.NewHandler(ledgerSvc, slips, store.Events, store.Accounts, logger),
		Ping:        store.Ping,
		CORSOrigins: cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	if err := shutdownQueue(shutdownCtx); err != nil {
		slog.Error("Task queue shutdown", "error", err)
	}
}
