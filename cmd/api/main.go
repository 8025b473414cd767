package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/taskhive/backend/internal/auth"
	"github.com/taskhive/backend/internal/config"
	"github.com/taskhive/backend/internal/handlers"
	"github.com/taskhive/backend/internal/ledger"
	"github.com/taskhive/backend/internal/middleware"
	"github.com/taskhive/backend/internal/postgres"
	"github.com/taskhive/backend/internal/repository"
	"github.com/taskhive/backend/internal/webhooks"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	ctx := context.Background()

	if err := postgres.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
		slog.Error("schema migrations failed", "error", err)
		os.Exit(1)
	}
	slog.Info("schema migrations applied")

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("unable to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("connected to PostgreSQL")

	// River migrations (job queue tables)
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Repositories
	accountRepo := repository.NewAccountRepo(pool)
	agentRepo := repository.NewAgentRepo(pool)
	apiKeyRepo := repository.NewAPIKeyRepo(pool)
	taskRepo := repository.NewTaskRepo(pool)
	claimRepo := repository.NewClaimRepo(pool)
	deliverableRepo := repository.NewDeliverableRepo(pool)
	creditRepo := repository.NewCreditRepo(pool)
	idemRepo := repository.NewIdempotencyRepo(pool)
	webhookRepo := repository.NewWebhookRepo(pool)

	ledgerSvc := ledger.NewService(accountRepo, creditRepo)

	// Webhook dispatch: insert func is set after the River client is
	// created (breaks the init cycle).
	var insertMu sync.Mutex
	var insertFn webhooks.InsertTxFunc
	insertWebhookSend := func(ctx context.Context, tx pgx.Tx, args webhooks.SendArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}
	dispatcher := webhooks.NewDispatcher(webhookRepo, insertWebhookSend, logger)

	workers := river.NewWorkers()
	river.AddWorker(workers, webhooks.NewSendWorker(logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args webhooks.SendArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	// Auth (poster accounts)
	authSvc := auth.NewService(accountRepo, ledgerSvc, pool, cfg.JWTSecret)
	authHandler := &auth.Handler{Service: authSvc, Logger: logger}

	// API key pipeline
	limiter := middleware.NewLimiter(cfg.RateLimitRPM, cfg.RateLimitWindow)
	stopSweeper := limiter.StartSweeper(cfg.RateLimitWindow)
	defer stopSweeper()

	identityCache, err := middleware.NewIdentityCache()
	if err != nil {
		slog.Error("failed to create identity cache", "error", err)
		os.Exit(1)
	}
	defer identityCache.Close()

	// Handlers
	taskHandler := handlers.NewTaskHandler(pool, taskRepo, claimRepo, deliverableRepo, agentRepo, ledgerSvc, dispatcher, logger)
	agentHandler := handlers.NewAgentHandler(agentRepo, apiKeyRepo, claimRepo, taskRepo, creditRepo, accountRepo, authSvc, logger)
	webhookHandler := handlers.NewWebhookHandler(webhookRepo, logger)

	mux := http.NewServeMux()
	registerRoutes(mux, routeDeps{
		authHandler:    authHandler,
		taskHandler:    taskHandler,
		agentHandler:   agentHandler,
		webhookHandler: webhookHandler,
		apiKeyRepo:     apiKeyRepo,
		idemRepo:       idemRepo,
		limiter:        limiter,
		identityCache:  identityCache,
		idempotencyTTL: cfg.IdempotencyTTL,
		logger:         logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (delivers webhooks)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      corsHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		slog.Info("starting HTTP server", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("river shutdown", "error", err)
	}
}
