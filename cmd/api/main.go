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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/reelcast/backend/internal/config"
	"github.com/reelcast/backend/internal/database"
	"github.com/reelcast/backend/internal/dispatch"
	"github.com/reelcast/backend/internal/jobs"
	"github.com/reelcast/backend/internal/logging"
	"github.com/reelcast/backend/internal/plans"
	"github.com/reelcast/backend/internal/templates"
	"github.com/reelcast/backend/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := database.Apply(ctx, pool); err != nil {
		slog.Error("Schema apply failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	registry, err := templates.NewRegistry(os.DirFS(cfg.TemplateDir))
	if err != nil {
		slog.Error("Template registry init failed", "dir", cfg.TemplateDir, "error", err)
		os.Exit(1)
	}

	policy := plans.NewPolicy()
	meter := usage.NewMeter(usage.NewRepository(pool), policy, logger)

	// Dispatch: insert func is set after River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn dispatch.InsertFunc
	insertDispatch := func(ctx context.Context, args dispatch.RenderDispatchArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("river insert not wired")
		}
		return fn(ctx, args)
	}

	jobsRepo := jobs.NewRepository(pool)
	dispatcher := dispatch.NewDispatcher(insertDispatch, jobsRepo, cfg.EnqueueTimeoutDuration(), logger)
	jobsSvc := jobs.NewService(jobsRepo, registry, meter, dispatcher, logger)

	workers := river.NewWorkers()
	river.AddWorker(workers, dispatch.NewRenderWorker(jobsSvc, cfg.RendererURL, cfg.WebhookURL(), logger))
	river.AddWorker(workers, dispatch.NewReconcileWorker(jobsSvc, cfg.StaleQueuedAfterDuration(), logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: logger,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.RiverMaxWorkers},
		},
		PeriodicJobs: []*river.PeriodicJob{dispatch.PeriodicReconcile(cfg.ReconcileIntervalDuration())},
		Workers:      workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, args dispatch.RenderDispatchArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	}
	insertMu.Unlock()

	handler, err := buildRouter(ctx, cfg, pool, jobsSvc, meter, registry, policy, logger)
	if err != nil {
		slog.Error("Router init failed", "error", err)
		os.Exit(1)
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
	}).Handler(handler)

	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", server.Addr, "env", cfg.AppEnv)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River shutdown", "error", err)
	}
}
