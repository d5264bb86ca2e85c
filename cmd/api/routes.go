package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/reelcast/backend/internal/auth"
	"github.com/reelcast/backend/internal/config"
	"github.com/reelcast/backend/internal/credentials"
	"github.com/reelcast/backend/internal/jobs"
	"github.com/reelcast/backend/internal/middleware"
	"github.com/reelcast/backend/internal/models"
	"github.com/reelcast/backend/internal/plans"
	"github.com/reelcast/backend/internal/ratelimit"
	"github.com/reelcast/backend/internal/router"
	"github.com/reelcast/backend/internal/templates"
	"github.com/reelcast/backend/internal/usage"
	"github.com/reelcast/backend/internal/webhook"
)

// buildRouter wires identity, metering and limiting around the HTTP handlers.
// Chain for /v1: RateLimit -> Authenticate -> RequireMode(apiKey) -> MeterAPICalls -> handler.
func buildRouter(
	ctx context.Context,
	cfg *config.Config,
	pool *pgxpool.Pool,
	jobsSvc jobs.Service,
	meter *usage.Meter,
	registry *templates.Registry,
	policy *plans.Policy,
	logger *slog.Logger,
) (http.Handler, error) {
	limitStore, err := newLimitStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(limitStore, cfg.RateLimitMax, cfg.RateLimitWindowDuration(), logger)

	accounts := auth.NewRepository(pool)
	authSvc := auth.NewService(accounts, cfg.JWTSecret)
	credStore := credentials.NewStore(credentials.NewRepository(pool), logger)
	resolver := auth.NewResolver(credStore, accounts, authSvc, policy, logger)
	authenticate := middleware.Authenticate(resolver, logger)

	return router.New(router.Deps{
		Auth:        auth.NewHandler(authSvc, cfg.Production(), logger),
		Account:     auth.MeHandler(accounts, logger),
		Credentials: credentials.NewHandler(credStore, logger),
		Jobs:        jobs.NewHandler(jobsSvc, logger),
		Usage:       usage.NewHandler(meter, logger),
		Templates:   templates.ListHandler(registry),
		Webhook:     webhook.NewHandler(webhook.NewVerifier(cfg.RenderWebhookSecret, logger), jobsSvc, logger),
		DB:          pool,
		RateLimit:   ratelimit.Middleware(limiter, cfg.TrustProxyHeaders, logger),
		APIKey: []router.Middleware{
			authenticate,
			middleware.RequireMode(models.AuthModeAPIKey, logger),
			usage.MeterAPICalls(meter, middleware.PrincipalFromCtx, logger),
		},
		Session: []router.Middleware{
			authenticate,
			middleware.RequireMode(models.AuthModeSession, logger),
		},
	}), nil
}

// newLimitStore shares windows through Redis when REDIS_URL is set; otherwise
// windows live in process memory and a sweeper evicts idle clients.
func newLimitStore(ctx context.Context, cfg *config.Config) (ratelimit.Store, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis unreachable, rate limiter will fail open until it recovers", "error", err)
		}
		go func() {
			<-ctx.Done()
			_ = client.Close()
		}()
		slog.Info("Rate limiter using Redis")
		return ratelimit.NewRedisStore(client, ""), nil
	}
	mem := ratelimit.NewMemoryStore()
	go mem.RunSweeper(ctx, cfg.SweepIntervalDuration())
	return mem, nil
}
