// Package main is the entrypoint for the issuehunter API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kiranshivaraju/issuehunter/internal/api"
	"github.com/kiranshivaraju/issuehunter/internal/api/handler"
	mw "github.com/kiranshivaraju/issuehunter/internal/api/middleware"
	"github.com/kiranshivaraju/issuehunter/internal/api/response"
	"github.com/kiranshivaraju/issuehunter/internal/awsauth"
	"github.com/kiranshivaraju/issuehunter/internal/cache"
	"github.com/kiranshivaraju/issuehunter/internal/config"
	"github.com/kiranshivaraju/issuehunter/internal/events"
	"github.com/kiranshivaraju/issuehunter/internal/ingest"
	"github.com/kiranshivaraju/issuehunter/internal/ratelimit"
	"github.com/kiranshivaraju/issuehunter/internal/sourcemap"
	"github.com/kiranshivaraju/issuehunter/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "rate_limit_scope", cfg.RateLimit.Scope)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Server.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Event publisher
	publisher, broker, err := newPublisher(cfg.NATS)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer publisher.Close()

	// 6. Tenant credentials and sourcemap artifacts
	provider, err := awsauth.NewSTSProvider(ctx, cfg.AWS.Region, awsauth.Options{
		RolePrefix: cfg.AWS.RolePrefix,
		Duration:   cfg.AWS.SessionDuration,
	})
	if err != nil {
		return fmt.Errorf("create credential provider: %w", err)
	}
	opener := &sourcemap.Opener{
		Buckets: sourcemap.NewBucketResolver(redisCache, cfg.Ingest.SourcemapBucket, slog.Default()),
		Blobs:   redisCache,
		BlobTTL: cfg.Ingest.SourcemapBlobTTL,
		Logger:  slog.Default(),
	}

	// 7. Create store, limiter and processor
	pgStore := store.NewPostgresStore(pool, store.WithPersistAttempts(cfg.Ingest.PersistAttempts))
	limiter := ratelimit.New(pgStore, cfg.RateLimit, slog.Default())
	processor := ingest.NewProcessor(pgStore, limiter, provider, opener, publisher, ingest.Options{
		IgnoreLogGroupPrefix: cfg.Ingest.IgnoreLogGroupPrefix,
		LineConcurrency:      cfg.Ingest.LineConcurrency,
		FetchTimeout:         cfg.Ingest.SourcemapFetchTimeout,
	})

	// Prune replay markers in the background; stopped before the pool closes
	retentionCtx, stopRetention := context.WithCancel(ctx)
	retentionDone := make(chan struct{})
	go func() {
		defer close(retentionDone)
		ingest.RunRetention(retentionCtx, pgStore, ingest.RetentionOptions{
			Retention: cfg.Ingest.ReplayRetention,
			Interval:  cfg.Ingest.PruneInterval,
			Logger:    slog.Default(),
		})
	}()
	defer func() {
		stopRetention()
		<-retentionDone
	}()

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore, slog.Default()),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RequestsPerMinute, slog.Default()),

		HealthHandler:  healthHandler(pgStore, redisCache, broker),
		MetricsHandler: promhttp.Handler(),

		IngestCloudWatch: handler.NewCloudWatchHandler(processor, slog.Default()),

		ListIssues:      handler.NewListIssuesHandler(pgStore),
		GetIssue:        handler.NewGetIssueHandler(pgStore),
		IssueCounts:     handler.NewIssueCountsHandler(pgStore, nil),
		ResolveIssues:   handler.NewIssueActionHandler(pgStore, store.ActionResolve),
		UnresolveIssues: handler.NewIssueActionHandler(pgStore, store.ActionUnresolve),
		IgnoreIssues:    handler.NewIssueActionHandler(pgStore, store.ActionIgnore),
		UnignoreIssues:  handler.NewIssueActionHandler(pgStore, store.ActionUnignore),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// pinger is a dependency the health check pings.
type pinger interface {
	Ping(ctx context.Context) error
}

// newPublisher connects to NATS when configured. Without a URL events are
// logged and dropped, and the returned broker is nil.
func newPublisher(cfg config.NATSConfig) (events.Publisher, pinger, error) {
	if cfg.URL == "" {
		slog.Info("nats not configured, events disabled")
		return events.NopPublisher{Logger: slog.Default()}, nil, nil
	}
	p, err := events.Connect(cfg, slog.Default())
	if err != nil {
		return nil, nil, err
	}
	slog.Info("nats connected", "url", cfg.URL)
	return p, p, nil
}

// healthHandler checks database, cache and broker connectivity. A nil broker
// is reported as disabled.
func healthHandler(s pinger, c pinger, broker pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"broker":   "disabled",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if broker != nil {
			checks["broker"] = "ok"
			if err := broker.Ping(r.Context()); err != nil {
				checks["broker"] = "degraded"
			}
		}

		for _, status := range checks {
			if status == "degraded" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
