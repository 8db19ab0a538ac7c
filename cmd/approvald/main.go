// Command approvald runs the approval routing service: matrix authoring,
// resolution, routing and the SLA escalation sweeper behind one HTTP server.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/dpxrk/pactwise-approvals/pkg/api"
	"github.com/dpxrk/pactwise-approvals/pkg/approver"
	"github.com/dpxrk/pactwise-approvals/pkg/audit"
	"github.com/dpxrk/pactwise-approvals/pkg/config"
	"github.com/dpxrk/pactwise-approvals/pkg/delegation"
	"github.com/dpxrk/pactwise-approvals/pkg/directory"
	"github.com/dpxrk/pactwise-approvals/pkg/matrix"
	"github.com/dpxrk/pactwise-approvals/pkg/notify"
	"github.com/dpxrk/pactwise-approvals/pkg/observability"
	"github.com/dpxrk/pactwise-approvals/pkg/ratelimit"
	"github.com/dpxrk/pactwise-approvals/pkg/routing"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "pactwise-approvals",
		ServiceVersion: "1.0.0",
		Environment:    envName(),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("observability init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	stores, cleanup, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	dir := directory.NewMemoryDirectory()
	approvers := approver.NewResolver(dir, stores.delegations)
	notifier := notify.NewSlogNotifier(nil)
	auditor := audit.NewLogger()
	engine := routing.NewEngine(stores.routings, stores.matrices, approvers, notifier, auditor)

	if cfg.SeedProfile != "" {
		profile, err := config.LoadSeedProfile(cfg.SeedProfile)
		if err != nil {
			return fmt.Errorf("seed profile: %w", err)
		}
		if err := profile.Apply(ctx, stores.matrices, time.Now); err != nil {
			return fmt.Errorf("seed profile: %w", err)
		}
		slog.Info("seed profile applied", "tenant", profile.Tenant, "matrices", len(profile.Matrices))
	}

	mux := http.NewServeMux()
	handlers := api.NewHandlers(stores.matrices, stores.delegations, stores.routings, engine, auditor).
		WithMetrics(obs)
	handlers.Routes(mux)

	var limiter ratelimit.Store
	if cfg.RedisAddr != "" {
		limiter = ratelimit.NewRedisStore(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
	} else {
		mem := ratelimit.NewMemoryStore(time.Minute)
		defer mem.Close()
		limiter = mem
	}
	policy := ratelimit.Policy{RPM: cfg.RateLimitRPM, Burst: cfg.RateLimitBurst}

	idempotency := api.NewIdempotencyStore(24 * time.Hour)

	var handler http.Handler = mux
	handler = api.IdempotencyMiddleware(idempotency)(handler)
	handler = api.RateLimitMiddleware(limiter, policy)(handler)
	handler = api.PrincipalMiddleware(handler)
	handler = obs.Middleware(handler)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go runSweeper(ctx, engine, obs, cfg.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", server.Addr, "backend", cfg.StorageBackend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// storeSet groups the three persistence interfaces behind one backend choice.
type storeSet struct {
	matrices    matrix.Store
	delegations delegation.Store
	routings    routing.Store
}

func openStores(ctx context.Context, cfg *config.Config) (*storeSet, func(), error) {
	noop := func() {}
	switch cfg.StorageBackend {
	case "memory":
		return &storeSet{
			matrices:    matrix.NewMemoryStore(),
			delegations: delegation.NewMemoryStore(),
			routings:    routing.NewMemoryStore(),
		}, noop, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		matrices := matrix.NewPostgresStore(db)
		delegations := delegation.NewPostgresStore(db)
		routings := routing.NewPostgresStore(db)
		for _, m := range []func(context.Context) error{matrices.Migrate, delegations.Migrate, routings.Migrate} {
			if err := m(ctx); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		return &storeSet{matrices: matrices, delegations: delegations, routings: routings},
			func() { db.Close() }, nil

	case "sqlite":
		// Single-node mode: routing history is durable on disk, authoring
		// state lives in memory and is re-seeded at startup.
		routings, err := routing.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return &storeSet{
				matrices:    matrix.NewMemoryStore(),
				delegations: delegation.NewMemoryStore(),
				routings:    routings,
			},
			func() { routings.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// runSweeper periodically scans for overdue pending records and emits
// escalation notifications.
func runSweeper(ctx context.Context, engine *routing.Engine, obs *observability.Provider, interval time.Duration) {
	logger := slog.Default().With("component", "sweeper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			escalated, err := engine.CheckEscalation(ctx, time.Now())
			if err != nil {
				logger.Error("escalation sweep failed", "error", err)
				continue
			}
			obs.RecordEscalation(ctx, len(escalated))
			if len(escalated) > 0 {
				logger.Info("escalation sweep", "escalated", len(escalated))
			}
		}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

func envName() string {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		return v
	}
	return "development"
}
