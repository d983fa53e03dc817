// Package control wires a store backend, the transaction executor and the
// health server from configuration.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vietddude/txreplay/internal/core/config"
	"github.com/vietddude/txreplay/internal/core/txn"
	"github.com/vietddude/txreplay/internal/core/worker"
	"github.com/vietddude/txreplay/internal/health"
	"github.com/vietddude/txreplay/internal/metrics"
	redisclient "github.com/vietddude/txreplay/internal/infra/redis"
	"github.com/vietddude/txreplay/internal/infra/storage"
	"github.com/vietddude/txreplay/internal/infra/storage/memory"
	"github.com/vietddude/txreplay/internal/infra/storage/postgres"
	"github.com/vietddude/txreplay/internal/scenario"
)

// Backend is a store client that can also be listed and pinged.
type Backend interface {
	storage.Client
	storage.Inspector
	storage.Pinger
}

// App is the assembled application.
type App struct {
	cfg          *config.AppConfig
	backend      Backend
	exec         *txn.Executor
	healthServer *health.Server
	pruner       *worker.Pruner
	cancel       context.CancelFunc
	db           *postgres.DB
	redisClient  *redisclient.Client
	log          *slog.Logger
}

// NewApp opens the configured backend and builds the executor.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	app := &App{cfg: cfg, log: slog.Default().With("component", "control")}

	// 1. Initialize Storage
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		app.db = db
		app.backend = postgres.NewStore(db, cfg.Database.ScopeHints)
		app.log.Info("Using PostgreSQL storage")

	case config.BackendRedis:
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		app.redisClient = rc
		app.backend = rc
		app.log.Info("Using Redis storage", "prefix", cfg.Redis.Prefix)

	default:
		var opts []memory.Option
		if cfg.Store.ScopeHints {
			opts = append(opts, memory.WithScopeHints())
		}
		if cfg.Store.NotifyInvalidation {
			opts = append(opts, memory.WithInvalidationPush())
		}
		app.backend = memory.NewStore(opts...)
		app.log.Info("Using in-memory storage")
	}

	// 2. Initialize Executor
	detector, ok := txn.DetectorByName(cfg.Retry.Detector)
	if !ok {
		app.Close()
		return nil, fmt.Errorf("unknown retry detector %q", cfg.Retry.Detector)
	}
	app.exec = txn.NewExecutor(app.backend,
		txn.WithPolicy(cfg.Retry.Policy),
		txn.WithDetector(detector),
		txn.WithLogger(slog.Default().With("component", "txn")),
		txn.WithObserver(txn.LogObserver{Log: slog.Default().With("component", "txn")}),
		txn.WithObserver(metrics.NewObserver(cfg.Store.Backend)),
	)

	// 3. Initialize Pruner
	if janitor, ok := app.backend.(worker.TxJanitor); ok {
		if p := worker.NewPruner(cfg.Pruner, janitor); p.Enabled() {
			app.pruner = p
		}
	}

	// 4. Initialize Health Server
	if cfg.Server.Port > 0 {
		app.healthServer = health.NewServer(cfg.Store.Backend, app.backend, cfg.Server.Port)
	}
	return app, nil
}

// Executor returns the configured executor.
func (a *App) Executor() *txn.Executor { return a.exec }

// Backend returns the store backend.
func (a *App) Backend() Backend { return a.backend }

// Scenario builds the conflict scenario. naive swaps in a classifier that
// never detects invalidation.
func (a *App) Scenario(namespace string, naive bool) *scenario.Conflict {
	exec := a.exec
	if naive {
		exec = exec.With(txn.WithDetector(txn.NoDetection))
	}
	return &scenario.Conflict{
		Exec:      exec,
		Log:       slog.Default().With("component", "scenario"),
		Namespace: namespace,
		Snapshot:  a.backend.Snapshot,
	}
}

// Start starts the pruner and the health server, if configured.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if a.pruner != nil {
		go a.pruner.Start(ctx)
		a.log.Info("Pruner started", "tx_ttl", a.cfg.Pruner.TxTTL, "retention", a.cfg.Pruner.Retention)
	}

	if a.healthServer == nil {
		return nil
	}
	go func() {
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Health server failed", "error", err)
		}
	}()
	a.log.Info("Health server started", "port", a.cfg.Server.Port)
	return nil
}

// Stop stops the health server and closes the backend.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping...")
	if a.cancel != nil {
		a.cancel()
	}
	var err error
	if a.healthServer != nil {
		err = a.healthServer.Stop(ctx)
	}
	a.Close()
	return err
}

// Close releases backend connections.
func (a *App) Close() {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
		a.redisClient = nil
	}
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

// Migrate applies the postgres schema without building the rest of the app.
func Migrate(ctx context.Context, cfg postgres.Config) error {
	cfg.Migrate = false
	db, err := postgres.NewDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to init db: %w", err)
	}
	defer db.Close()
	return db.Migrate(ctx)
}
