package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"nftgate/internal/budget"
	"nftgate/internal/cache"
	"nftgate/internal/config"
	"nftgate/internal/events"
	"nftgate/internal/orchestrator"
	"nftgate/internal/provider"
	"nftgate/internal/quota"
	"nftgate/internal/ratelimit"
	"nftgate/internal/storage"
	"nftgate/internal/telemetry"
)

// app holds every wired component for one CLI invocation
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *storage.DB
	bus      *events.Bus
	registry *prometheus.Registry
	metrics  *telemetry.Metrics
	ledger   *budget.Ledger
	quota    *quota.Tracker
	cache    cache.Cache
	limiters *ratelimit.Registry
	orch     *orchestrator.Orchestrator
	unsubs   []func()
}

// newApp opens storage and builds the component graph. Storage failures
// degrade to in-memory state rather than aborting.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.bus = events.NewBus(logger)
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = telemetry.NewMetrics(a.registry)
	a.unsubs = append(a.unsubs,
		a.bus.SubscribeFunc(events.LogSink(logger)),
		a.bus.SubscribeFunc(events.NotifySink(logger)),
		a.bus.SubscribeFunc(a.metrics.Observe),
	)

	var sqlDB *sql.DB
	if cfg.Storage.Path != "" {
		db, err := storage.New(cfg.Storage.Path)
		if err != nil {
			logger.Warn("Persistent storage unavailable, using memory", "path", cfg.Storage.Path, "error", err)
		} else {
			a.db = db
			sqlDB = db.DB
			logger.Debug("Storage opened", "path", db.Path())
		}
	}

	var budgetStore budget.Store = budget.NewMemoryStore()
	if sqlDB != nil {
		budgetStore = budget.NewSQLStore(sqlDB)
	}
	a.ledger = budget.New(budgetStore, cfg.BudgetLimits(),
		budget.WithBus(a.bus),
		budget.WithLogger(logger),
	)
	if err := a.ledger.Init(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize budget ledger: %w", err)
	}

	quotaOpts := []quota.Option{quota.WithBus(a.bus), quota.WithLogger(logger)}
	if sqlDB != nil {
		quotaOpts = append(quotaOpts, quota.WithStore(quota.NewSQLStore(sqlDB)))
	}
	a.quota = quota.New(cfg.QuotaConfig(), quotaOpts...)

	a.cache = cache.New(ctx, sqlDB, cfg.CacheConfig(), a.bus, cache.WithLogger(logger))

	a.limiters = ratelimit.NewRegistry(logger,
		ratelimit.WithMaxQueue(cfg.RateLimit.MaxQueue),
		ratelimit.WithQueueTimeout(cfg.RateLimit.QueueTimeout),
	)

	oc := cfg.OrchestratorConfig()
	oc.Batch.Logger = logger
	a.orch = orchestrator.New(oc, orchestrator.Deps{
		Limiters: a.limiters,
		Quota:    a.quota,
		Budget:   a.ledger,
		Cache:    a.cache,
		Bus:      a.bus,
		Metrics:  a.metrics,
		Logger:   logger,
	})

	providers, err := provider.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	for _, p := range providers {
		a.orch.Register(p)
	}
	if len(providers) == 0 {
		logger.Warn("No providers configured")
	}

	if err := a.quota.Restore(ctx); err != nil {
		logger.Warn("Failed to restore quota snapshots", "error", err)
	}

	return a, nil
}

// Close releases storage and stops event delivery
func (a *app) Close() {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.bus.Close()
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close database", "error", err)
		}
	}
}

// serveMetrics exposes /metrics until ctx is done
func (a *app) serveMetrics(ctx context.Context) {
	if !a.cfg.Metrics.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(a.registry))
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("Starting metrics server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// watchConfig re-applies budget limits when the config file changes
func (a *app) watchConfig(ctx context.Context, path string) {
	go func() {
		err := config.Watch(ctx, path, a.logger, func(cfg *config.Config) {
			if err := a.ledger.SetLimits(ctx, cfg.BudgetLimits()); err != nil {
				a.logger.Warn("Failed to apply reloaded budget limits", "error", err)
			}
		})
		if err != nil {
			a.logger.Warn("Config watch unavailable", "error", err)
		}
	}()
}
