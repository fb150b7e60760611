package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/codegate/internal/admission"
	"github.com/mattjoyce/codegate/internal/config"
	"github.com/mattjoyce/codegate/internal/dispatch"
	"github.com/mattjoyce/codegate/internal/events"
	"github.com/mattjoyce/codegate/internal/history"
	"github.com/mattjoyce/codegate/internal/log"
	"github.com/mattjoyce/codegate/internal/metrics"
	"github.com/mattjoyce/codegate/internal/process"
	"github.com/mattjoyce/codegate/internal/provider"
	"github.com/mattjoyce/codegate/internal/registry"
	"github.com/mattjoyce/codegate/internal/storage"
	"github.com/mattjoyce/codegate/internal/tracing"
	"github.com/mattjoyce/codegate/internal/workspace"
)

// loadConfig reads .env and then the configuration. Local commands pass
// tool=true so they work without API credentials.
func loadConfig(opts *rootOptions, tool bool) (*config.Config, error) {
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return nil, err
	}
	if tool {
		return config.LoadForTool(opts.configPath)
	}
	return config.Load(opts.configPath)
}

// buildProviders registers the built-ins plus any manifest providers.
// Broken manifests are logged and returned, never fatal.
func buildProviders(cfg *config.Config, logger *slog.Logger) (*provider.Registry, []error, error) {
	reg := provider.NewDefaultRegistry()
	loaded, problems, err := reg.LoadManifests(cfg.ProvidersDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load provider manifests from %s: %w", cfg.ProvidersDir, err)
	}
	for _, name := range loaded {
		logger.Info("manifest provider registered", "provider", name)
	}
	for _, p := range problems {
		logger.Warn("skipping provider manifest", "error", p)
	}
	return reg, problems, nil
}

// stack is everything a dispatcher needs, built once per process.
type stack struct {
	providers  *provider.Registry
	workspaces workspace.Manager
	admission  *admission.Controller
	hub        *events.Hub
	metrics    *metrics.Collector
	history    *history.Store
	db         *sql.DB
	tracing    *tracing.Setup
	dispatcher *dispatch.Dispatcher
}

func buildStack(ctx context.Context, cfg *config.Config, providers *provider.Registry, logger *slog.Logger) (*stack, error) {
	ws, err := workspace.NewFSManager(cfg.Workspace.Root)
	if err != nil {
		return nil, err
	}

	s := &stack{
		providers:  providers,
		workspaces: ws,
		admission: admission.New(admission.Config{
			MaxConcurrency: cfg.Limits.MaxConcurrency,
			MaxQueueSize:   cfg.Limits.MaxQueueSize,
			QueueTimeout:   cfg.Limits.QueueTimeout,
		}),
		hub:     events.NewHub(256),
		metrics: metrics.New(),
	}
	s.metrics.RegisterAdmission(s.admission.Active, s.admission.QueueDepth)

	if cfg.History.Path != "" {
		db, err := storage.OpenSQLite(ctx, cfg.History.Path)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.history = history.New(db)
		logger.Info("execution history enabled", "path", cfg.History.Path)
	}

	ts, err := tracing.New(ctx, cfg.Tracing)
	if err != nil {
		s.close()
		return nil, err
	}
	s.tracing = ts

	s.dispatcher = dispatch.New(
		dispatch.ConfigFrom(cfg),
		s.admission,
		registry.New(),
		ws,
		process.New(),
		providers,
	).
		WithEvents(s.hub).
		WithMetrics(s.metrics).
		WithTracer(ts.Tracer())
	if s.history != nil {
		s.dispatcher.WithHistory(s.history)
	}
	return s, nil
}

// close flushes spans and closes the history database.
func (s *stack) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tracing.Shutdown(ctx); err != nil {
		log.WithComponent("main").Warn("tracer shutdown failed", "error", err)
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}
