package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/codegate/internal/api"
	"github.com/mattjoyce/codegate/internal/auth"
	"github.com/mattjoyce/codegate/internal/config"
	"github.com/mattjoyce/codegate/internal/lock"
	"github.com/mattjoyce/codegate/internal/log"
)

const janitorInterval = time.Hour

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, false)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Listen = listen
			}
			log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override api.listen (e.g. :8080)")
	return cmd
}

// runServe runs the gateway until ctx is cancelled, then drains in-flight
// jobs before stopping the HTTP server.
func runServe(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")
	logger.Info("codegate starting", "version", currentVersionInfo().Version)

	lockPath := filepath.Join(cfg.Workspace.Root, lock.LockFilename)
	pidLock, err := lock.AcquirePIDLock(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath, "error", err)
		return err
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", lockPath)

	providers, _, err := buildProviders(cfg, logger)
	if err != nil {
		return err
	}
	for _, p := range providers.List() {
		logger.Info("provider registered", "provider", p.Name, "binary", p.Binary, "available", p.Available)
	}

	st, err := buildStack(ctx, cfg, providers, logger)
	if err != nil {
		return err
	}
	defer st.close()

	st.janitor(ctx, cfg)

	// The server outlives the signal so in-flight jobs can still answer.
	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	g, gctx := errgroup.WithContext(serverCtx)

	if cfg.API.Enabled {
		srv, err := api.New(api.Config{
			Listen:       cfg.API.Listen,
			Tokens:       tokensFrom(cfg),
			MaxBodyBytes: cfg.API.MaxBodyBytes,
			WriteTimeout: cfg.Limits.MaxTimeout + time.Minute,
		}, st.dispatcher, providers, st.hub, log.WithComponent("api"))
		if err != nil {
			return err
		}
		if cfg.API.Metrics {
			srv.WithMetrics(st.metrics)
		}
		if st.history != nil {
			srv.WithHistory(st.history)
		}
		g.Go(func() error { return srv.Start(gctx) })
	} else {
		logger.Warn("API disabled; nothing will accept jobs")
	}

	g.Go(func() error {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st.janitor(gctx, cfg)
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal")
		case <-gctx.Done():
			logger.Error("component failed, shutting down")
		}
		n := st.dispatcher.Shutdown(cfg.Limits.ShutdownTimeout)
		if n > 0 {
			logger.Warn("cancelled executions still running at shutdown deadline", "count", n)
		}
		stopServer()
		return nil
	})

	logger.Info("codegate running (press Ctrl+C to stop)", "listen", cfg.API.Listen)
	if err := g.Wait(); err != nil {
		logger.Error("codegate stopped with error", "error", err)
		return err
	}
	logger.Info("codegate stopped")
	return nil
}

// janitor removes stale workspaces and prunes history past retention.
func (s *stack) janitor(ctx context.Context, cfg *config.Config) {
	logger := log.WithComponent("janitor")
	if cfg.Workspace.CleanupOlderThan > 0 {
		report, err := s.workspaces.Cleanup(ctx, cfg.Workspace.CleanupOlderThan)
		if err != nil {
			logger.Warn("workspace cleanup failed", "error", err)
		} else if report.DeletedDirs > 0 {
			logger.Info("removed stale workspaces", "count", report.DeletedDirs)
		}
	}
	if s.history != nil && cfg.History.Retention > 0 {
		n, err := s.history.Prune(ctx, cfg.History.Retention)
		if err != nil {
			logger.Warn("history prune failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned execution history", "rows", n)
		}
	}
}

func tokensFrom(cfg *config.Config) []auth.TokenConfig {
	all := cfg.API.Auth.AllTokens()
	tokens := make([]auth.TokenConfig, 0, len(all))
	for _, t := range all {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return tokens
}
