package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/haasonsaas/nexus/internal/agentloop"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/spf13/cobra"
)

// provider is the Agent Loop's model adapter. The engine ships no concrete
// implementation (spec.md §1's non-goal of a concrete LLM client) — an
// operator wires one in by replacing this var from a sibling file in their
// own build of this command (same import path, `package main`), e.g.:
//
//	func init() { provider = myprovider.New(apiKey) }
var provider agentloop.Provider

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: session manager, agent loop, scheduler, and tool registry",
		Long: `Start the engine with all components wired together.

The server will:
1. Load configuration from the specified file.
2. Open the persistence port (in-memory or embedded sqlite).
3. Build the event bus, confirmation gate, tool registry, sub-agent pool,
   and Agent Loop.
4. Start the scheduler (cron jobs and channel heartbeats).
5. Block until SIGINT/SIGTERM, then stop the scheduler and exit.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  engine serve --config engine.yaml
  engine serve --config engine.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "engine.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting engine", "version", version, "commit", commit, "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	comps, err := buildComponents(cfg, provider, logger)
	if err != nil {
		return err
	}
	if closer, ok := comps.store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	if err := seedCronJobs(ctx, comps, cfg.Cron.Jobs); err != nil {
		return fmt.Errorf("seed cron jobs: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", comps.metrics.Handler())
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	httpSrv := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	comps.scheduler.Start(ctx)
	logger.Info("engine started",
		"http_addr", httpAddr,
		"storage_driver", cfg.Storage.Driver,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	logger.Info("shutdown signal received, stopping scheduler")
	comps.scheduler.Stop()
	_ = httpSrv.Close()

	logger.Info("engine stopped")
	return nil
}
