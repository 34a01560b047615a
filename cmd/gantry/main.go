// gantry is a local gateway that multiplexes clients onto a bounded pool
// of LLM CLI subprocesses and a direct HTTP path, with per-project token
// accounting and per-key policy enforcement.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/cortexops/gantry/pkg/agentic"
	"github.com/cortexops/gantry/pkg/api"
	"github.com/cortexops/gantry/pkg/config"
	"github.com/cortexops/gantry/pkg/direct"
	"github.com/cortexops/gantry/pkg/policy"
	"github.com/cortexops/gantry/pkg/pool"
	"github.com/cortexops/gantry/pkg/registry"
	"github.com/cortexops/gantry/pkg/routing"
	"github.com/cortexops/gantry/pkg/store"
	"github.com/cortexops/gantry/pkg/usage"
	"github.com/cortexops/gantry/pkg/version"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	// Step 1: configuration and logging.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	logger.Info("Starting gantry", "version", version.Full(), "port", cfg.Port)

	if cfg.AdminToken == "" {
		// Without a configured token the admin surface would be dead;
		// mint one for this process lifetime and say so once.
		cfg.AdminToken = uuid.NewString()
		logger.Warn("GANTRY_ADMIN_TOKEN not set, generated ephemeral admin token",
			"token", cfg.AdminToken)
	}

	prices, err := cfg.LoadPrices()
	if err != nil {
		return fmt.Errorf("failed to load pricing table: %w", err)
	}
	tracker := usage.NewTracker(prices)

	// Step 2: usage ledger.
	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{Path: cfg.DBPath})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()
	logger.Info("Store ready", "path", cfg.DBPath)

	// Step 3: agent and skill registry.
	reg := registry.New(registry.Config{
		AgentsDir: cfg.AgentsDir,
		SkillsDir: cfg.SkillsDir,
	}, logger)
	snap := reg.Refresh()
	logger.Info("Registry scanned", "agents", len(snap.Agents), "skills", len(snap.Skills))

	// Step 4: worker pool.
	if cfg.CLIPath == "" {
		logger.Warn("No CLI binary found, subprocess path disabled until one is configured")
	}
	if err := os.MkdirAll(cfg.WorkspacesDir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspaces directory: %w", err)
	}
	wp := pool.New(pool.Config{
		MaxConcurrent:   cfg.PoolSize,
		DefaultDeadline: cfg.DefaultDeadline,
		WorkDir:         cfg.WorkspacesDir,
		CLIPath:         cfg.CLIPath,
		ConfigPath:      cfg.CLIConfigPath,
		Retention:       cfg.TaskRetention,
	}, tracker, logger)
	wp.Start()
	logger.Info("Worker pool started", "max_concurrent", cfg.PoolSize)

	// Step 5: direct HTTP path, when an upstream key is configured.
	var directClient *direct.Client
	if cfg.AnthropicAPIKey != "" {
		directClient = direct.New(direct.Config{
			APIKey:  cfg.AnthropicAPIKey,
			BaseURL: cfg.DirectBaseURL,
		}, tracker, logger)
		logger.Info("Direct path enabled")
	} else {
		logger.Warn("No upstream API key configured, direct path disabled")
	}

	// Step 6: policy, routing, agentic execution.
	pol := policy.New(st, reg, logger)
	router := routing.New()
	exec := agentic.New(reg, router, wp, st, cfg.WorkspacesDir, logger)

	// Step 7: HTTP server.
	srv := api.NewServer(cfg, api.Deps{
		Store:    st,
		Registry: reg,
		Pool:     wp,
		Policy:   pol,
		Router:   router,
		Direct:   directClient,
		Executor: exec,
		Tracker:  tracker,
	}, logger)

	// Step 8: background maintenance.
	maintCtx, stopMaint := context.WithCancel(ctx)
	defer stopMaint()
	go maintenanceLoop(maintCtx, st, cfg, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", "signal", sig.String())
	}

	// Staged shutdown: stop admitting, drain HTTP, then stop the pool.
	srv.MarkNotReady()
	stopMaint()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown did not drain cleanly", "error", err)
	}
	wp.Shutdown(cfg.ShutdownTimeout)
	logger.Info("Shutdown complete")
	return nil
}

// maintenanceLoop prunes expired rate-limit windows and aged audit rows.
func maintenanceLoop(ctx context.Context, st *store.Store, cfg *config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now().UTC()
		if n, err := st.PruneRateWindows(ctx, now.Add(-cfg.RateWindowRetention)); err != nil {
			logger.Error("Failed to prune rate windows", "error", err)
		} else if n > 0 {
			logger.Debug("Pruned rate windows", "rows", n)
		}
		if n, err := st.PruneAdmissions(ctx, now); err != nil {
			logger.Error("Failed to prune stale admissions", "error", err)
		} else if n > 0 {
			logger.Debug("Pruned stale admissions", "rows", n)
		}
		horizon := now.AddDate(0, 0, -cfg.AuditRetentionDays)
		if n, err := st.PruneAudit(ctx, horizon); err != nil {
			logger.Error("Failed to prune audit log", "error", err)
		} else if n > 0 {
			logger.Debug("Pruned audit events", "rows", n)
		}
	}
}
