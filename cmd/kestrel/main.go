// Kestrel - Near-real-time fraud screening for transaction streams.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/mlclient"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/window"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Cluster mode: PostgreSQL + Redis + NATS
	if os.Getenv("KESTREL_CLUSTER") == "true" {
		cfg = domain.ClusterConfig()
		slog.Info("running in cluster mode")
	}
	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"workers", cfg.Pipeline.Workers,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize window aggregator
	agg := window.New(cfg.Engine.MaxRetention)
	slog.Info("window aggregator initialized", "retention", cfg.Engine.MaxRetention.String())

	// Initialize ML scoring client
	scorer := mlclient.New(mlclient.Config{
		Timeout:      cfg.Engine.RuleTimeout,
		Retries:      cfg.Engine.MLRetries,
		RetryBackoff: cfg.Engine.MLRetryBackoff,
	})

	// Initialize rule engine
	engine := rules.NewEngine(repo, cacheImpl, agg, scorer, cfg.Engine)

	// Validate the stored rule set at startup so broken rules surface
	// before traffic does.
	if set, err := repo.ListActiveRules(ctx); err != nil {
		slog.Warn("failed to load rules at startup", "error", err)
	} else {
		if err := engine.Validator().ValidateSet(set); err != nil {
			slog.Error("stored rule set is invalid", "error", err)
			os.Exit(1)
		}
		slog.Info("rule engine initialized", "active_rules", len(set))
	}

	// Initialize notifier
	notifier := notify.New(notify.Config{
		WebhookURL: os.Getenv("KESTREL_ALERT_WEBHOOK"),
	})

	// Initialize and start the dispatch pipeline
	pipe := pipeline.New(busImpl, repo, cacheImpl, agg, engine, notifier, cfg.Pipeline)
	if err := pipe.Start(); err != nil {
		slog.Error("failed to start pipeline", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, agg, pipe, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the pipeline first so in-flight evaluations drain.
	if err := pipe.Stop(); err != nil {
		slog.Error("failed to stop pipeline", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// applyEnvOverrides lets single settings be tuned without switching the
// whole profile.
func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - fraud screening engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /transactions            - Submit for async screening")
	fmt.Println("    POST   /evaluate                - Screen synchronously")
	fmt.Println("    GET    /transactions/{id}       - Get transaction")
	fmt.Println("    GET    /transactions/{id}/verdict - Get its verdict")
	fmt.Println("    POST   /transactions/{id}/review  - Manual review decision")
	fmt.Println("    GET    /verdicts/{id}           - Get verdict by ID")
	fmt.Println("    GET    /rules                   - List rules")
	fmt.Println("    POST   /rules                   - Create a rule")
	fmt.Println("    PUT    /rules/{id}              - Update a rule")
	fmt.Println("    DELETE /rules/{id}              - Disable a rule")
	fmt.Println("    POST   /rules/reload            - Hot-reload rules")
	fmt.Println("    GET    /health                  - Health check")
	fmt.Println("    GET    /metrics                 - Prometheus metrics")
	fmt.Println()
}
