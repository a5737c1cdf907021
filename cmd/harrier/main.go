// Harrier - Fleet expense reconciliation that deploys in 60 seconds.
// Copyright (c) 2025 openfleet
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

	"github.com/openfleet/harrier/internal/alerts"
	"github.com/openfleet/harrier/internal/api"
	"github.com/openfleet/harrier/internal/bus"
	"github.com/openfleet/harrier/internal/cache"
	"github.com/openfleet/harrier/internal/classifier"
	"github.com/openfleet/harrier/internal/domain"
	"github.com/openfleet/harrier/internal/identifier"
	"github.com/openfleet/harrier/internal/matcher"
	"github.com/openfleet/harrier/internal/reconciler"
	"github.com/openfleet/harrier/internal/repository"
	"github.com/openfleet/harrier/internal/worker"
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
	if os.Getenv("HARRIER_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("HARRIER_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
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

	// Initialize classification Rule Engine
	engine, err := classifier.NewRuleEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	// Load rules from database (no hardcoded defaults - configure via API)
	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load classification rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Assemble the reconciliation pipeline
	cls := classifier.New(repo, cacheImpl, engine)
	ident := identifier.New(repo, cacheImpl)
	finder := matcher.NewFinder(repo, cfg.Reconciler.CandidateWindow)
	alertSvc := alerts.NewService(cacheImpl, busImpl, cfg.Reconciler.UnidentifiedAlertThreshold, cfg.Reconciler.UnidentifiedAlertWindow)
	rec := reconciler.New(repo, cls, ident, finder, busImpl, alertSvc, cfg.Reconciler.MinConfidence)
	slog.Info("reconciler initialized",
		"candidate_window", cfg.Reconciler.CandidateWindow,
		"min_confidence", cfg.Reconciler.MinConfidence,
	)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("HARRIER_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, rec)

		// Get tenant IDs to process (from environment or default)
		tenantIDs := []string{}
		if envTenants := os.Getenv("HARRIER_TENANTS"); envTenants != "" {
			// Could parse comma-separated list here
			tenantIDs = []string{envTenants}
		}

		workerCfg := worker.Config{
			TenantIDs: tenantIDs,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, rec, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("harrier shutdown complete")
}

// loadRulesFromDatabase restores every tenant's classification rules into
// the engine. All rules are configured via POST /rules API - no hardcoded
// defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *classifier.RuleEngine) error {
	dbRules, err := repo.ListAllClassificationRules(ctx)
	if err != nil {
		slog.Warn("failed to list classification rules from database", "error", err)
		return nil // Start with empty rules - they can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading classification rules from database", "count", len(dbRules))
		return engine.ReloadAll(dbRules)
	}

	slog.Info("no classification rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 HARRIER                  ║")
	fmt.Println("  ║     Fleet Expense Reconciliation          ║")
	fmt.Println("  ║     Every litre accounted for.            ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /reconcile         - Run reconciliation")
	fmt.Println("    GET  /executions/{id}   - Get sync execution by ID")
	fmt.Println("    POST /transactions      - Ingest a financial transaction")
	fmt.Println("    GET  /transactions/{id} - Get transaction by ID")
	fmt.Println("    POST /telemetry         - Ingest a telemetry event")
	fmt.Println("    GET  /telemetry/{id}    - Get telemetry event by ID")
	fmt.Println("    POST /vehicles          - Register a vehicle")
	fmt.Println("    POST /catalog           - Register a product catalog entry")
	fmt.Println("    POST /card-mappings     - Register a card-to-vehicle mapping")
	fmt.Println("    GET  /rules             - List classification rules")
	fmt.Println("    POST /rules             - Create a classification rule")
	fmt.Println("    POST /rules/reload      - Hot-reload rules from database")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println()
}
