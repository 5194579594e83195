// Harrier - Fraud and risk assessment for payments and sign-ups.
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

	"github.com/opensource-finance/harrier/internal/aggregator"
	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/detector"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/engine"
	"github.com/opensource-finance/harrier/internal/fingerprint"
	"github.com/opensource-finance/harrier/internal/geoip"
	"github.com/opensource-finance/harrier/internal/ledger"
	"github.com/opensource-finance/harrier/internal/logging"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/velocity"
	"github.com/opensource-finance/harrier/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(logging.New(cfg.Logging.Level, cfg.Logging.Format))

	slog.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Backend,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("harrier failed", "error", err)
		os.Exit(1)
	}
	slog.Info("harrier shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Backend)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	hasher, err := fingerprint.NewHasher(cfg.Engine.FingerprintSecret)
	if err != nil {
		return fmt.Errorf("initialize fingerprint hasher: %w", err)
	}
	registry := fingerprint.NewRegistry(repo, cacheImpl, hasher, fingerprint.Options{
		SharingPenalty: cfg.Engine.SharingPenalty,
		CacheTTL:       cfg.Cache.EntryTTL,
	})

	usage := ledger.New(repo, cfg.Engine.UsageRetention)

	geo := geoip.NewStaticProvider()
	if cfg.Engine.GeoIPTable != "" {
		geo, err = geoip.LoadFile(cfg.Engine.GeoIPTable)
		if err != nil {
			return fmt.Errorf("load geo-ip table: %w", err)
		}
	}
	slog.Info("geo-ip provider initialized", "entries", geo.Len())

	ruleEngine, err := rules.NewEngine(repo, velocity.NewService(usage), geo, cfg.Engine.RuleWorkers)
	if err != nil {
		return fmt.Errorf("initialize rule engine: %w", err)
	}

	processor := aggregator.NewProcessor()
	processor.BlockThreshold = cfg.Engine.BlockThreshold
	processor.ReviewThreshold = cfg.Engine.ReviewThreshold

	patterns := detector.New(repo, busImpl, registry, usage)

	svc, err := engine.New(engine.Deps{
		Repo:             repo,
		Bus:              busImpl,
		Registry:         registry,
		Ledger:           usage,
		Rules:            ruleEngine,
		Aggregator:       processor,
		Detector:         patterns,
		SeedDefaultRules: cfg.Engine.SeedDefaultRules,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Close()

	var scheduler *detector.Scheduler
	if cfg.Detector.Enabled {
		scheduler = detector.NewScheduler(patterns, usage, cfg.Detector.Interval)
		scheduler.Start(ctx)
		slog.Info("pattern detector scheduled", "interval", cfg.Detector.Interval)
	}

	var asyncWorker *worker.Worker
	if cfg.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, svc)
		if err := asyncWorker.Start(worker.Config{}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	srv := api.NewServer(cfg.Server, svc, cacheImpl, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"active_rules", ruleEngine.ActiveCount(),
	)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}
	slog.Info("shutting down...")

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}
	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return serveErr
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 HARRIER                   |")
	fmt.Println("  |      Fraud & Risk Assessment Engine       |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /assess                               - Assess a user action")
	fmt.Println("    POST /usage                                - Record a payment attempt")
	fmt.Println("    GET  /fingerprints/{kind}/{id}/sharing     - Sharing report")
	fmt.Println("    POST /fingerprints/{kind}/{id}/blacklist   - Blacklist an identity")
	fmt.Println("    GET  /assessments?userId=                  - Assessment history")
	fmt.Println("    POST /assessments/{id}/review              - Record review outcome")
	fmt.Println("    GET  /rules                                - List rules")
	fmt.Println("    POST /patterns/detect                      - Run pattern detection")
	fmt.Println("    GET  /health                               - Health check")
	fmt.Println()
}
