// Kestrel - transaction rule evaluation with an async validation feedback loop.

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/agent"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
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

	cfg := loadConfig()

	slog.Info("configuration loaded",
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"batch_size", cfg.Pipeline.BatchSize,
		"snapshot_path", cfg.Agent.SnapshotPath,
	)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

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

	// Initialize metrics collector
	collector := metrics.NewCollector()

	// Initialize Validation Agent
	validationAgent := agent.New(cfg.Agent, busImpl, collector)
	validationAgent.Start()
	defer validationAgent.Stop()

	// Initialize Rule Engine and Pipeline with the default rule set
	engine := rules.NewEngine()
	pipe := pipeline.New(cfg.Pipeline, engine, validationAgent, busImpl, cacheImpl, collector)
	pipe.ReplaceRules(rules.DefaultRules())
	pipe.Start()
	defer pipe.Stop()
	slog.Info("pipeline initialized", "rules_loaded", len(pipe.Rules()))

	// Initialize API server
	server := api.NewServer(cfg.Server, pipe, validationAgent, busImpl, cacheImpl, collector, Version)

	go func() {
		slog.Info("http server listening",
			"host", cfg.Server.Host,
			"port", cfg.Server.Port,
		)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			sigCh <- syscall.SIGTERM
		}
	}()

	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", "error", err)
	}

	slog.Info("kestrel stopped")
}

// loadConfig builds the configuration from defaults plus environment
// overrides.
func loadConfig() *domain.Config {
	cfg := domain.DefaultConfig()

	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KESTREL_BUS"); v != "" {
		cfg.EventBus.Type = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_CACHE"); v != "" {
		cfg.Cache.Type = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_SNAPSHOT_PATH"); v != "" {
		cfg.Agent.SnapshotPath = v
	}
	if v := os.Getenv("KESTREL_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.BatchSize = n
		}
	}
	if v := os.Getenv("KESTREL_DEDUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.DedupWindow = d
		}
	}
	if v := os.Getenv("KESTREL_TRACING"); v == "true" {
		cfg.Tracing.Enabled = true
	}

	return cfg
}
