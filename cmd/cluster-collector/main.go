package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aaronlmathis/kmon/internal/api"
	"github.com/aaronlmathis/kmon/internal/cache"
	"github.com/aaronlmathis/kmon/internal/cluster"
	"github.com/aaronlmathis/kmon/internal/config"
	"github.com/aaronlmathis/kmon/internal/k8s/client"
	"github.com/aaronlmathis/kmon/internal/logging"
	"github.com/aaronlmathis/kmon/internal/registry"
	"github.com/aaronlmathis/kmon/internal/version"
)

func main() {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	info := version.Get()
	logger.Info("Starting kmon cluster collector",
		zap.String("version", info.Version),
		zap.String("gitCommit", info.GitCommit),
		zap.String("addr", cfg.Cluster.Addr),
	)

	factory, err := client.NewFactory(logger, client.ClientMode(cfg.Kubernetes.Mode), cfg.Kubernetes.KubeconfigPath)
	if err != nil {
		logger.Fatal("Failed to create Kubernetes client", zap.Error(err))
	}

	// An unreachable control-plane at startup is a degraded state, not a
	// fatal one; the registry retries on every cycle.
	if err := factory.ValidateConnection(); err != nil {
		logger.Warn("Kubernetes connection validation failed", zap.Error(err))
	}

	freshness := config.Duration(cfg.Cluster.FreshnessWindow, 30*time.Second)
	fetchTimeout := config.Duration(cfg.Cluster.FetchTimeout, 10*time.Second)
	stalenessCeiling := config.Duration(cfg.Cluster.StalenessCeiling, 5*time.Minute)

	reg := registry.New(logger, factory.Client(), cfg.Cluster.CollectorPort)
	aggregator := cluster.NewAggregator(logger, reg, cluster.NewNodeClient(logger), cluster.Config{
		FetchTimeout:     fetchTimeout,
		StalenessCeiling: stalenessCeiling,
		DegradedCeiling:  config.Duration(cfg.Cluster.DegradedCeiling, 2*time.Minute),
		MaxConcurrent:    cfg.Cluster.MaxConcurrent,
	})

	// One refresh may run at a time; its bound covers reconciliation plus
	// the slowest node timeout.
	slot := cache.NewSlot(logger, aggregator.RunCycle, freshness, stalenessCeiling, fetchTimeout+freshness)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slot.Run(ctx, freshness)
	defer slot.Stop()

	apiServer := api.NewServer(logger, cfg, slot, aggregator)

	server := &http.Server{
		Addr:    cfg.Cluster.Addr,
		Handler: apiServer.Handler(),
	}

	go func() {
		logger.Info("Server starting", zap.String("addr", cfg.Cluster.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Server exited")
}

func loadConfig() (*config.Config, error) {
	if path := os.Getenv("KMON_CONFIG_FILE"); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}
