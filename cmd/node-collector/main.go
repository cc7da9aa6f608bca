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

	"github.com/aaronlmathis/kmon/internal/config"
	"github.com/aaronlmathis/kmon/internal/k8s/client"
	"github.com/aaronlmathis/kmon/internal/logging"
	"github.com/aaronlmathis/kmon/internal/nodecollector"
	"github.com/aaronlmathis/kmon/internal/source"
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
	logger.Info("Starting kmon node collector",
		zap.String("version", info.Version),
		zap.String("gitCommit", info.GitCommit),
		zap.String("node", cfg.Node.NodeName),
		zap.String("addr", cfg.Node.Addr),
	)

	src, err := buildSource(logger, cfg)
	if err != nil {
		logger.Fatal("Failed to create metric source", zap.Error(err))
	}

	collector := nodecollector.NewCollector(logger, src, nodecollector.Config{
		CollectInterval: config.Duration(cfg.Node.CollectInterval, 15*time.Second),
		FetchTimeout:    config.Duration(cfg.Node.FetchTimeout, 10*time.Second),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector.Start(ctx)
	defer collector.Stop()

	apiServer := nodecollector.NewServer(logger, collector)

	server := &http.Server{
		Addr:    cfg.Node.Addr,
		Handler: apiServer.Handler(),
	}

	go func() {
		logger.Info("Server starting", zap.String("addr", cfg.Node.Addr))
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

// buildSource wires the configured metric source. A control-plane client
// is only needed when the source goes through the apiserver.
func buildSource(logger *zap.Logger, cfg *config.Config) (source.Source, error) {
	switch cfg.Node.Source {
	case "summary":
		if cfg.Node.KubeletURL != "" {
			return source.NewSummarySource(logger, cfg.Node.NodeName, nil, cfg.Node.KubeletURL, cfg.Node.InsecureTLS)
		}
		factory, err := client.NewFactory(logger, client.ClientMode(cfg.Kubernetes.Mode), cfg.Kubernetes.KubeconfigPath)
		if err != nil {
			return nil, err
		}
		return source.NewSummarySource(logger, cfg.Node.NodeName, factory.RESTConfig(), "", cfg.Node.InsecureTLS)
	case "metrics-api":
		factory, err := client.NewFactory(logger, client.ClientMode(cfg.Kubernetes.Mode), cfg.Kubernetes.KubeconfigPath)
		if err != nil {
			return nil, err
		}
		src := source.NewMetricsAPISource(logger, factory.Client(), factory.MetricsClient(), cfg.Node.NodeName)
		if !src.HasMetricsAPI(context.Background()) {
			return nil, fmt.Errorf("metrics.k8s.io is not available; install metrics-server or use the summary source")
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unsupported metric source: %s", cfg.Node.Source)
	}
}
