// Package main is the entry point for the runplane node agent.
// The agent answers job announcements for its organization and runs the
// pushed section scripts as local shell processes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"runplane/internal/bus/natsbus"
	"runplane/internal/config"
	"runplane/internal/logger"
	"runplane/internal/observability"
	"runplane/internal/worker"
	"runplane/internal/worker/runtime"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: runplane.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("Worker failed: %v", err)
	}
}

func run(cfg *config.Config) error {
	if cfg.NodeOrg == "" {
		return errors.New("node_org is required")
	}
	logs := logger.New(cfg.LogLevel)
	slog.SetDefault(logs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "runplane-worker", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logs.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics("runplane-worker")
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logs.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	b, err := natsbus.Connect(cfg.NATSURL, cfg.BusPrefix, "runplane-node-"+cfg.NodeName)
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer b.Close()

	rt := runtime.NewExecRuntime(cfg.RuntimeWorkDir, cfg.RuntimeShell)
	logs.Info("using exec runtime", "workdir", rt.WorkDir, "shell", rt.Shell)

	agent, err := worker.New(b, rt, worker.AgentConfig{
		Name:         cfg.NodeName,
		Org:          cfg.NodeOrg,
		Tags:         cfg.NodeTags,
		Concurrency:  cfg.NodeConcurrency,
		TaskTimeout:  cfg.NodeTaskWait,
		PollInterval: cfg.PollInterval,
	}, logs)
	if err != nil {
		return err
	}

	// Dedicated metrics server
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metricsMux(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logs.Info("worker metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	logs.Info("worker started", "node", cfg.NodeName, "org", cfg.NodeOrg, "concurrency", cfg.NodeConcurrency)
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logs.Info("worker stopped")
	return nil
}

func metricsMux(h http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	return mux
}
