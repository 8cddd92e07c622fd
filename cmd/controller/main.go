// Package main is the entry point for the runplane controller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"runplane/internal/auth"
	"runplane/internal/bus/natsbus"
	"runplane/internal/config"
	"runplane/internal/controller"
	"runplane/internal/controller/handlers"
	"runplane/internal/dispatch"
	"runplane/internal/logger"
	"runplane/internal/observability"
	"runplane/internal/plugins"
	"runplane/internal/store/postgres"
	"runplane/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: runplane.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("Controller failed: %v", err)
	}
}

func run(cfg *config.Config) error {
	logs := logger.New(cfg.LogLevel)
	slog.SetDefault(logs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "runplane-controller", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logs.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics("runplane-controller")
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logs.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	identities, err := auth.LoadDirectory(cfg.IdentitiesFile)
	if err != nil {
		return err
	}
	logs.Info("identities loaded", "count", identities.Len())

	b, err := natsbus.Connect(cfg.NATSURL, cfg.BusPrefix, "runplane-controller")
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer b.Close()

	handlerOpts := []handlers.Option{
		handlers.WithLogger(logs),
		handlers.WithCheck("bus", func(context.Context) error {
			if !b.Connected() {
				return errors.New("bus disconnected")
			}
			return nil
		}),
	}
	dispatchOpts := []dispatch.Option{dispatch.WithLogger(logs)}

	// The archive is optional; without it finished sessions live only in
	// the subscribers' streams.
	if cfg.DatabaseURL != "" {
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connecting to DB: %w", err)
		}
		defer db.Close()
		logs.Info("session archive ready", "schema_version", db.SchemaVersion())
		dispatchOpts = append(dispatchOpts, dispatch.WithReportSink(db))
		handlerOpts = append(handlerOpts, handlers.WithReports(db), handlers.WithCheck("database", db.Ping))
	}

	hooks, err := dispatch.NewPlugins(plugins.Default(logs)...)
	if err != nil {
		return err
	}
	dispatchOpts = append(dispatchOpts, dispatch.WithPlugins(hooks))

	hub := stream.NewHub(stream.DefaultBuffer)
	dispatcher, err := dispatch.New(b, hub, dispatch.Config{
		DiscoveryTimeout: cfg.DiscoveryTimeout,
		WaitTimeout:      cfg.WaitTimeout,
		PollInterval:     cfg.PollInterval,
		TermSettle:       cfg.TermSettle,
		FinishGrace:      cfg.FinishGrace,
		OrgIsolation:     cfg.OrgIsolation,
	}, dispatchOpts...)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, controller.Deps{
		Handlers:      handlers.New(dispatcher, hub, handlerOpts...),
		Authenticator: identities,
		SystemSecret:  cfg.SystemSecret,
		Metrics:       metricsHandler,
		Logger:        logs,
		Drain: func(ctx context.Context) error {
			logs.Info("shutting down dispatcher")
			return dispatcher.Shutdown(ctx)
		},
		ShutdownTimeout: 30 * time.Second,
	})

	logs.Info("runplane controller starting", "addr", addr)
	runErr := srv.Run(ctx)

	// Already drained on a clean stop; this covers a failed listener.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logs.Warn("dispatcher shutdown incomplete", "error", err)
	}
	if runErr != nil {
		return fmt.Errorf("server stopped: %w", runErr)
	}
	logs.Info("controller exited properly")
	return nil
}

