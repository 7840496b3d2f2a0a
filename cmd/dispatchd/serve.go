package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/events"
	dhttp "github.com/fyrsmithlabs/dispatchd/internal/http"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/provider"
	"github.com/fyrsmithlabs/dispatchd/internal/scheduler"
	"github.com/fyrsmithlabs/dispatchd/internal/services"
	"github.com/fyrsmithlabs/dispatchd/internal/telemetry"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatchd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		return run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (default ~/.config/dispatchd/config.yaml)")
}

// run wires the daemon and blocks until ctx is cancelled.
//
//  1. Load and validate configuration
//  2. Initialize telemetry and the structured logger
//  3. Build the event bus, optional NATS mirror, and provider registry
//  4. Register each configured project (store, worktrees, scheduler)
//  5. Serve the HTTP API until shutdown
func run(ctx context.Context) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetryConfig())
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	logger, err := logging.NewLogger(loggingConfig(), tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "starting dispatchd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Int("projects", len(cfg.Projects)),
		zap.Int("max_concurrency", cfg.Scheduler.MaxConcurrency),
	)

	for _, reason := range tel.Degraded() {
		logger.Warn(ctx, "telemetry pipeline degraded", zap.String("reason", reason))
	}

	bus := events.NewBus(logger)
	defer bus.Close()

	if cfg.Events.NATSURL != "" {
		mirror, err := events.NewNATSMirror(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			// The daemon is useful without the mirror; keep going.
			logger.Warn(ctx, "nats mirror unavailable",
				zap.String("url", cfg.Events.NATSURL),
				zap.Error(err),
			)
		} else {
			defer mirror.Close()
			go mirror.Run(ctx, bus)
			logger.Info(ctx, "mirroring events to nats",
				zap.String("url", cfg.Events.NATSURL),
				zap.String("subject_prefix", cfg.Events.SubjectPrefix),
			)
		}
	}

	providers := provider.NewRegistry(logger)
	providers.Register("claude", provider.NewClaude(cfg.Providers.Claude.Binary, logger))
	if cfg.Providers.Anthropic.APIKey.IsSet() {
		providers.Register("anthropic", provider.NewAnthropic(
			cfg.Providers.Anthropic.APIKey.Value(),
			cfg.Providers.Anthropic.BaseURL,
			logger,
		))
	}
	for _, name := range providers.Backends() {
		backend, ok := providers.Backend(name)
		if !ok {
			continue
		}
		status := backend.DetectInstallation(ctx)
		logger.Info(ctx, "provider backend registered",
			zap.String("backend", name),
			zap.Bool("installed", status.Installed),
			zap.Bool("auth_ok", status.AuthOK),
			zap.String("problem", status.Problem),
		)
	}

	registry, err := services.NewRegistry(services.Options{
		Config:    cfg,
		Logger:    logger,
		Providers: providers,
		Bus:       bus,
		Metrics:   scheduler.NewMetrics(prometheus.DefaultRegisterer),
		Tracer:    tel.Tracer("dispatchd/scheduler"),
	})
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}

	for _, p := range cfg.Projects {
		if _, err := registry.AddProject(ctx, p.ID, p.Repo); err != nil {
			// One broken repo must not take the daemon down.
			logger.Error(ctx, "project registration failed",
				zap.String("project.id", p.ID),
				zap.String("repo", p.Repo),
				zap.Error(err),
			)
		}
	}

	srv, err := dhttp.NewServer(dhttp.Options{
		Services: registry,
		Logger:   logger,
		Config:   cfg.Server,
		Version:  version,
		Meter:    tel.Meter("github.com/fyrsmithlabs/dispatchd/internal/http"),
	})
	if err != nil {
		return fmt.Errorf("initialize http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown failed", zap.Error(err))
	}
	registry.Shutdown(shutdownCtx)
	logger.Info(shutdownCtx, "shutdown complete")
	return nil
}

// telemetryConfig builds the OTEL config from the environment. Telemetry
// stays off unless OTEL_ENABLE=true so fresh installs need no collector.
func telemetryConfig() *telemetry.Config {
	cfg := telemetry.NewDefaultConfig()
	cfg.Enabled = os.Getenv("OTEL_ENABLE") == "true"
	cfg.ServiceVersion = version
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		cfg.Endpoint = ep
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}
	return cfg
}

// loggingConfig builds the logger config from the environment.
func loggingConfig() *logging.Config {
	cfg := logging.NewDefaultConfig()
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		var level zapcore.Level
		if err := level.Set(lvl); err == nil {
			cfg.Level = level
		}
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = format
	}
	return cfg
}
