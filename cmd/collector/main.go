// Command collector runs the reference collection endpoint for the
// visitor telemetry agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/visitor-telemetry/internal/adapters/config/file"
	"github.com/tjfontaine/visitor-telemetry/internal/collector"
	"github.com/tjfontaine/visitor-telemetry/internal/config"
	"github.com/tjfontaine/visitor-telemetry/internal/server"
	"github.com/tjfontaine/visitor-telemetry/internal/storage/sqldb"
	"github.com/tjfontaine/visitor-telemetry/internal/telemetry"
)

var version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML configuration file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		log.Fatalf("collector: %v", err)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := file.NewProvider(configPath)
	if err != nil {
		return err
	}
	defer provider.Close()

	cfg, err := provider.Load(ctx)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Logging.SlogLevel())
	logger := newLogger(cfg.Logging.Format, level)
	slog.SetDefault(logger)

	if cfg.Telemetry.Tracing {
		shutdown, err := telemetry.InitTracer(server.ServiceName,
			telemetry.WithLogger(logger),
			telemetry.WithServiceVersion(version))
		if err != nil {
			return fmt.Errorf("initialize tracer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	driver, dsn := cfg.Storage.DriverDSN()
	if driver == "sqlite" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}
	store, err := sqldb.New(sqldb.Config{Driver: driver, DSN: dsn})
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("storage ready", slog.String("driver", store.Dialect().Name()))

	handler := collector.NewHandler(store,
		collector.WithMaxBodyBytes(cfg.Collector.MaxBodyBytes),
		collector.WithLogger(logger))

	srv := server.New(cfg.Server, cfg.Collector.AllowedOrigins, logger)
	handler.Mount(srv.Router)

	// Only the log level is applied live; other settings need a restart.
	if err := provider.Watch(ctx, func(next *config.Config) {
		level.Set(next.Logging.SlogLevel())
		logger.Info("config reloaded", slog.String("log_level", level.Level().String()))
	}); err != nil {
		logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("collector started",
		slog.String("version", version),
		slog.Int("port", cfg.Server.Port),
		slog.Int("rate_limit", cfg.Server.RateLimit.Requests))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, stopping collector")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("collector shutdown complete")
	return nil
}

func newLogger(format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
