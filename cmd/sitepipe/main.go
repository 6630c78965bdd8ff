package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/sitepipe/internal/pkg/config"
	"github.com/tjfontaine/sitepipe/internal/telemetry"
	"github.com/tjfontaine/sitepipe/pkg/controlplane"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	configPath := os.Getenv("SITEPIPE_CONFIG")
	if configPath == "" {
		configPath = config.DefaultPath
	}

	// Telemetry settings are read once; they are not hot-reloaded.
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdown, err := telemetry.InitTracer(cfg.Telemetry, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	// Storage, artifacts, source provider and build runner all come from
	// the config file.
	c, err := controlplane.New(
		controlplane.WithFileConfig(configPath),
		controlplane.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("Failed to create control plane: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx); err != nil {
		logger.Error("control plane stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("control plane shutdown complete")
}
