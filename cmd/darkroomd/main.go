package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/darkroom/internal/config"
	"github.com/tjfontaine/darkroom/internal/telemetry"
	"github.com/tjfontaine/darkroom/pkg/darkroom"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML config file (optional)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		log.Fatalf("Invalid log level %q: %v", *logLevel, err)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize OpenTelemetry
	shutdown, err := telemetry.InitTracer(cfg.Telemetry, os.Stderr, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	dr, err := darkroom.New(
		darkroom.WithConfig(cfg),
		darkroom.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("Failed to create darkroom: %v", err)
	}

	// Serve until a shutdown signal arrives
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dr.Run(ctx); err != nil {
		logger.Error("darkroom stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
