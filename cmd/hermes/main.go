// Command hermes is the Hermes AI gateway server.
//
// It reads configuration from environment variables (a .env file is picked up
// when present) and starts an OpenAI-compatible multiplexing proxy on the
// configured port.
//
// Quick-start (SQLite only, no Redis or ClickHouse required):
//
//	HERMES_SECRET=change-me ./hermes
//
// See .env.example for all available configuration variables.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/hermes/internal/app"
	"github.com/nulpointcorp/hermes/internal/config"
)

// Exit codes: 0 clean shutdown, 1 bootstrap/runtime failure, 2 invalid
// configuration.
const (
	exitBootstrap = 1
	exitConfig    = 2
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration — invalid config is an operator error, not a crash.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfig)
	}

	// Build the structured logger. All subsystems share this instance.
	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// Initialise and run the application.
	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(exitBootstrap)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("hermes stopped", slog.String("error", err.Error()))
		os.Exit(exitBootstrap)
	}
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
