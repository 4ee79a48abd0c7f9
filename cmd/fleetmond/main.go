// Command fleetmond runs the fleet monitoring daemon.
//
// # Usage
//
//	fleetmond --config /etc/fleetmon/config.yaml
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (FLEETMON_*)
// - Config file (--config)
//
// # Examples
//
// Run with the embedded in-memory store:
//
//	fleetmond --config fleetmon.yaml
//
// Run with environment overrides:
//
//	FLEETMON_STORAGE_BACKEND=badger \
//	FLEETMON_STORAGE_PATH=/var/lib/fleetmon \
//	fleetmond --config fleetmon.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetmon/fleetmon/internal/api"
	"github.com/fleetmon/fleetmon/internal/config"
	"github.com/fleetmon/fleetmon/internal/manager"
)

// Version is set at build time.
var Version = "dev"

func main() {
	var (
		configFile = flag.String("config", "", "Path to config file")
		listen     = flag.String("listen", "", "API listen address (overrides config)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("fleetmond %s\n", Version)
		os.Exit(0)
	}

	// Load configuration
	cfg := config.DefaultConfig()
	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config file: %v\n", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}
	cfg.ApplyEnvOverrides()
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	logger := newLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	mgr, err := manager.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create manager", "error", err)
		os.Exit(1)
	}

	// API server
	var httpServer *http.Server
	if cfg.APIEnabled() {
		httpServer = &http.Server{
			Addr:    cfg.API.Listen,
			Handler: api.NewServer(mgr, logger),
		}
		go func() {
			logger.Info("api listening", "addr", cfg.API.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("api server failed", "error", err)
				cancel()
			}
		}()
	}

	logger.Info("starting fleetmond",
		"version", Version,
		"backend", cfg.Storage.Backend,
		"devices", len(cfg.Devices))

	err = mgr.Run(ctx)

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown incomplete", "error", err)
		}
		shutdownCancel()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
