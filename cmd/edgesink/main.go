// Package main implements the entry point for the edgesink service.
// Edgesink ingests device telemetry over WebSocket, batches it per
// measurement kind, and persists the batches to Postgres while
// heartbeating over NATS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/edgesink/component"
	"github.com/c360/edgesink/config"
	"github.com/c360/edgesink/metric"
	"github.com/c360/edgesink/pipeline"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "edgesink"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	// Run application with proper error handling
	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	// Parse and validate CLI flags
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	// Load and validate configuration
	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	// Create the pipeline with shared dependencies
	deps := component.Dependencies{
		MetricsRegistry: metric.NewRegistry(),
		Logger:          logger,
	}

	p, err := pipeline.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	// Run application with signal handling
	return runWithSignalHandling(context.Background(), p, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting edgesink (edge telemetry ingestion)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads and validates configuration
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	cfg, err := loader.LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// runWithSignalHandling starts the pipeline and handles shutdown signals
func runWithSignalHandling(ctx context.Context, p *pipeline.Pipeline, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// Start under the parent context: component contexts must outlive the
	// signal so Stop can drain buffered batches in order.
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	slog.Info("edgesink started successfully (telemetry intake ready)")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := p.Stop(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("edgesink shutdown complete")
	return nil
}
