// Package main implements the camstream entry point: capture frames from a
// camera, cut them into fixed windows, encode each window and publish it
// to a partitioned log under a monotonically increasing sequence key.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/camstream/config"
	"github.com/c360/camstream/errors"
	"github.com/c360/camstream/health"
	"github.com/c360/camstream/metric"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "camstream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "class", errors.Classify(err).String(), "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, logger, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.DumpConfig != "" {
		if err := cfg.SaveToFile(cliCfg.DumpConfig); err != nil {
			return fmt.Errorf("dump config: %w", err)
		}
		logger.Info("Configuration written", "path", cliCfg.DumpConfig)
		return nil
	}

	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	if cfg.Metrics.Enabled {
		server := startMetricsServer(cfg, registry, monitor, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Metrics server shutdown failed", "error", err)
			}
		}()
	}

	svc, err := buildApp(ctx, cfg, registry, monitor, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	logger.Info("camstream started",
		"device", cfg.Device.Source,
		"broker", cfg.Broker.Kind,
		"address", cfg.Broker.Address(),
		"topic", cfg.Broker.Topic,
		"window", cfg.Chunk.Window,
		"fps", svc.state.FPS(),
		"dimensions", svc.state.Params().Dimensions.String(),
		"next_key", svc.state.Key().Next().String())

	if err := svc.pipeline.Run(ctx); err != nil {
		return err
	}

	logger.Info("camstream shutdown complete", "last_key", svc.state.Key().String())
	return nil
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg, err := parseFlags(args, os.Stderr)
	if err != nil {
		return nil, nil, true, fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("Starting camstream",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration layers defaults, the config file, environment and
// flags, then validates the result.
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	applyOverrides(cfg, cliCfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		return loader.LoadFile(path)
	}
	return loader.Load()
}

func startMetricsServer(
	cfg *config.Config,
	registry *metric.MetricsRegistry,
	monitor *health.Monitor,
	logger *slog.Logger,
) *metric.Server {
	server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
	server.Handle("/health", health.Handler(monitor, appName))

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Metrics server stopped", "error", err)
		}
	}()
	logger.Info("Metrics server listening", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
	return server
}
