package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/c360/camstream/config"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
	DumpConfig      string

	// Pipeline overrides, applied over the config file and environment
	// only when given on the command line.
	BrokerKind string
	BrokerHost string
	BrokerPort int
	Topic      string
	Window     time.Duration
	Device     string

	set map[string]bool
}

func parseFlags(args []string, output io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{set: make(map[string]bool)}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("CAMSTREAM_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: CAMSTREAM_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("CAMSTREAM_CONFIG", ""),
		"Path to configuration file (env: CAMSTREAM_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("CAMSTREAM_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: CAMSTREAM_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("CAMSTREAM_LOG_FORMAT", "json"),
		"Log format: json, text (env: CAMSTREAM_LOG_FORMAT)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("CAMSTREAM_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: CAMSTREAM_SHUTDOWN_TIMEOUT)")

	fs.StringVar(&cfg.BrokerKind, "broker", "", "Broker kind: kafka, jetstream")
	fs.StringVar(&cfg.BrokerHost, "broker-host", "", "Broker host")
	fs.IntVar(&cfg.BrokerPort, "broker-port", 0, "Broker port")
	fs.StringVar(&cfg.Topic, "topic", "", "Topic (Kafka) or stream (JetStream) name")
	fs.DurationVar(&cfg.Window, "window", 0, "Chunk window, e.g. 5s")
	fs.StringVar(&cfg.Device, "device", "", "Capture source, e.g. /dev/video0 or rtsp://...")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")
	fs.StringVar(&cfg.DumpConfig, "dump-config", "",
		"Write the effective configuration to a .json or .yaml file and exit")

	fs.Usage = func() {
		printDetailedHelp(fs, output)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		cfg.set[f.Name] = true
	})

	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.set["broker-port"] && (cfg.BrokerPort < 1 || cfg.BrokerPort > 65535) {
		return fmt.Errorf("invalid broker port: %d", cfg.BrokerPort)
	}
	if cfg.set["window"] && cfg.Window <= 0 {
		return fmt.Errorf("invalid window: %s", cfg.Window)
	}

	return nil
}

// applyOverrides copies explicitly set flags onto cfg.
func applyOverrides(cfg *config.Config, cli *CLIConfig) {
	if cli.set["broker"] {
		cfg.Broker.Kind = cli.BrokerKind
	}
	if cli.set["broker-host"] {
		cfg.Broker.Host = cli.BrokerHost
	}
	if cli.set["broker-port"] {
		cfg.Broker.Port = cli.BrokerPort
	}
	if cli.set["topic"] {
		cfg.Broker.Topic = cli.Topic
	}
	if cli.set["window"] {
		cfg.Chunk.Window = cli.Window
	}
	if cli.set["device"] {
		cfg.Device.Source = cli.Device
	}
}

func printDetailedHelp(fs *flag.FlagSet, w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - camera capture to partitioned log

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Publish 5 second chunks from the default camera to Kafka
  %s --broker-host=kafka-1 --broker-port=9092 --topic=TF-CAM-TEST --window=5s

  # Run from a config file with text logs
  %s --config=/etc/camstream/config.yaml --log-format=text

  # Validate configuration only
  %s --config=/etc/camstream/config.yaml --validate

  # Write the merged file, env and flag configuration out
  %s --topic=CAM-7 --dump-config=effective.yaml

Version: %s
Build: %s
`, appName, appName, appName, appName, Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
