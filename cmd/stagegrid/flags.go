package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c360/stagegrid/stage"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	NodeID          string
	Kind            string
	DataAddr        string
	Advertise       string
	LogLevel        string
	LogFormat       string
	Debug           bool
	MetricsPort     int
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	ListKinds       bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}
	var configPaths string

	// Define flags with environment variable fallback
	flag.StringVar(&configPaths, "config",
		getEnv("STAGEGRID_CONFIG", "configs/pipeline.yaml"),
		"Comma-separated configuration layers, later files override earlier ones (env: STAGEGRID_CONFIG)")

	flag.StringVar(&configPaths, "c",
		getEnv("STAGEGRID_CONFIG", "configs/pipeline.yaml"),
		"Comma-separated configuration layers (env: STAGEGRID_CONFIG)")

	flag.StringVar(&cfg.NodeID, "node",
		getEnv("STAGEGRID_NODE", ""),
		"Node identity, random when empty (env: STAGEGRID_NODE)")

	flag.StringVar(&cfg.Kind, "kind",
		getEnv("STAGEGRID_KIND", ""),
		"Stage kind this node offers to run as a worker (env: STAGEGRID_KIND)")

	flag.StringVar(&cfg.DataAddr, "data-addr",
		getEnv("STAGEGRID_DATA_ADDR", ":0"),
		"Listen address of the data-plane server (env: STAGEGRID_DATA_ADDR)")

	flag.StringVar(&cfg.Advertise, "advertise",
		getEnv("STAGEGRID_ADVERTISE", ""),
		"Host peers use to reach this node, hostname when empty (env: STAGEGRID_ADVERTISE)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("STAGEGRID_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: STAGEGRID_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("STAGEGRID_LOG_FORMAT", "json"),
		"Log format: json, text (env: STAGEGRID_LOG_FORMAT)")

	flag.BoolVar(&cfg.Debug, "debug",
		getEnvBool("STAGEGRID_DEBUG", false),
		"Enable debug mode (env: STAGEGRID_DEBUG)")

	flag.IntVar(&cfg.MetricsPort, "metrics-port",
		getEnvInt("STAGEGRID_METRICS_PORT", 9090),
		"Prometheus metrics port, 0 to disable (env: STAGEGRID_METRICS_PORT)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("STAGEGRID_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: STAGEGRID_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.ListKinds, "list-kinds", false, "List the built-in stage kinds and exit")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	// Custom usage
	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()

	for _, p := range strings.Split(configPaths, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.ConfigPaths = append(cfg.ConfigPaths, p)
		}
	}

	// Override log level if debug is set
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp || cfg.ListKinds {
		return nil
	}

	if len(cfg.ConfigPaths) == 0 {
		return fmt.Errorf("no configuration file given")
	}
	for _, p := range cfg.ConfigPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file not found: %s", p)
		}
	}

	// Validate log level
	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	// Validate log format
	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}

	if cfg.Kind != "" {
		if _, ok := stage.DefaultRegistry().Lookup(cfg.Kind); !ok {
			return fmt.Errorf("unknown stage kind: %s", cfg.Kind)
		}
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - distributed image pipeline

Every node starts the same way. The first node to claim the run becomes the
coordinator; the others are workers offering the stage kind given by -kind.

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Start a coordinator candidate
  %s --config=pipeline.yaml

  # Start a worker that reads frames
  %s --config=pipeline.yaml --kind=fileread --advertise=10.0.0.5

  # Override the run identifier and broker
  export STAGEGRID_RUN=scan-43
  export STAGEGRID_NATS_URL=nats://broker:4222
  %s --config=pipeline.yaml,site.json --kind=filewrite

  # Validate configuration only
  %s --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func printKinds() {
	reg := stage.DefaultRegistry()
	for _, kind := range reg.Kinds() {
		r, _ := reg.Lookup(kind)
		fmt.Printf("%-12s %s\n", kind, r.Description)
	}
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
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

// Utility function to check if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
