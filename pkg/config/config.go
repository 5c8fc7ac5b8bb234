// Package config provides configuration structures and loading logic for the
// DSP runtime and its topology files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the runtime.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Engine    EngineConfig    `yaml:"engine"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Topology  TopologyConfig  `yaml:"topology"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
}

// SchedulerConfig holds configuration for the pipeline task schedulers.
type SchedulerConfig struct {
	// Tick is the timer domain resolution.
	Tick time.Duration `yaml:"tick"`
}

// EngineConfig holds configuration for pipeline execution.
type EngineConfig struct {
	XrunRecovery  *bool `yaml:"xrun_recovery"`
	PositionSlots int   `yaml:"position_slots"`
}

// RecoveryEnabled reports whether XRUN recovery is on; it defaults to true.
func (c EngineConfig) RecoveryEnabled() bool {
	return c.XrunRecovery == nil || *c.XrunRecovery
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// TopologyConfig holds configuration for topology loading.
type TopologyConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info"},
		Scheduler: SchedulerConfig{Tick: time.Millisecond},
		Engine:    EngineConfig{PositionSlots: 32},
		Metrics:   MetricsConfig{Address: ":19090", Path: "/metrics"},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("POLIS_DSP_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("POLIS_DSP_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	if val := os.Getenv("POLIS_DSP_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("POLIS_DSP_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("POLIS_DSP_SCHEDULER_TICK"); val != "" {
		tick, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("POLIS_DSP_SCHEDULER_TICK: %w", err)
		}
		cfg.Scheduler.Tick = tick
	}

	if val := os.Getenv("POLIS_DSP_XRUN_RECOVERY"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("POLIS_DSP_XRUN_RECOVERY: %w", err)
		}
		cfg.Engine.XrunRecovery = &enabled
	}

	if val := os.Getenv("POLIS_DSP_METRICS_ADDR"); val != "" {
		cfg.Metrics.Address = val
	}

	if val := os.Getenv("POLIS_DSP_TOPOLOGY_FILE"); val != "" {
		cfg.Topology.File = val
	}
	return nil
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler configuration: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics configuration: %w", err)
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of scheduler configuration.
func (c *SchedulerConfig) Validate() error {
	if c.Tick == 0 {
		c.Tick = time.Millisecond
	}
	if c.Tick < 0 || c.Tick > time.Second {
		return fmt.Errorf("tick %s out of range (0, 1s]", c.Tick)
	}
	return nil
}

// Validate performs validation of engine configuration.
func (c *EngineConfig) Validate() error {
	if c.PositionSlots == 0 {
		c.PositionSlots = 32
	}
	if c.PositionSlots < 0 {
		return fmt.Errorf("position_slots must be positive, got %d", c.PositionSlots)
	}
	return nil
}

// Validate performs validation of metrics configuration. An empty address
// disables the endpoint.
func (c *MetricsConfig) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		c.Path = "/metrics"
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	return nil
}
