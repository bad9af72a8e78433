// Package config loads and validates the server configuration from
// YAML, with environment variable overrides for deployment settings.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/schwoere/utdataflow/errors"
)

// Config is the top-level server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the UTQL announcement server.
type ServerConfig struct {
	// Listen is the TCP address for client connections.
	Listen string `yaml:"listen"`

	// WebsocketListen optionally enables the websocket announcement
	// ingress for browser clients. Empty disables it.
	WebsocketListen string `yaml:"websocketListen"`
}

// BridgeConfig configures the measurement bridge between clients.
type BridgeConfig struct {
	// Transport selects "tcp" (the server uplink) or "nats".
	Transport string `yaml:"transport"`

	// NATSURL is the broker address for the nats transport.
	NATSURL string `yaml:"natsUrl"`

	// SubjectPrefix namespaces the bridge subjects on NATS.
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	// Listen is the HTTP address of the /metrics endpoint. Empty
	// disables metrics serving.
	Listen string `yaml:"listen"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen: ":3000",
		},
		Bridge: BridgeConfig{
			Transport:     "tcp",
			SubjectPrefix: "utdataflow.measurements",
		},
		Metrics: MetricsConfig{
			Listen: "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML configuration file on top of the defaults and
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.WrapInvalid(err, "config", "Load", "file read")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.WrapInvalid(err, "config", "Load", "YAML parse")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides deployment settings from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("UTDATAFLOW_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("UTDATAFLOW_NATS_URL"); v != "" {
		c.Bridge.NATSURL = v
	}
	if v := os.Getenv("UTDATAFLOW_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if v := os.Getenv("UTDATAFLOW_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: server.listen", errors.ErrMissingConfig),
			"config", "Validate", "server section")
	}

	switch c.Bridge.Transport {
	case "tcp", "nats":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: bridge.transport must be tcp or nats, got %q",
				errors.ErrInvalidConfig, c.Bridge.Transport),
			"config", "Validate", "bridge section")
	}
	if c.Bridge.Transport == "nats" && c.Bridge.NATSURL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: bridge.natsUrl", errors.ErrMissingConfig),
			"config", "Validate", "bridge section")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: logging.level %q", errors.ErrInvalidConfig, c.Logging.Level),
			"config", "Validate", "logging section")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: logging.format %q", errors.ErrInvalidConfig, c.Logging.Format),
			"config", "Validate", "logging section")
	}

	return nil
}
