// Package config holds the application configuration and the logger it
// produces.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration. Zero values are replaced with
// the tagged defaults; a YAML file can override any field.
type Config struct {
	// LogLevel is a logrus level name. The CLI is quiet unless asked.
	LogLevel string `json:"log_level" yaml:"log_level" default:"panic"`

	// NamePrefix selects devices by advertised name during discovery.
	NamePrefix string `json:"name_prefix" yaml:"name_prefix" default:"mitch"`

	// TickInterval is the monitor's poll cadence across all sessions.
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval" default:"250ms"`

	// ScanTimeout bounds the one-shot scan command.
	ScanTimeout time.Duration `json:"scan_timeout" yaml:"scan_timeout" default:"30s"`

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout" default:"10s"`

	// CommandTimeout bounds one command write or response read.
	CommandTimeout time.Duration `json:"command_timeout" yaml:"command_timeout" default:"5s"`

	// TelemetryRing sizes each session's telemetry frame buffer.
	TelemetryRing uint32 `json:"telemetry_ring" yaml:"telemetry_ring" default:"64"`

	// OutputFormat selects scan output rendering: table or json.
	OutputFormat string `json:"output_format" yaml:"output_format" default:"table"`
}

// New returns a Config with all defaults applied.
func New() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults. A missing path is not
// an error; the defaults stand.
func Load(path string) (*Config, error) {
	cfg := New()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return cfg, nil
}

// NewLogger creates a logger configured from LogLevel.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level '%s': %w", c.LogLevel, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
