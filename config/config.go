// Package config loads the subsystem's YAML configuration. Defaults are
// populated first and the file, when present, overwrites them.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "file", "none"
	File   string `yaml:"file"`   // log file path when output is "file"
}

// PersistenceConfig holds operation-log configuration.
type PersistenceConfig struct {
	Path             string `yaml:"path"`
	SyncMode         string `yaml:"sync_mode"` // "always", "interval", "never"
	FlushInterval    string `yaml:"flush_interval"`
	BufferFlushBytes int    `yaml:"buffer_flush_bytes"`
	Compression      string `yaml:"compression"` // "none", "snappy", "lz4", "zstd"

	// AutoRepair authorizes truncating a corrupt log to its valid prefix at
	// startup instead of failing.
	AutoRepair bool `yaml:"auto_repair"`

	AutoRewritePercentage int    `yaml:"auto_rewrite_percentage"`
	AutoRewriteMinBytes   int64  `yaml:"auto_rewrite_min_bytes"`
	RewriteCheckInterval  string `yaml:"rewrite_check_interval"`
	DiskPreflight         bool   `yaml:"disk_preflight"`
}

// Config is the root configuration document.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// ParseDuration parses a duration string, falling back to the default when
// the string is empty or invalid. An invalid non-empty string logs a warning.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader. A nil reader or empty input
// yields the defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "aoflog.log",
		},
		Persistence: PersistenceConfig{
			Path:                  "./data/appendonly.aof",
			SyncMode:              "interval",
			FlushInterval:         "1s",
			BufferFlushBytes:      64 * 1024,
			Compression:           "none",
			AutoRepair:            false,
			AutoRewritePercentage: 100,
			AutoRewriteMinBytes:   64 * 1024 * 1024, // 64 MiB
			RewriteCheckInterval:  "10s",
			DiskPreflight:         true,
		},
	}

	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
