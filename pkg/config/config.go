package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/databloom/internal/calibration"
	"github.com/srg/databloom/internal/store"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel       logrus.Level  `yaml:"log_level" toml:"log_level" default:"4"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" toml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout" default:"30s"`
	OutputFormat   string        `yaml:"output_format" toml:"output_format" default:"table"`
	MetricsAddr    string        `yaml:"metrics_addr,omitempty" toml:"metrics_addr,omitempty"`

	Device      DeviceConfig       `yaml:"device" toml:"device"`
	Store       StoreConfig        `yaml:"store" toml:"store"`
	Reconnect   ReconnectConfig    `yaml:"reconnect" toml:"reconnect"`
	Mirror      MirrorConfig       `yaml:"mirror" toml:"mirror"`
	Calibration calibration.Points `yaml:"calibration" toml:"calibration"`
}

// DeviceConfig remembers the last peripheral that was connected successfully.
type DeviceConfig struct {
	Address string `yaml:"address,omitempty" toml:"address,omitempty"`
	Name    string `yaml:"name,omitempty" toml:"name,omitempty"`
}

// StoreConfig sizes the aggregation engine.
type StoreConfig struct {
	RawCapacity          int           `yaml:"raw_capacity" toml:"raw_capacity" default:"7200"`
	BucketCapacity       int           `yaml:"bucket_capacity" toml:"bucket_capacity" default:"1440"`
	ArrivalWindow        int           `yaml:"arrival_window" toml:"arrival_window" default:"20"`
	NotifyInterval       time.Duration `yaml:"notify_interval" toml:"notify_interval" default:"200ms"`
	SilenceCheckInterval time.Duration `yaml:"silence_check_interval" toml:"silence_check_interval" default:"1s"`
}

// ReconnectConfig controls the silence watchdog.
type ReconnectConfig struct {
	Enabled          bool          `yaml:"enabled" toml:"enabled" default:"true"`
	SilenceThreshold time.Duration `yaml:"silence_threshold" toml:"silence_threshold" default:"5s"`
	MinInterval      time.Duration `yaml:"min_interval" toml:"min_interval" default:"5s"`
	CheckInterval    time.Duration `yaml:"check_interval" toml:"check_interval" default:"1s"`
}

// MirrorConfig configures the PTY mirror of the record stream.
type MirrorConfig struct {
	Link       string `yaml:"link,omitempty" toml:"link,omitempty"`
	BufferSize int    `yaml:"buffer_size" toml:"buffer_size" default:"4096"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// DefaultPath returns ~/.config/databloom/config.yaml, or "" when the home directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "databloom", "config.yaml")
}

// Load reads a YAML or TOML file, chosen by extension, over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	switch format(path) {
	case "toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load that returns the defaults when path is empty or does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return cfg, err
}

// Save writes c to path in the format implied by its extension, creating parent directories.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	switch format(path) {
	case "toml":
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
	case "yaml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.OutputFormat {
	case "table", "json", "csv":
	default:
		return fmt.Errorf("output_format must be table, json or csv, got %q", c.OutputFormat)
	}
	if c.Store.RawCapacity <= 0 {
		return fmt.Errorf("store.raw_capacity must be > 0")
	}
	if c.Store.BucketCapacity <= 0 {
		return fmt.Errorf("store.bucket_capacity must be > 0")
	}
	if c.Store.ArrivalWindow < 2 {
		return fmt.Errorf("store.arrival_window must be >= 2")
	}
	if c.Mirror.BufferSize <= 0 {
		return fmt.Errorf("mirror.buffer_size must be > 0")
	}
	if c.Calibration.Dry != nil && c.Calibration.Wet != nil && *c.Calibration.Dry == *c.Calibration.Wet {
		return fmt.Errorf("calibration.dry and calibration.wet must differ")
	}
	return nil
}

// StoreOptions converts the store section into engine options.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		RawCapacity:          c.Store.RawCapacity,
		BucketCapacity:       c.Store.BucketCapacity,
		ArrivalWindow:        c.Store.ArrivalWindow,
		NotifyInterval:       c.Store.NotifyInterval,
		SilenceCheckInterval: c.Store.SilenceCheckInterval,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func format(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return ""
	}
}
