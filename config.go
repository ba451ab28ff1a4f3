package mirror

import (
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the file form of a node's settings. A gc_delay of "0s"
// disables automatic collection.
type Config struct {
	Hostname          string        `toml:"hostname"`
	GCDelay           Duration      `toml:"gc_delay"`
	Codec             string        `toml:"codec"`
	LogLevel          string        `toml:"log_level"`
	SnapshotCacheSize int           `toml:"snapshot_cache_size"`
	Metrics           MetricsConfig `toml:"metrics"`
}

// MetricsConfig selects where node metrics go.
type MetricsConfig struct {
	Namespace  string `toml:"namespace"`
	Prometheus bool   `toml:"prometheus"`
}

// Duration is a time.Duration written as a string such as "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns the settings used for anything a file leaves out.
func DefaultConfig() Config {
	return Config{
		GCDelay:           Duration{DefaultGCDelay},
		Codec:             "json",
		LogLevel:          "info",
		SnapshotCacheSize: 256,
		Metrics:           MetricsConfig{Namespace: "mirror"},
	}
}

// LoadConfig reads a TOML config file over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	conf := DefaultConfig()
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return nil, fmt.Errorf("failed to read TOML config file at '%s': %w", path, err)
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// ParseConfig reads TOML config text over DefaultConfig.
func ParseConfig(text string) (*Config, error) {
	conf := DefaultConfig()
	if _, err := toml.Decode(text, &conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Config) validate() error {
	if err := validateHostname(c.Hostname); err != nil {
		return err
	}
	if _, err := CodecByName(c.Codec); err != nil {
		return err
	}
	if c.SnapshotCacheSize <= 0 {
		return fmt.Errorf("%w: snapshot_cache_size must be positive", ErrValidation)
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "mirror"
	}
	return nil
}

// WireCodec returns the configured message codec.
func (c *Config) WireCodec() (Codec, error) {
	return CodecByName(c.Codec)
}

// Options builds node options from the config, logging to w.
func (c *Config) Options(w io.Writer) (*Options, error) {
	logger, err := NewLogger(w, c.LogLevel)
	if err != nil {
		return nil, err
	}
	metrics := NewDiscardMetrics()
	if c.Metrics.Prometheus {
		metrics = NewPrometheusMetrics(c.Metrics.Namespace)
	}
	gcDelay := c.GCDelay.Duration
	if gcDelay == 0 {
		gcDelay = -1
	}
	return &Options{
		Logger:  logger,
		Metrics: metrics,
		GCDelay: gcDelay,
	}, nil
}

// NewNode creates a node from the config, logging to w.
func (c *Config) NewNode(w io.Writer) (*Node, error) {
	options, err := c.Options(w)
	if err != nil {
		return nil, err
	}
	return NewNode(c.Hostname, options)
}
