package livefeed

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration, loadable from YAML.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Limits  LimitsConfig  `yaml:"limits"`
	Feed    FeedConfig    `yaml:"feed"`
	Spam    SpamConfig    `yaml:"spam"`
	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds the listen address and upgrade path.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// LimitsConfig bounds per-client resource usage.
type LimitsConfig struct {
	MaxConnectionsPerIP int        `yaml:"max_connections_per_ip"`
	MessagesPerSecond   rate.Limit `yaml:"messages_per_second"`
	Burst               int        `yaml:"burst"`
}

// FeedConfig tunes feed flushing and the janitor sweep.
type FeedConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	IdleThreshold time.Duration `yaml:"idle_threshold"`
}

// UnmarshalYAML reads the durations from "100ms" style strings. Absent
// fields keep their current values, so defaults survive partial files.
func (f *FeedConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		FlushInterval string `yaml:"flush_interval"`
		SweepInterval string `yaml:"sweep_interval"`
		IdleThreshold string `yaml:"idle_threshold"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if err := setDuration(&f.FlushInterval, raw.FlushInterval); err != nil {
		return err
	}
	if err := setDuration(&f.SweepInterval, raw.SweepInterval); err != nil {
		return err
	}
	return setDuration(&f.IdleThreshold, raw.IdleThreshold)
}

// SpamConfig tunes the decaying abuse-cost tracker.
type SpamConfig struct {
	CaptchaThreshold int `yaml:"captcha_threshold"`
}

// StoreConfig locates the post store service.
type StoreConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// UnmarshalYAML reads the timeout from a "5s" style string.
func (s *StoreConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		BaseURL string `yaml:"base_url"`
		Timeout string `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.BaseURL != "" {
		s.BaseURL = raw.BaseURL
	}
	return setDuration(&s.Timeout, raw.Timeout)
}

func setDuration(dst *time.Duration, s string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", s, err)
	}
	*dst = d
	return nil
}

// LoggingConfig holds the log level ("debug", "info", "warn", "error").
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig holds the optional prometheus listen address. Empty disables
// the metrics endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the configuration used when a field is absent from
// the YAML file.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":8080",
			Path: "/api/socket",
		},
		Limits: LimitsConfig{
			MaxConnectionsPerIP: 16,
			MessagesPerSecond:   100,
			Burst:               200,
		},
		Feed: FeedConfig{
			FlushInterval: 100 * time.Millisecond,
			SweepInterval: 60 * time.Second,
			IdleThreshold: 5 * time.Minute,
		},
		Spam: SpamConfig{
			CaptchaThreshold: 500,
		},
		Store: StoreConfig{
			BaseURL: "http://localhost:9000",
			Timeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	if c.Server.Path == "" {
		return fmt.Errorf("config: server.path is required")
	}
	if c.Limits.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("config: limits.max_connections_per_ip must be positive")
	}
	if c.Feed.FlushInterval <= 0 {
		return fmt.Errorf("config: feed.flush_interval must be positive")
	}
	if c.Feed.SweepInterval <= 0 {
		return fmt.Errorf("config: feed.sweep_interval must be positive")
	}
	if c.Feed.IdleThreshold <= 0 {
		return fmt.Errorf("config: feed.idle_threshold must be positive")
	}
	return nil
}
