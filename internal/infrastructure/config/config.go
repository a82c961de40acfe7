package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// FileEnv names the environment variable pointing at an optional YAML file.
// Values from the file are applied first; environment variables win.
const FileEnv = "BINDER_CONFIG"

// Config holds daemon and client configuration.
type Config struct {
	Endpoint EndpointConfig `yaml:"endpoint"`
	Driver   DriverConfig   `yaml:"driver"`
	Remote   RemoteConfig   `yaml:"remote"`
	Logging  LogConfig      `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// EndpointConfig describes where binderd accepts remote sessions.
type EndpointConfig struct {
	Socket          string        `yaml:"socket" envconfig:"BINDER_SOCKET"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"BINDER_SHUTDOWN_TIMEOUT"`
}

// DriverConfig tunes the in-process driver.
type DriverConfig struct {
	PoolSize   int           `yaml:"pool_size" envconfig:"BINDER_POOL_SIZE"`
	LookupWait time.Duration `yaml:"lookup_wait" envconfig:"BINDER_LOOKUP_WAIT"`
}

// RemoteConfig tunes remote sessions.
type RemoteConfig struct {
	DialTimeout       time.Duration `yaml:"dial_timeout" envconfig:"BINDER_DIAL_TIMEOUT"`
	KeepaliveTime     time.Duration `yaml:"keepalive_time" envconfig:"BINDER_KEEPALIVE_TIME"`
	KeepaliveTimeout  time.Duration `yaml:"keepalive_timeout" envconfig:"BINDER_KEEPALIVE_TIMEOUT"`
	CompressThreshold int           `yaml:"compress_threshold" envconfig:"BINDER_COMPRESS_THRESHOLD"`
	RateLimit         float64       `yaml:"rate_limit" envconfig:"BINDER_RATE_LIMIT"`
	RateBurst         int           `yaml:"rate_burst" envconfig:"BINDER_RATE_BURST"`
	MaxInflight       int64         `yaml:"max_inflight" envconfig:"BINDER_MAX_INFLIGHT"`
	BreakerFailures   uint32        `yaml:"breaker_failures" envconfig:"BINDER_BREAKER_FAILURES"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout" envconfig:"BINDER_BREAKER_TIMEOUT"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL"`
	Development bool   `yaml:"development" envconfig:"LOG_DEV"`
}

// MetricsConfig holds the metrics listener configuration.
type MetricsConfig struct {
	Enabled   bool    `yaml:"enabled" envconfig:"METRICS_ENABLED"`
	Addr      string  `yaml:"addr" envconfig:"METRICS_ADDR"`
	RateLimit float64 `yaml:"rate_limit" envconfig:"METRICS_RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" envconfig:"METRICS_RATE_BURST"`
}

// Load builds the configuration from defaults, the optional file named by
// BINDER_CONFIG, and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration or returns the defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			Socket:          "/tmp/binderd.sock",
			ShutdownTimeout: 5 * time.Second,
		},
		Driver: DriverConfig{
			PoolSize:   16,
			LookupWait: time.Second,
		},
		Remote: RemoteConfig{
			DialTimeout:       5 * time.Second,
			KeepaliveTime:     30 * time.Second,
			KeepaliveTimeout:  10 * time.Second,
			CompressThreshold: 4096,
			RateLimit:         1000,
			RateBurst:         200,
			MaxInflight:       16,
			BreakerFailures:   5,
			BreakerTimeout:    30 * time.Second,
		},
		Logging: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Addr:      "127.0.0.1:9464",
			RateLimit: 20,
			RateBurst: 40,
		},
	}
}
