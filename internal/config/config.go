// Package config loads runtime configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
//
// Tags:
//
//	env:        environment variable name
//	envDefault: default value if not set
type Config struct {
	// Listeners
	WSAddr  string `env:"PUBSUB_WS_ADDR" envDefault:":7070"`
	APIAddr string `env:"PUBSUB_API_ADDR" envDefault:":8080"`

	// Broker tuning
	DefaultRingSize       int           `env:"PUBSUB_DEFAULT_RING_BUFFER_SIZE" envDefault:"100"`
	MaxRingSize           int           `env:"PUBSUB_MAX_RING_BUFFER_SIZE" envDefault:"10000"`
	SubscriberQueueSize   int           `env:"PUBSUB_SUBSCRIBER_QUEUE_SIZE" envDefault:"50"`
	SlowConsumerThreshold int           `env:"PUBSUB_SLOW_CONSUMER_THRESHOLD" envDefault:"3"`
	ShutdownTimeout       time.Duration `env:"PUBSUB_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Auth. The defaults are development placeholders; set real keys in
	// any shared environment.
	APIKeys []string `env:"PUBSUB_API_KEYS" envSeparator:"," envDefault:"dev-key,demo-key,test-123"`

	// Connection limits
	MaxConnections     int     `env:"PUBSUB_MAX_CONNECTIONS" envDefault:"10000"`
	ConnectionRate     float64 `env:"PUBSUB_CONNECTION_RATE" envDefault:"100"`
	ConnectionBurst    int     `env:"PUBSUB_CONNECTION_BURST" envDefault:"200"`
	CPURejectThreshold float64 `env:"PUBSUB_CPU_REJECT_THRESHOLD" envDefault:"90.0"`

	// Transport timeouts
	WriteTimeout time.Duration `env:"PUBSUB_WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout  time.Duration `env:"PUBSUB_IDLE_TIMEOUT" envDefault:"120s"`

	// Optional NATS mirror. Empty URL disables it.
	NATSUrl           string `env:"PUBSUB_NATS_URL" envDefault:""`
	NATSSubjectPrefix string `env:"PUBSUB_NATS_SUBJECT_PREFIX" envDefault:"pubsub"`

	// Logging
	LogLevel  string `env:"PUBSUB_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"PUBSUB_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (optional) and environment
// variables. Priority: env vars > .env file > defaults.
func Load() (*Config, error) {
	// OK if missing; production containers set env vars directly.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.WSAddr == "" {
		return fmt.Errorf("PUBSUB_WS_ADDR is required")
	}
	if c.APIAddr == "" {
		return fmt.Errorf("PUBSUB_API_ADDR is required")
	}
	if c.MaxRingSize < 1 {
		return fmt.Errorf("PUBSUB_MAX_RING_BUFFER_SIZE must be > 0, got %d", c.MaxRingSize)
	}
	if c.DefaultRingSize < 1 || c.DefaultRingSize > c.MaxRingSize {
		return fmt.Errorf("PUBSUB_DEFAULT_RING_BUFFER_SIZE must be 1-%d, got %d", c.MaxRingSize, c.DefaultRingSize)
	}
	if c.SubscriberQueueSize < 1 {
		return fmt.Errorf("PUBSUB_SUBSCRIBER_QUEUE_SIZE must be > 0, got %d", c.SubscriberQueueSize)
	}
	if c.SlowConsumerThreshold < 1 {
		return fmt.Errorf("PUBSUB_SLOW_CONSUMER_THRESHOLD must be > 0, got %d", c.SlowConsumerThreshold)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("PUBSUB_SHUTDOWN_TIMEOUT must be > 0, got %s", c.ShutdownTimeout)
	}
	if len(c.APIKeys) == 0 {
		return fmt.Errorf("PUBSUB_API_KEYS must contain at least one key")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("PUBSUB_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("PUBSUB_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("PUBSUB_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("PUBSUB_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("ws_addr", c.WSAddr).
		Str("api_addr", c.APIAddr).
		Int("default_ring_size", c.DefaultRingSize).
		Int("max_ring_size", c.MaxRingSize).
		Int("subscriber_queue_size", c.SubscriberQueueSize).
		Int("slow_consumer_threshold", c.SlowConsumerThreshold).
		Dur("shutdown_timeout", c.ShutdownTimeout).
		Int("api_keys", len(c.APIKeys)).
		Int("max_connections", c.MaxConnections).
		Float64("connection_rate", c.ConnectionRate).
		Int("connection_burst", c.ConnectionBurst).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Str("nats_url", c.NATSUrl).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
