// Package config loads hub configuration from the environment, with an
// optional .env file for development. Priority: env vars > .env >
// defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type Config struct {
	// Server basics
	Addr    string `env:"HUB_ADDR" envDefault:":3004"`
	NATSURL string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	// Auth
	JWTSecret string `env:"JWT_SECRET,required"`

	// Capacity
	MaxConnections  int `env:"HUB_MAX_CONNECTIONS" envDefault:"5000"`
	MaxPayloadBytes int `env:"HUB_MAX_PAYLOAD_BYTES" envDefault:"1048576"`
	SendBufferSize  int `env:"HUB_SEND_BUFFER" envDefault:"256"`

	// Message rate limiting (per connection)
	MessageBurst      int           `env:"HUB_MSG_BURST" envDefault:"30"`
	MessagesPerMinute int           `env:"HUB_MSG_PER_MINUTE" envDefault:"120"`
	ViolationLimit    int           `env:"HUB_VIOLATION_LIMIT" envDefault:"50"`
	ViolationWindow   time.Duration `env:"HUB_VIOLATION_WINDOW" envDefault:"5m"`

	// Connection admission rate limiting
	ConnRateIPBurst     int     `env:"HUB_CONN_IP_BURST" envDefault:"10"`
	ConnRateIPPerSec    float64 `env:"HUB_CONN_IP_RATE" envDefault:"1.0"`
	ConnRateGlobalBurst int     `env:"HUB_CONN_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobalRate  float64 `env:"HUB_CONN_GLOBAL_RATE" envDefault:"50.0"`

	// Lifecycle timings
	HeartbeatInterval   time.Duration `env:"HUB_HEARTBEAT_INTERVAL" envDefault:"27s"`
	IdleTimeout         time.Duration `env:"HUB_IDLE_TIMEOUT" envDefault:"60s"`
	WriteTimeout        time.Duration `env:"HUB_WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownGracePeriod time.Duration `env:"HUB_SHUTDOWN_GRACE" envDefault:"15s"`
	ShutdownDeadline    time.Duration `env:"HUB_SHUTDOWN_DEADLINE" envDefault:"30s"`

	// Upstream bridge caps (bridged accounts per identity)
	BridgeUserCap  int `env:"HUB_BRIDGE_USER_CAP" envDefault:"8"`
	BridgeAdminCap int `env:"HUB_BRIDGE_ADMIN_CAP" envDefault:"64"`

	// Domain collaborator request timeout
	DomainTimeout time.Duration `env:"HUB_DOMAIN_TIMEOUT" envDefault:"5s"`

	// Audit
	AuditBuffer int `env:"HUB_AUDIT_BUFFER" envDefault:"1024"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env (optional) and environment
// variables, then validates it.
func Load() (*Config, error) {
	// Missing .env is fine; production containers set env vars directly.
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

func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("HUB_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("HUB_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxPayloadBytes < 1024 {
		return fmt.Errorf("HUB_MAX_PAYLOAD_BYTES must be >= 1024, got %d", c.MaxPayloadBytes)
	}
	if c.HeartbeatInterval >= c.IdleTimeout {
		return fmt.Errorf("HUB_HEARTBEAT_INTERVAL (%s) must be shorter than HUB_IDLE_TIMEOUT (%s)",
			c.HeartbeatInterval, c.IdleTimeout)
	}
	if c.ShutdownGracePeriod > c.ShutdownDeadline {
		return fmt.Errorf("HUB_SHUTDOWN_GRACE (%s) must not exceed HUB_SHUTDOWN_DEADLINE (%s)",
			c.ShutdownGracePeriod, c.ShutdownDeadline)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig dumps the effective configuration through the structured
// logger. Secrets are not logged.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("nats_url", c.NATSURL).
		Int("max_connections", c.MaxConnections).
		Int("max_payload_bytes", c.MaxPayloadBytes).
		Int("msg_burst", c.MessageBurst).
		Int("msg_per_minute", c.MessagesPerMinute).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("idle_timeout", c.IdleTimeout).
		Dur("shutdown_grace", c.ShutdownGracePeriod).
		Dur("shutdown_deadline", c.ShutdownDeadline).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
