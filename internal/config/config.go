// Package config loads server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full server configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Auth         AuthConfig         `yaml:"auth"`
	MessageQueue MessageQueueConfig `yaml:"message_queue"`
	Processor    ProcessorConfig    `yaml:"processor"`
	ConfigPush   ConfigPushConfig   `yaml:"config_push"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Listen         string   `yaml:"listen"`
	AdminToken     string   `yaml:"admin_token"` // bearer token for the admin REST slice
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig selects the SQL driver and target.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// AuthConfig covers the agent auth handshake.
type AuthConfig struct {
	TokenSecret               string `yaml:"token_secret"` // HMAC key for connection tokens
	ConnectionTokenTTLSeconds int    `yaml:"connection_token_ttl_seconds"`
	RateLimitWindowSeconds    int    `yaml:"rate_limit_window_seconds"`
	RateLimitAttempts         int    `yaml:"rate_limit_attempts"`
	HandshakeTimeoutSeconds   int    `yaml:"handshake_timeout_seconds"`
}

// MessageQueueConfig covers queued message lifecycle windows.
type MessageQueueConfig struct {
	ExpirationTimeoutMinutes int `yaml:"expiration_timeout_minutes"`
	CleanupAfterDays         int `yaml:"cleanup_after_days"`
}

// ProcessorConfig covers the inbound processor loop.
type ProcessorConfig struct {
	StuckInProgressSeconds int `yaml:"stuck_in_progress_seconds"`
	HostBatchSize          int `yaml:"host_batch_size"`
	PollIntervalSeconds    int `yaml:"poll_interval_seconds"`
}

// ConfigPushConfig covers versioned config distribution.
type ConfigPushConfig struct {
	EncryptionKey string `yaml:"encryption_key"` // hex, 32 bytes; empty = plaintext config pushes
}

// MonitoringConfig covers host liveness tracking.
type MonitoringConfig struct {
	HeartbeatTimeoutMinutes int `yaml:"heartbeat_timeout_minutes"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in defaults before file and env overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: ":8000",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "data/sysmanage.db",
		},
		Auth: AuthConfig{
			ConnectionTokenTTLSeconds: 3600,
			RateLimitWindowSeconds:    900,
			RateLimitAttempts:         5,
			HandshakeTimeoutSeconds:   10,
		},
		MessageQueue: MessageQueueConfig{
			ExpirationTimeoutMinutes: 60,
			CleanupAfterDays:         7,
		},
		Processor: ProcessorConfig{
			StuckInProgressSeconds: 30,
			HostBatchSize:          10,
			PollIntervalSeconds:    5,
		},
		Monitoring: MonitoringConfig{
			HeartbeatTimeoutMinutes: 5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads the YAML file at path (if non-empty), applies SYSMANAGE_*
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Listen = getEnv("SYSMANAGE_LISTEN", c.Server.Listen)
	c.Server.AdminToken = getEnv("SYSMANAGE_ADMIN_TOKEN", c.Server.AdminToken)
	c.Database.Driver = getEnv("SYSMANAGE_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("SYSMANAGE_DB_DSN", c.Database.DSN)
	c.Auth.TokenSecret = getEnv("SYSMANAGE_TOKEN_SECRET", c.Auth.TokenSecret)
	c.ConfigPush.EncryptionKey = getEnv("SYSMANAGE_CONFIG_KEY", c.ConfigPush.EncryptionKey)
	c.Logging.Level = getEnv("SYSMANAGE_LOG_LEVEL", c.Logging.Level)
	c.Logging.JSON = parseBool("SYSMANAGE_LOG_JSON", c.Logging.JSON)
	c.Metrics.Enabled = parseBool("SYSMANAGE_METRICS", c.Metrics.Enabled)

	c.Auth.ConnectionTokenTTLSeconds = parseInt("SYSMANAGE_TOKEN_TTL_SECONDS", c.Auth.ConnectionTokenTTLSeconds)
	c.Auth.RateLimitWindowSeconds = parseInt("SYSMANAGE_RATE_WINDOW_SECONDS", c.Auth.RateLimitWindowSeconds)
	c.Auth.RateLimitAttempts = parseInt("SYSMANAGE_RATE_ATTEMPTS", c.Auth.RateLimitAttempts)
	c.MessageQueue.ExpirationTimeoutMinutes = parseInt("SYSMANAGE_QUEUE_EXPIRATION_MINUTES", c.MessageQueue.ExpirationTimeoutMinutes)
	c.Processor.StuckInProgressSeconds = parseInt("SYSMANAGE_STUCK_SECONDS", c.Processor.StuckInProgressSeconds)
	c.Processor.HostBatchSize = parseInt("SYSMANAGE_HOST_BATCH", c.Processor.HostBatchSize)
	c.Processor.PollIntervalSeconds = parseInt("SYSMANAGE_POLL_SECONDS", c.Processor.PollIntervalSeconds)
}

// Validate collects every configuration problem into a single error.
func (c *Config) Validate() error {
	var errs []string

	if c.Auth.TokenSecret == "" {
		errs = append(errs, "auth.token_secret is required (or SYSMANAGE_TOKEN_SECRET)")
	} else if len(c.Auth.TokenSecret) < 32 {
		errs = append(errs, "auth.token_secret must be at least 32 characters")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		errs = append(errs, fmt.Sprintf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	if c.Auth.ConnectionTokenTTLSeconds <= 0 {
		errs = append(errs, "auth.connection_token_ttl_seconds must be positive")
	}
	if c.Auth.RateLimitWindowSeconds <= 0 {
		errs = append(errs, "auth.rate_limit_window_seconds must be positive")
	}
	if c.Processor.HostBatchSize <= 0 {
		errs = append(errs, "processor.host_batch_size must be positive")
	}
	if c.Processor.StuckInProgressSeconds <= 0 {
		errs = append(errs, "processor.stuck_in_progress_seconds must be positive")
	}
	if c.MessageQueue.ExpirationTimeoutMinutes <= 0 {
		errs = append(errs, "message_queue.expiration_timeout_minutes must be positive")
	}
	if c.ConfigPush.EncryptionKey != "" {
		key, err := hex.DecodeString(c.ConfigPush.EncryptionKey)
		if err != nil || len(key) != 32 {
			errs = append(errs, "config_push.encryption_key must be 64 hex characters (32 bytes)")
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// EncryptionKey decodes the config push key, nil when unset.
func (c *Config) EncryptionKey() []byte {
	if c.ConfigPush.EncryptionKey == "" {
		return nil
	}
	key, err := hex.DecodeString(c.ConfigPush.EncryptionKey)
	if err != nil {
		return nil
	}
	return key
}

// ConnectionTokenTTL returns the auth token lifetime.
func (c *Config) ConnectionTokenTTL() time.Duration {
	return time.Duration(c.Auth.ConnectionTokenTTLSeconds) * time.Second
}

// RateLimitWindow returns the auth rate limit window.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.Auth.RateLimitWindowSeconds) * time.Second
}

// HandshakeTimeout returns how long a new session may go without
// delivering system_info before it is closed.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Auth.HandshakeTimeoutSeconds) * time.Second
}

// ExpirationTimeout returns the age at which queued messages expire.
func (c *Config) ExpirationTimeout() time.Duration {
	return time.Duration(c.MessageQueue.ExpirationTimeoutMinutes) * time.Minute
}

// CleanupAge returns the retention age for terminal queue rows.
func (c *Config) CleanupAge() time.Duration {
	return time.Duration(c.MessageQueue.CleanupAfterDays) * 24 * time.Hour
}

// StuckThreshold returns the age at which IN_PROGRESS rows are reset.
func (c *Config) StuckThreshold() time.Duration {
	return time.Duration(c.Processor.StuckInProgressSeconds) * time.Second
}

// PollInterval returns the processor wakeup interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Processor.PollIntervalSeconds) * time.Second
}

// HeartbeatTimeout returns the silence after which a host is marked down.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Monitoring.HeartbeatTimeoutMinutes) * time.Minute
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
