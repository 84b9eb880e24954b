// Package config loads the diamond daemon configuration. Values come from a
// YAML file, then from a .env file, then from the process environment, each
// layer overriding the previous one.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/diamond/internal/auth"
	"github.com/R3E-Network/diamond/internal/executor"
	"github.com/R3E-Network/diamond/internal/logging"
	"github.com/R3E-Network/diamond/internal/storage"
)

// Config is the complete daemon configuration.
type Config struct {
	Server   ServerConfig          `yaml:"server"`
	Logging  logging.LoggingConfig `yaml:"logging"`
	Storage  storage.Config        `yaml:"storage"`
	Executor executor.Config       `yaml:"executor"`
	Registry RegistryConfig        `yaml:"registry"`
	Audit    AuditConfig           `yaml:"audit"`
	Events   EventsConfig          `yaml:"events"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"DIAMOND_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"DIAMOND_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"DIAMOND_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"DIAMOND_SHUTDOWN_TIMEOUT"`
	// RateLimit is the sustained calls per second allowed per client on
	// /v1/call. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" env:"DIAMOND_RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" env:"DIAMOND_RATE_BURST"`
	// SignatureWindow is how far the timestamp of a signed request may be
	// from the server clock.
	SignatureWindow time.Duration `yaml:"signature_window" env:"DIAMOND_SIGNATURE_WINDOW"`
}

// RegistryConfig configures the registry itself.
type RegistryConfig struct {
	// Owner is the initial owner as a Neo address or 0x script hash. It is
	// only used when no owner has been persisted yet.
	Owner string `yaml:"owner" env:"DIAMOND_OWNER"`
	// Namespace prefixes every Prometheus metric.
	Namespace string `yaml:"namespace" env:"DIAMOND_METRICS_NAMESPACE"`
}

// AuditConfig configures the periodic route table audit.
type AuditConfig struct {
	Enabled  bool   `yaml:"enabled" env:"DIAMOND_AUDIT_ENABLED"`
	Schedule string `yaml:"schedule" env:"DIAMOND_AUDIT_SCHEDULE"`
}

// EventsConfig configures the in-memory audit event buffer.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size" env:"DIAMOND_EVENT_BUFFER"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       50,
			RateBurst:       100,
			SignatureWindow: 5 * time.Minute,
		},
		Logging: logging.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Storage: storage.Config{
			Driver: storage.DriverMemory,
		},
		Executor: executor.Config{
			Timeout: executor.DefaultTimeout,
		},
		Registry: RegistryConfig{
			Namespace: "diamond",
		},
		Audit: AuditConfig{
			Enabled:  true,
			Schedule: "@every 1m",
		},
		Events: EventsConfig{
			BufferSize: 1000,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies the
// given .env files and the environment, and validates the result. Missing
// .env files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return errors.New("server.rate_limit and server.rate_burst must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst == 0 {
		return errors.New("server.rate_burst is required when rate limiting is enabled")
	}
	if c.Server.SignatureWindow < 0 {
		return errors.New("server.signature_window must not be negative")
	}
	switch c.Storage.Driver {
	case "", storage.DriverMemory:
	case storage.DriverPostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	case storage.DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return errors.New("storage.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if c.Executor.Timeout <= 0 {
		return errors.New("executor.timeout must be positive")
	}
	if c.Registry.Owner != "" {
		if _, err := auth.ParseAccount(c.Registry.Owner); err != nil {
			return fmt.Errorf("registry.owner: %w", err)
		}
	}
	if c.Audit.Enabled && strings.TrimSpace(c.Audit.Schedule) == "" {
		return errors.New("audit.schedule is required when the audit is enabled")
	}
	if c.Events.BufferSize <= 0 {
		return errors.New("events.buffer_size must be positive")
	}
	return nil
}
