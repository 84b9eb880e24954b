package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/diamond/internal/storage"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, storage.DriverMemory, cfg.Storage.Driver)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "diamond.yaml", `
server:
  addr: ":9090"
  shutdown_timeout: 3s
storage:
  driver: postgres
  dsn: postgres://localhost/diamond
executor:
  timeout: 250ms
audit:
  schedule: "@every 30s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, storage.DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, 250*time.Millisecond, cfg.Executor.Timeout)
	assert.Equal(t, "@every 30s", cfg.Audit.Schedule)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, "diamond.yaml", "server:\n  addr: \":9090\"\n")
	t.Setenv("DIAMOND_ADDR", ":7070")
	t.Setenv("DIAMOND_STORAGE_DRIVER", "redis")
	t.Setenv("DIAMOND_REDIS_ADDR", "localhost:6379")
	t.Setenv("DIAMOND_EXEC_TIMEOUT", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, storage.DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, "localhost:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 2*time.Second, cfg.Executor.Timeout)
}

func TestLoadEnvFile(t *testing.T) {
	envFile := writeFile(t, ".env", "DIAMOND_LOG_LEVEL=debug\n")
	t.Cleanup(func() { os.Unsetenv("DIAMOND_LOG_LEVEL") })

	cfg, err := Load("", envFile, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "server: [\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"negative rate", func(c *Config) { c.Server.RateLimit = -1 }},
		{"rate without burst", func(c *Config) { c.Server.RateBurst = 0 }},
		{"negative signature window", func(c *Config) { c.Server.SignatureWindow = -time.Second }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = storage.DriverPostgres }},
		{"redis without addr", func(c *Config) { c.Storage.Driver = storage.DriverRedis }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "etcd" }},
		{"zero timeout", func(c *Config) { c.Executor.Timeout = 0 }},
		{"bad owner", func(c *Config) { c.Registry.Owner = "nobody" }},
		{"audit without schedule", func(c *Config) { c.Audit.Schedule = "" }},
		{"zero buffer", func(c *Config) { c.Events.BufferSize = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
