package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 100, cfg.Session.DefaultMaxParticipants)
	assert.Equal(t, 100, cfg.Session.HistoryLimit)
	assert.Equal(t, 10*time.Second, cfg.Execution.Timeout)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Store.Driver = DriverSQLite; c.Store.SQLitePath = "" }},
		{"redis without url", func(c *Config) { c.Store.Driver = DriverRedis; c.Store.RedisURL = "" }},
		{"port out of range", func(c *Config) { c.HTTP.Port = 70000 }},
		{"zero read timeout", func(c *Config) { c.HTTP.ReadTimeout = 0 }},
		{"ping after pong wait", func(c *Config) { c.WebSocket.PingInterval = 2 * c.WebSocket.PongWait }},
		{"no send buffer", func(c *Config) { c.WebSocket.SendBuffer = 0 }},
		{"negative rate limit", func(c *Config) { c.WebSocket.RateLimit = -1 }},
		{"limit below default", func(c *Config) { c.Session.MaxParticipantsLimit = 10 }},
		{"zero history", func(c *Config) { c.Session.HistoryLimit = 0 }},
		{"zero sweep", func(c *Config) { c.Session.SweepInterval = 0 }},
		{"no workers", func(c *Config) { c.Execution.Workers = 0 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	cfg.Execution.Enabled = false
	cfg.Execution.Workers = 0
	assert.NoError(t, cfg.Validate(), "pool settings are ignored when execution is off")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CODESPACE_STORE_DRIVER", "sqlite")
	t.Setenv("CODESPACE_STORE_SQLITE_PATH", "/var/lib/codespace/db.sqlite")
	t.Setenv("CODESPACE_HTTP_PORT", "9090")
	t.Setenv("CODESPACE_HTTP_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("CODESPACE_SESSION_TYPING_SAMPLE_LIMIT", "50")
	t.Setenv("CODESPACE_EXECUTION_TIMEOUT", "3s")
	t.Setenv("CODESPACE_EXECUTION_LANGUAGES", "python,go")
	t.Setenv("CODESPACE_LOG_FORMAT", "console")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/var/lib/codespace/db.sqlite", cfg.Store.SQLitePath)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, 50, cfg.Session.TypingSampleLimit)
	assert.Equal(t, 3*time.Second, cfg.Execution.Timeout)
	assert.Equal(t, []string{"python", "go"}, cfg.Execution.Languages)
	assert.Equal(t, "console", cfg.Log.Format)

	assert.Equal(t, 30*time.Second, cfg.HTTP.ReadTimeout, "unset variables keep defaults")
}

func TestLoadFromEnv_InvalidValue(t *testing.T) {
	t.Setenv("CODESPACE_HTTP_PORT", "not-a-number")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := writeFile(t, "codespace.yaml", `
store:
  driver: redis
  redis_url: redis://cache:6379/2
http:
  port: 7000
session:
  history_limit: 50
  sweep_interval: 500ms
execution:
  mode: docker
  workers: 8
`)
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "redis://cache:6379/2", cfg.Store.RedisURL)
	assert.Equal(t, 7000, cfg.HTTP.Port)
	assert.Equal(t, 50, cfg.Session.HistoryLimit)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.SweepInterval)
	assert.Equal(t, "docker", cfg.Execution.Mode)
	assert.Equal(t, 8, cfg.Execution.Workers)
	assert.Equal(t, 64, cfg.Execution.QueueSize, "absent keys keep defaults")
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := writeFile(t, "codespace.json", `{"http": {"port": 8181}, "log": {"level": "debug"}}`)
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.HTTP.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "bad.yaml", "http: [unclosed"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "invalid.yaml", "http:\n  port: -1\n"))
	assert.Error(t, err)
}

func TestLoadConfigWithPrecedence(t *testing.T) {
	t.Setenv("CODESPACE_HTTP_PORT", "9090")
	t.Setenv("CODESPACE_LOG_LEVEL", "warn")
	path := writeFile(t, "codespace.yaml", "http:\n  port: 7000\n")

	cfg, err := LoadConfigWithPrecedence(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.HTTP.Port, "file beats environment")
	assert.Equal(t, "warn", cfg.Log.Level, "environment beats defaults")
	assert.Equal(t, "json", cfg.Log.Format)

	cfg, err = LoadConfigWithPrecedence("")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)

	_, err = LoadConfigWithPrecedence(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit file must exist")
}
