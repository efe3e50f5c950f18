package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the server reads.
const EnvPrefix = "CODESPACE_"

// Store drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Store     StoreConfig     `yaml:"store" envPrefix:"STORE_"`
	HTTP      HTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
	WebSocket WebSocketConfig `yaml:"websocket" envPrefix:"WEBSOCKET_"`
	Session   SessionConfig   `yaml:"session" envPrefix:"SESSION_"`
	Execution ExecutionConfig `yaml:"execution" envPrefix:"EXECUTION_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`
}

// StoreConfig selects and tunes the session store backend.
type StoreConfig struct {
	Driver         string        `yaml:"driver" env:"DRIVER"`
	SQLitePath     string        `yaml:"sqlite_path" env:"SQLITE_PATH"`
	MigrationsPath string        `yaml:"migrations_path" env:"MIGRATIONS_PATH"`
	RedisURL       string        `yaml:"redis_url" env:"REDIS_URL"`
	RedisKeyPrefix string        `yaml:"redis_key_prefix" env:"REDIS_KEY_PREFIX"`
	RedisTTL       time.Duration `yaml:"redis_ttl" env:"REDIS_TTL"`
}

// HTTPConfig balances performance and reliability for the API listener.
type HTTPConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// WebSocketConfig tunes each realtime connection.
type WebSocketConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	PongWait       time.Duration `yaml:"pong_wait" env:"PONG_WAIT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	SendBuffer     int           `yaml:"send_buffer" env:"SEND_BUFFER"`
	MaxMessageSize int64         `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	CloseGrace     time.Duration `yaml:"close_grace" env:"CLOSE_GRACE"`
	// RateLimit caps inbound messages per user per minute; 0 disables it.
	RateLimit int `yaml:"rate_limit" env:"RATE_LIMIT"`
}

// SessionConfig holds the engine limits.
type SessionConfig struct {
	DefaultMaxParticipants int           `yaml:"default_max_participants" env:"DEFAULT_MAX_PARTICIPANTS"`
	MaxParticipantsLimit   int           `yaml:"max_participants_limit" env:"MAX_PARTICIPANTS_LIMIT"`
	HistoryLimit           int           `yaml:"history_limit" env:"HISTORY_LIMIT"`
	MaxCodeSize            int           `yaml:"max_code_size" env:"MAX_CODE_SIZE"`
	MaxTimerMinutes        int           `yaml:"max_timer_minutes" env:"MAX_TIMER_MINUTES"`
	TypingSampleLimit      int           `yaml:"typing_sample_limit" env:"TYPING_SAMPLE_LIMIT"`
	SweepInterval          time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// ExecutionConfig configures the code runner and its worker pool.
type ExecutionConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Mode         string        `yaml:"mode" env:"MODE"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
	OutputLimit  int           `yaml:"output_limit" env:"OUTPUT_LIMIT"`
	MemoryLimit  string        `yaml:"memory_limit" env:"MEMORY_LIMIT"`
	CPULimit     string        `yaml:"cpu_limit" env:"CPU_LIMIT"`
	DockerBinary string        `yaml:"docker_binary" env:"DOCKER_BINARY"`
	WorkDir      string        `yaml:"work_dir" env:"WORK_DIR"`
	Languages    []string      `yaml:"languages" env:"LANGUAGES" envSeparator:","`
	Workers      int           `yaml:"workers" env:"WORKERS"`
	QueueSize    int           `yaml:"queue_size" env:"QUEUE_SIZE"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// DefaultConfig returns production-ready defaults: in-memory store, API on
// :8080, local execution with four workers.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:         DriverMemory,
			SQLitePath:     "./data/codespace.db",
			RedisURL:       "redis://localhost:6379/0",
			RedisKeyPrefix: "codespace:",
			RedisTTL:       24 * time.Hour,
		},
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:   30 * time.Second,
			PongWait:       60 * time.Second,
			WriteTimeout:   5 * time.Second,
			SendBuffer:     256,
			MaxMessageSize: 2 << 20,
			CloseGrace:     250 * time.Millisecond,
			RateLimit:      600,
		},
		Session: SessionConfig{
			DefaultMaxParticipants: 100,
			MaxParticipantsLimit:   1000,
			HistoryLimit:           100,
			MaxCodeSize:            1 << 20,
			MaxTimerMinutes:        24 * 60,
			SweepInterval:          time.Second,
		},
		Execution: ExecutionConfig{
			Enabled:      true,
			Mode:         "local",
			Timeout:      10 * time.Second,
			OutputLimit:  64 * 1024,
			MemoryLimit:  "128m",
			CPULimit:     "0.5",
			DockerBinary: "docker",
			Workers:      4,
			QueueSize:    64,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path cannot be empty for the sqlite driver")
		}
	case DriverRedis:
		if c.Store.RedisURL == "" {
			return errors.New("store.redis_url cannot be empty for the redis driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q (want memory, sqlite or redis)", c.Store.Driver)
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP shutdown timeout must be positive")
	}

	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongWait <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket intervals must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		return errors.New("WebSocket ping interval must be shorter than pong wait")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return errors.New("WebSocket send buffer must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return errors.New("WebSocket max message size must be positive")
	}
	if c.WebSocket.RateLimit < 0 {
		return errors.New("WebSocket rate limit cannot be negative")
	}

	s := c.Session
	if s.DefaultMaxParticipants <= 0 || s.MaxParticipantsLimit < s.DefaultMaxParticipants {
		return errors.New("session participant limits must be positive and limit >= default")
	}
	if s.HistoryLimit <= 0 {
		return errors.New("session history limit must be positive")
	}
	if s.MaxCodeSize <= 0 {
		return errors.New("session max code size must be positive")
	}
	if s.MaxTimerMinutes <= 0 {
		return errors.New("session max timer minutes must be positive")
	}
	if s.TypingSampleLimit < 0 {
		return errors.New("session typing sample limit cannot be negative")
	}
	if s.SweepInterval <= 0 {
		return errors.New("session sweep interval must be positive")
	}

	if c.Execution.Enabled {
		if c.Execution.Workers <= 0 || c.Execution.QueueSize <= 0 {
			return errors.New("execution workers and queue size must be positive")
		}
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q (want json or console)", c.Log.Format)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// applyEnv overlays CODESPACE_* variables; unset variables leave fields alone.
func applyEnv(c *Config) error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env config: %w", err)
	}
	return nil
}

// applyFile overlays a YAML (or JSON) file; absent keys leave fields alone.
func applyFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv returns defaults overridden by the environment.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromFile returns defaults overridden by the file at path.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyFile(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigWithPrecedence layers defaults < environment < file. An empty
// path skips the file.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
