// Package config provides configuration for the argus service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ARGUS_SERVER_PORT.
const EnvPrefix = "ARGUS"

// Config holds the argus configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Retention RetentionConfig `mapstructure:"retention"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Policy    PolicyConfig    `mapstructure:"policy"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	APIKeys       []string      `mapstructure:"api_keys"`
	MaxQueryLimit int           `mapstructure:"max_query_limit"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path        string `mapstructure:"path"`
	JournalMode string `mapstructure:"journal_mode"`
}

// RetentionConfig controls the daily purge of old events.
type RetentionConfig struct {
	RetentionDays      int    `mapstructure:"retention_days"`
	CleanupTime        string `mapstructure:"cleanup_time"`
	VacuumAfterCleanup bool   `mapstructure:"vacuum_after_cleanup"`
}

// CleanupClock returns the hour and minute of CleanupTime.
func (r RetentionConfig) CleanupClock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", r.CleanupTime)
	if err != nil {
		return 0, 0, fmt.Errorf("cleanup_time must be valid 24-hour time (HH:MM): %q", r.CleanupTime)
	}
	return t.Hour(), t.Minute(), nil
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LifecycleConfig holds session/agent derivation settings.
type LifecycleConfig struct {
	IdleThreshold time.Duration `mapstructure:"idle_threshold"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// WebSocketConfig holds subscriber connection settings.
type WebSocketConfig struct {
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	QueueSize         int           `mapstructure:"queue_size"`
	MessagesPerSecond float64       `mapstructure:"messages_per_second"`
	MessageBurst      int           `mapstructure:"message_burst"`
}

// PolicyConfig points at an optional rego admission policy.
type PolicyConfig struct {
	Path string `mapstructure:"path"`
}

// DefaultPath returns ~/.config/argus/config.toml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "argus", "config.toml")
	}
	return filepath.Join(home, ".config", "argus", "config.toml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.max_query_limit", 1000)
	v.SetDefault("server.max_body_bytes", 64*1024)
	v.SetDefault("server.shutdown_grace", 10*time.Second)

	v.SetDefault("database.path", "~/.local/share/argus/events.db")
	v.SetDefault("database.journal_mode", "WAL")

	v.SetDefault("retention.retention_days", 30)
	v.SetDefault("retention.cleanup_time", "03:00")
	v.SetDefault("retention.vacuum_after_cleanup", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("lifecycle.idle_threshold", 5*time.Minute)
	v.SetDefault("lifecycle.flush_interval", 2*time.Second)

	v.SetDefault("websocket.ping_interval", 30*time.Second)
	v.SetDefault("websocket.write_timeout", 10*time.Second)
	v.SetDefault("websocket.read_timeout", 60*time.Second)
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.queue_size", 256)
	v.SetDefault("websocket.messages_per_second", 20.0)
	v.SetDefault("websocket.message_burst", 40)

	v.SetDefault("policy.path", "")
}

// Load reads the TOML file at path (DefaultPath when empty) and applies
// ARGUS_* environment overrides. A missing file at the default location is
// not an error; a missing file that was asked for explicitly is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	// Env values for list keys arrive as a single string.
	if raw := os.Getenv(EnvPrefix + "_SERVER_API_KEYS"); raw != "" {
		cfg.Server.APIKeys = splitList(raw)
	}

	cfg.Database.Path = expandHome(cfg.Database.Path)
	cfg.Policy.Path = expandHome(cfg.Policy.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Server.APIKeys) == 0 {
		errs = append(errs, errors.New("server.api_keys must contain at least one key"))
	}
	seen := make(map[string]struct{}, len(c.Server.APIKeys))
	for _, k := range c.Server.APIKeys {
		if k == "" {
			errs = append(errs, errors.New("server.api_keys must not contain empty keys"))
			continue
		}
		if _, dup := seen[k]; dup {
			errs = append(errs, errors.New("server.api_keys must be unique"))
		}
		seen[k] = struct{}{}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.MaxQueryLimit < 1 {
		errs = append(errs, errors.New("server.max_query_limit must be at least 1"))
	}
	if c.Server.MaxBodyBytes < 1 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}

	switch strings.ToUpper(c.Database.JournalMode) {
	case "WAL", "DELETE", "TRUNCATE", "PERSIST", "MEMORY", "OFF":
	default:
		errs = append(errs, fmt.Errorf("database.journal_mode not supported: %q", c.Database.JournalMode))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}

	if c.Retention.RetentionDays < 1 {
		errs = append(errs, errors.New("retention.retention_days must be at least 1"))
	}
	if _, _, err := c.Retention.CleanupClock(); err != nil {
		errs = append(errs, fmt.Errorf("retention.%w", err))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug, info, warn or error: %q", c.Logging.Level))
	}

	if c.Lifecycle.IdleThreshold <= 0 {
		errs = append(errs, errors.New("lifecycle.idle_threshold must be positive"))
	}
	if c.Lifecycle.FlushInterval <= 0 {
		errs = append(errs, errors.New("lifecycle.flush_interval must be positive"))
	}
	if c.WebSocket.QueueSize < 1 {
		errs = append(errs, errors.New("websocket.queue_size must be at least 1"))
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		errs = append(errs, errors.New("websocket.read_timeout must exceed websocket.ping_interval"))
	}

	return errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
