// Package config loads and validates server configuration.
//
// Values come from an optional relay.yaml plus RELAY_* environment variables;
// every tunable has a production default. All values are fixed at
// construction: nothing re-reads configuration at runtime.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Server holds HTTP transport settings.
type Server struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
}

// Broadcaster holds the event core tunables.
type Broadcaster struct {
	// MaxQueueSize bounds each subscriber queue, in frames.
	MaxQueueSize int `mapstructure:"max_queue_size"`

	// MaxHistoryPerSession bounds each session's replay history, in events.
	MaxHistoryPerSession int `mapstructure:"max_history_per_session"`

	// EventTTL bounds how long history entries stay replayable.
	EventTTL time.Duration `mapstructure:"event_ttl"`

	// SessionTTL bounds how long an idle session survives.
	SessionTTL time.Duration `mapstructure:"session_ttl"`

	// CleanupInterval is the period of the expiry cycle.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	// MaxSubscriberIdleTime is how long a pop waits before a keepalive.
	MaxSubscriberIdleTime time.Duration `mapstructure:"max_subscriber_idle_time"`

	// Memory thresholds are observability-only: crossing them logs, nothing
	// is evicted beyond the usual size/TTL bounds.
	MemoryWarningThreshold  int64 `mapstructure:"memory_warning_threshold"`
	MemoryCriticalThreshold int64 `mapstructure:"memory_critical_threshold"`

	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// Log holds logging settings.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full immutable server configuration.
type Config struct {
	Server      Server      `mapstructure:"server"`
	Broadcaster Broadcaster `mapstructure:"broadcaster"`
	Log         Log         `mapstructure:"log"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Server: Server{
			Host:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"*"},
			ReadTimeout:    30 * time.Second,
			IdleTimeout:    120 * time.Second,
		},
		Broadcaster: Broadcaster{
			MaxQueueSize:            256,
			MaxHistoryPerSession:    1000,
			EventTTL:                time.Hour,
			SessionTTL:              2 * time.Hour,
			CleanupInterval:         time.Minute,
			MaxSubscriberIdleTime:   30 * time.Second,
			MemoryWarningThreshold:  64 << 20,
			MemoryCriticalThreshold: 256 << 20,
			EnableMetrics:           true,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the given file (optional; empty means search
// the working directory), layers RELAY_* environment variables on top of the
// defaults, and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()

	defaults := Default()
	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	v.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	v.SetDefault("server.idle_timeout", defaults.Server.IdleTimeout)
	v.SetDefault("broadcaster.max_queue_size", defaults.Broadcaster.MaxQueueSize)
	v.SetDefault("broadcaster.max_history_per_session", defaults.Broadcaster.MaxHistoryPerSession)
	v.SetDefault("broadcaster.event_ttl", defaults.Broadcaster.EventTTL)
	v.SetDefault("broadcaster.session_ttl", defaults.Broadcaster.SessionTTL)
	v.SetDefault("broadcaster.cleanup_interval", defaults.Broadcaster.CleanupInterval)
	v.SetDefault("broadcaster.max_subscriber_idle_time", defaults.Broadcaster.MaxSubscriberIdleTime)
	v.SetDefault("broadcaster.memory_warning_threshold", defaults.Broadcaster.MemoryWarningThreshold)
	v.SetDefault("broadcaster.memory_critical_threshold", defaults.Broadcaster.MemoryCriticalThreshold)
	v.SetDefault("broadcaster.enable_metrics", defaults.Broadcaster.EnableMetrics)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.relay")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run. Construction is the only
// place bad tunables can be caught; after this the broadcaster trusts them.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	b := c.Broadcaster
	if b.MaxQueueSize <= 0 {
		return fmt.Errorf("broadcaster.max_queue_size must be positive, got %d", b.MaxQueueSize)
	}
	if b.MaxHistoryPerSession <= 0 {
		return fmt.Errorf("broadcaster.max_history_per_session must be positive, got %d", b.MaxHistoryPerSession)
	}
	if b.EventTTL <= 0 {
		return fmt.Errorf("broadcaster.event_ttl must be positive, got %s", b.EventTTL)
	}
	if b.SessionTTL <= 0 {
		return fmt.Errorf("broadcaster.session_ttl must be positive, got %s", b.SessionTTL)
	}
	if b.CleanupInterval <= 0 {
		return fmt.Errorf("broadcaster.cleanup_interval must be positive, got %s", b.CleanupInterval)
	}
	if b.MaxSubscriberIdleTime <= 0 {
		return fmt.Errorf("broadcaster.max_subscriber_idle_time must be positive, got %s", b.MaxSubscriberIdleTime)
	}
	if b.MemoryWarningThreshold < 0 || b.MemoryCriticalThreshold < 0 {
		return fmt.Errorf("memory thresholds must be non-negative")
	}
	if b.MemoryCriticalThreshold > 0 && b.MemoryWarningThreshold > b.MemoryCriticalThreshold {
		return fmt.Errorf("broadcaster.memory_warning_threshold %d exceeds critical threshold %d",
			b.MemoryWarningThreshold, b.MemoryCriticalThreshold)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q", c.Log.Format)
	}
	return nil
}
