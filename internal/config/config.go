// Package config loads and validates opsync configuration using Viper.
//
// Values come from defaults, then an optional YAML file, then OPSYNC_* environment
// variables (OPSYNC_SYNC_BATCH_SIZE overrides sync.batch_size).
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

// Config holds the full application configuration.
type Config struct {
	DataDir string        `mapstructure:"data_dir"`
	Device  DeviceConfig  `mapstructure:"device"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Auth    AuthConfig    `mapstructure:"auth"`
	API     APIConfig     `mapstructure:"api"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// DeviceConfig identifies this installation. An empty ID is generated and persisted on first run.
type DeviceConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
	// Role scopes which entity types are pulled.
	Role string `mapstructure:"role"`
}

// RemoteConfig points at the remote authority.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig tunes the coordinator and mutation queue.
type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	QueueInterval time.Duration `mapstructure:"queue_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	// Strategy is the non-financial conflict strategy: client_wins, server_wins or merged.
	Strategy string `mapstructure:"strategy"`
}

// AgentConfig tunes the background retry agent.
type AgentConfig struct {
	Retention   time.Duration `mapstructure:"retention"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
}

// AuthConfig tunes the token manager.
type AuthConfig struct {
	// Skew treats tokens expiring within this window as already expired.
	Skew time.Duration `mapstructure:"skew"`
}

// APIConfig configures the local HTTP bridge.
type APIConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig configures the logrus logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// TracingConfig enables span export. Tracing is a no-op unless Enabled is set.
type TracingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Service string `mapstructure:"service"`
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("data_dir", filepath.Join(home, ".opsync"))
	v.SetDefault("device.type", "desktop")
	v.SetDefault("device.role", "admin")
	v.SetDefault("remote.base_url", "http://localhost:8000/api/v1")
	v.SetDefault("remote.timeout", 10*time.Second)
	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.queue_interval", time.Minute)
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.backoff_base", 30*time.Second)
	v.SetDefault("sync.backoff_max", time.Hour)
	v.SetDefault("sync.strategy", "server_wins")
	v.SetDefault("agent.retention", 7*24*time.Hour)
	v.SetDefault("agent.min_interval", 30*time.Second)
	v.SetDefault("agent.max_interval", 30*time.Minute)
	v.SetDefault("auth.skew", 30*time.Second)
	v.SetDefault("api.addr", "127.0.0.1:7420")
	v.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.service", "opsync")
}

// Load builds Config from defaults, the file at path (if non-empty and present) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir must be set")
	}
	if c.Remote.BaseURL == "" {
		return errors.New("config: remote.base_url must be set")
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("config: sync.batch_size must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		return errors.New("config: sync.max_attempts must be positive")
	}
	switch c.Sync.Strategy {
	case "client_wins", "server_wins", "merged":
	default:
		return fmt.Errorf("config: sync.strategy %q is not one of client_wins, server_wins, merged", c.Sync.Strategy)
	}
	if c.Agent.Retention <= 0 {
		return errors.New("config: agent.retention must be positive")
	}
	return nil
}

// RemoteTimeout returns the per-call timeout. Returns 10s if unset.
func (c *Config) RemoteTimeout() time.Duration {
	if c.Remote.Timeout <= 0 {
		return 10 * time.Second
	}
	return c.Remote.Timeout
}

// DBPath is the main SQLite file.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "opsync.db") }

// RetryDBPath is the agent's outbox SQLite file.
func (c *Config) RetryDBPath() string { return filepath.Join(c.DataDir, "retry.db") }

// NotifyDir is the spool directory the agent writes outcomes to.
func (c *Config) NotifyDir() string { return filepath.Join(c.DataDir, "notify") }

// LockPath guards a single sync worker per data dir.
func (c *Config) LockPath() string { return filepath.Join(c.DataDir, "sync.lock") }

// AgentLockPath guards a single retry agent per data dir.
func (c *Config) AgentLockPath() string { return filepath.Join(c.DataDir, "agent.lock") }

// SecretPath is the device secret used to seal stored credentials.
func (c *Config) SecretPath() string { return filepath.Join(c.DataDir, "device.key") }
