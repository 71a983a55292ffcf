// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads overpos settings from defaults, an optional
// overpos.yaml, OVERPOS_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/AlvaFG/restaurant-digital-sub001/internal/logging"
	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

const (
	EnvPrefix  = "OVERPOS"
	ConfigName = "overpos"
)

type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type RemoteConfig struct {
	URL       string `mapstructure:"url" yaml:"url"`
	Token     string `mapstructure:"token" yaml:"token"`
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	UserID    string `mapstructure:"user_id" yaml:"user_id"`
}

type ServerConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`
	Schema      string `mapstructure:"schema" yaml:"schema"`
}

type SyncConfig struct {
	PeriodicInterval time.Duration `mapstructure:"periodic_interval" yaml:"periodic_interval"`
	ReconnectSettle  time.Duration `mapstructure:"reconnect_settle" yaml:"reconnect_settle"`
	BaseDelay        time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryJitter      time.Duration `mapstructure:"retry_jitter" yaml:"retry_jitter"`
	PullEnabled      bool          `mapstructure:"pull_enabled" yaml:"pull_enabled"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// Config is the full settings tree.
type Config struct {
	Store  StoreConfig  `mapstructure:"store" yaml:"store"`
	Remote RemoteConfig `mapstructure:"remote" yaml:"remote"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Sync   SyncConfig   `mapstructure:"sync" yaml:"sync"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

func setDefaults(v *viper.Viper) {
	engine := oversync.DefaultEngineConfig()

	v.SetDefault("store.path", "overpos.db")
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.jwt_secret", "")
	v.SetDefault("remote.user_id", "")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.database_url", "")
	v.SetDefault("server.schema", "pos")
	v.SetDefault("sync.periodic_interval", engine.PeriodicInterval)
	v.SetDefault("sync.reconnect_settle", engine.ReconnectSettle)
	v.SetDefault("sync.base_delay", engine.BaseDelay)
	v.SetDefault("sync.max_delay", engine.MaxDelay)
	v.SetDefault("sync.max_retries", engine.MaxRetries)
	v.SetDefault("sync.retry_jitter", time.Duration(0))
	v.SetDefault("sync.pull_enabled", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
}

// Manager owns the viper instance and the last decoded Config.
type Manager struct {
	v *viper.Viper

	mu  sync.RWMutex
	cfg *Config
}

// Load reads configuration. configFile may be empty, in which case
// overpos.yaml is looked up in the working directory and is optional.
// flags maps config keys to command-line flags, which override everything
// else when the user set them.
func Load(configFile string, flags map[string]*pflag.Flag) (*Manager, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag.Name, err)
		}
	}

	m := &Manager{v: v}
	cfg, err := m.decode()
	if err != nil {
		return nil, err
	}
	m.cfg = cfg
	return m, nil
}

func (m *Manager) decode() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Config returns the current settings.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// ConfigFile returns the file in use, empty when running on defaults.
func (m *Manager) ConfigFile() string {
	return m.v.ConfigFileUsed()
}

// Watch re-reads the config file on change and calls onChange with the new
// settings. Invalid edits are logged and ignored. Without a config file
// Watch does nothing.
func (m *Manager) Watch(logger *slog.Logger, onChange func(*Config)) {
	if m.ConfigFile() == "" {
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := m.decode()
		if err != nil {
			logger.Warn("Ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		m.mu.Lock()
		m.cfg = cfg
		m.mu.Unlock()
		logger.Debug("Config reloaded", "file", e.Name)
		if onChange != nil {
			onChange(cfg)
		}
	})
	m.v.WatchConfig()
}

// Validate checks the values a config file or environment can get wrong.
func (c *Config) Validate() error {
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.BaseDelay <= 0 || c.Sync.MaxDelay < c.Sync.BaseDelay {
		return fmt.Errorf("sync.base_delay (%s) must be positive and not above sync.max_delay (%s)",
			c.Sync.BaseDelay, c.Sync.MaxDelay)
	}
	if c.Sync.PeriodicInterval <= 0 {
		return fmt.Errorf("sync.periodic_interval must be positive, got %s", c.Sync.PeriodicInterval)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// EngineConfig maps the sync section onto the engine settings.
func (c *Config) EngineConfig() *oversync.EngineConfig {
	cfg := oversync.DefaultEngineConfig()
	cfg.PeriodicInterval = c.Sync.PeriodicInterval
	cfg.ReconnectSettle = c.Sync.ReconnectSettle
	cfg.BaseDelay = c.Sync.BaseDelay
	cfg.MaxDelay = c.Sync.MaxDelay
	cfg.MaxRetries = c.Sync.MaxRetries
	cfg.RetryJitter = c.Sync.RetryJitter
	cfg.PullEnabled = c.Sync.PullEnabled
	return cfg
}

// LoggingOptions maps the log section onto logger options.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
	}
}
