// Package config loads lq configuration from defaults, an optional config
// file, LQ_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. LQ_SERVER_ADDR.
const EnvPrefix = "LQ"

var envReplacer = strings.NewReplacer(".", "_")

// Config is the effective lq configuration.
type Config struct {
	// Dir holds the entities directory and the store database
	Dir string `mapstructure:"dir" toml:"dir" yaml:"dir"`

	Log    LogConfig    `mapstructure:"log" toml:"log" yaml:"log"`
	Store  StoreConfig  `mapstructure:"store" toml:"store" yaml:"store"`
	Server ServerConfig `mapstructure:"server" toml:"server" yaml:"server"`
	Watch  WatchConfig  `mapstructure:"watch" toml:"watch" yaml:"watch"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string `mapstructure:"level" toml:"level" yaml:"level"`
	Format     string `mapstructure:"format" toml:"format" yaml:"format"`
	File       string `mapstructure:"file" toml:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days" yaml:"max_age_days"`
}

// StoreConfig configures the entity store and the file sync daemon.
type StoreConfig struct {
	Debounce         time.Duration `mapstructure:"debounce" toml:"debounce" yaml:"debounce"`
	FileDebounce     time.Duration `mapstructure:"file_debounce" toml:"file_debounce" yaml:"file_debounce"`
	FullSyncInterval time.Duration `mapstructure:"full_sync_interval" toml:"full_sync_interval" yaml:"full_sync_interval"`
}

// ServerConfig configures lq serve.
type ServerConfig struct {
	Addr string `mapstructure:"addr" toml:"addr" yaml:"addr"`
}

// WatchConfig configures lq watch.
type WatchConfig struct {
	URL               string        `mapstructure:"url" toml:"url" yaml:"url"`
	PageSize          int           `mapstructure:"page_size" toml:"page_size" yaml:"page_size"`
	Limit             int           `mapstructure:"limit" toml:"limit" yaml:"limit"`
	RetryInterval     time.Duration `mapstructure:"retry_interval" toml:"retry_interval" yaml:"retry_interval"`
	RetryMultiplier   float64       `mapstructure:"retry_multiplier" toml:"retry_multiplier" yaml:"retry_multiplier"`
	RetryMaxInterval  time.Duration `mapstructure:"retry_max_interval" toml:"retry_max_interval" yaml:"retry_max_interval"`
	InhibitDelay      time.Duration `mapstructure:"inhibit_delay" toml:"inhibit_delay" yaml:"inhibit_delay"`
	ExpandedPageCount int           `mapstructure:"expanded_page_count" toml:"expanded_page_count" yaml:"expanded_page_count"`
}

// EntitiesDir returns the directory holding {id}.json entity files.
func (c *Config) EntitiesDir() string {
	return filepath.Join(c.Dir, "entities")
}

// DBPath returns the store database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.Dir, "entities.db")
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("dir", ".beads-live")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)

	v.SetDefault("store.debounce", 50*time.Millisecond)
	v.SetDefault("store.file_debounce", 100*time.Millisecond)
	v.SetDefault("store.full_sync_interval", 5*time.Minute)

	v.SetDefault("server.addr", "127.0.0.1:7420")

	v.SetDefault("watch.url", "ws://127.0.0.1:7420/ws")
	v.SetDefault("watch.page_size", 50)
	v.SetDefault("watch.limit", 200)
	v.SetDefault("watch.retry_interval", 2*time.Second)
	v.SetDefault("watch.retry_multiplier", 1.0)
	v.SetDefault("watch.retry_max_interval", 30*time.Second)
	v.SetDefault("watch.inhibit_delay", 2*time.Second)
	v.SetDefault("watch.expanded_page_count", 1000)
}

// New returns a viper instance with defaults, environment binding and the
// config file search path set up. file, if not empty, is the only file read.
func New(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		return v
	}
	v.SetConfigName("lq")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "lq"))
	}
	return v
}

// Load reads the config file, if any, and decodes the effective configuration.
// A missing file in the search path is not an error; a missing explicit file is.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if c.Watch.PageSize <= 0 {
		return fmt.Errorf("watch.page_size must be positive (got %d)", c.Watch.PageSize)
	}
	if c.Watch.RetryMultiplier != 0 && c.Watch.RetryMultiplier < 1 {
		return fmt.Errorf("watch.retry_multiplier must be at least 1 (got %g)", c.Watch.RetryMultiplier)
	}
	return nil
}

// Write renders c as toml or yaml.
func Write(w io.Writer, c *Config, format string) error {
	switch format {
	case "toml", "":
		enc := toml.NewEncoder(w)
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("failed to encode config as toml: %w", err)
		}
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("failed to encode config as yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to encode config as yaml: %w", err)
		}
	default:
		return fmt.Errorf("unknown config format %q (want toml or yaml)", format)
	}
	return nil
}
