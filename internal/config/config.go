package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// DefaultOwnerID is the single-tenant owner used when none is configured.
const DefaultOwnerID = "00000000-0000-0000-0000-000000000000"

// Config holds the complete application configuration
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Rotation RotationConfig `mapstructure:"rotation"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt", "redis" or "sql"
	Path  string      `mapstructure:"path"` // bolt database file
	DSN   string      `mapstructure:"dsn"`  // sql: postgres URL/keywords or sqlite file
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
	LockTTL      string `mapstructure:"lock_ttl"`  // expiry of the write lock
	LockWait     string `mapstructure:"lock_wait"` // how long Update waits for the lock
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"` // empty logs to stdout
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// RotationConfig defines engine behavior
type RotationConfig struct {
	Owner           string   `mapstructure:"owner"`
	Providers       []string `mapstructure:"providers"` // preference order
	ReclaimSchedule string   `mapstructure:"reclaim_schedule"`
	ReclaimOnStart  bool     `mapstructure:"reclaim_on_start"`
}

// MetricsConfig defines the metrics endpoint
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
}

// Addr returns the metrics listen address.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.BindAddress, m.Port)
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := NewViper(configPath)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// NewViper prepares a viper instance with defaults, the config file and
// ROTATOR_* environment overrides. A missing config file is not an error.
func NewViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	v.SetEnvPrefix("ROTATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			if !isNotFound(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	return v, nil
}

// Decode unmarshals and validates the configuration held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	// SetConfigFile with a missing path surfaces as an fs error instead.
	return errors.Is(err, fs.ErrNotExist)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/rotator/rotator.bolt")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "rotator")
	v.SetDefault("storage.redis.lock_ttl", "10s")
	v.SetDefault("storage.redis.lock_wait", "5s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	// Rotation defaults
	v.SetDefault("rotation.owner", DefaultOwnerID)
	v.SetDefault("rotation.providers", []string{"anthropic", "gemini"})
	v.SetDefault("rotation.reclaim_schedule", "*/5 * * * *")
	v.SetDefault("rotation.reclaim_on_start", true)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
	v.SetDefault("metrics.port", 9464)
}

// validate validates the configuration
func validate(cfg *Config) error {
	cfg.Storage.Type = strings.ToLower(strings.TrimSpace(cfg.Storage.Type))
	switch cfg.Storage.Type {
	case "", "bolt":
		cfg.Storage.Type = "bolt"
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for bolt storage")
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required for redis storage")
		}
		for name, value := range map[string]string{
			"dial_timeout":  cfg.Storage.Redis.DialTimeout,
			"read_timeout":  cfg.Storage.Redis.ReadTimeout,
			"write_timeout": cfg.Storage.Redis.WriteTimeout,
			"lock_ttl":      cfg.Storage.Redis.LockTTL,
			"lock_wait":     cfg.Storage.Redis.LockWait,
		} {
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid redis %s %q: %w", name, value, err)
			}
		}
	case "sql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage dsn is required for sql storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s (must be bolt, redis or sql)", cfg.Storage.Type)
	}

	if strings.TrimSpace(cfg.Rotation.Owner) == "" {
		cfg.Rotation.Owner = DefaultOwnerID
	}

	if len(cfg.Rotation.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	seen := make(map[string]bool, len(cfg.Rotation.Providers))
	for i, p := range cfg.Rotation.Providers {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			return fmt.Errorf("provider %d is empty", i)
		}
		if seen[p] {
			return fmt.Errorf("duplicate provider: %s", p)
		}
		seen[p] = true
		cfg.Rotation.Providers[i] = p
	}

	if cfg.Rotation.ReclaimSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Rotation.ReclaimSchedule); err != nil {
			return fmt.Errorf("invalid reclaim schedule %q: %w", cfg.Rotation.ReclaimSchedule, err)
		}
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}

	return nil
}
