// Package config loads server configuration from the environment with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port          string        `mapstructure:"PORT"`
	Env           string        `mapstructure:"ENV"`
	LogLevel      string        `mapstructure:"LOG_LEVEL"`
	StorageDriver string        `mapstructure:"STORAGE_DRIVER"`
	SQLitePath    string        `mapstructure:"SQLITE_PATH"`
	DatabaseURL   string        `mapstructure:"DATABASE_URL"`
	CacheSize     int           `mapstructure:"CACHE_SIZE"`
	SearchTimeout time.Duration `mapstructure:"SEARCH_TIMEOUT"`
	ReindexPage   int           `mapstructure:"REINDEX_PAGE_SIZE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORAGE_DRIVER", DriverMemory)
	v.SetDefault("SQLITE_PATH", "records.db")
	v.SetDefault("CACHE_SIZE", 1024)
	v.SetDefault("SEARCH_TIMEOUT", "5s")
	v.SetDefault("REINDEX_PAGE_SIZE", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("STORAGE_DRIVER")
	v.BindEnv("SQLITE_PATH")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("CACHE_SIZE")
	v.BindEnv("SEARCH_TIMEOUT")
	v.BindEnv("REINDEX_PAGE_SIZE")

	// Try reading .env, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORAGE_DRIVER is %q", DriverSQLite)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER is %q", DriverPostgres)
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q, %q, or %q, got %q",
			DriverMemory, DriverSQLite, DriverPostgres, c.StorageDriver)
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("CACHE_SIZE must be positive, got %d", c.CacheSize)
	}
	if c.ReindexPage <= 0 {
		return fmt.Errorf("REINDEX_PAGE_SIZE must be positive, got %d", c.ReindexPage)
	}
	return nil
}
