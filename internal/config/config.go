// Package config loads the engine configuration from a YAML file, an
// optional .env file, and environment overrides, in that order of
// precedence (env wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Storage    StorageConfig    `yaml:"storage"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Pump       PumpConfig       `yaml:"pump"`
	Risk       RiskConfig       `yaml:"risk"`
	Settlement SettlementConfig `yaml:"settlement"`
	Users      UsersConfig      `yaml:"users"`
	Log        LogConfig        `yaml:"log"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend     string `yaml:"backend"` // postgres | sqlite | memory
	PostgresDSN string `yaml:"postgres_dsn"`
	SQLitePath  string `yaml:"sqlite_path"`
	RedisURL    string `yaml:"redis_url"` // empty disables the cache
	CacheTTLSec int    `yaml:"cache_ttl_seconds"`
}

// PricingConfig holds pricing engine policy.
type PricingConfig struct {
	FixedOddsCostPolicy string `yaml:"fixed_odds_cost_policy"` // clamp | spread
}

// PumpConfig controls the inbound message pump.
type PumpConfig struct {
	QueueSize         int     `yaml:"queue_size"`
	PerUserRatePerMin float64 `yaml:"per_user_rate_per_min"`
	PerUserBurst      int     `yaml:"per_user_burst"`
}

// RiskConfig holds per-user exposure limits in points. Zero disables a limit.
type RiskConfig struct {
	MaxPerMarket int64 `yaml:"max_per_market"`
	MaxTotal     int64 `yaml:"max_total"`
}

// SettlementConfig controls the deadline sweep.
type SettlementConfig struct {
	TickSeconds int `yaml:"tick_seconds"`
}

// UsersConfig holds user provisioning defaults.
type UsersConfig struct {
	InitialPoints int64 `yaml:"initial_points"`
}

// LogConfig controls the log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file at path, applies .env and environment overrides,
// and fills defaults. A missing file is fine; defaults plus environment are
// enough to run with the in-memory store.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	return &cfg, nil
}

// SettlementTick returns the deadline sweep interval.
func (c *Config) SettlementTick() time.Duration {
	return time.Duration(c.Settlement.TickSeconds) * time.Second
}

// CacheTTL returns the Redis cache entry lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Storage.CacheTTLSec) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = n
		}
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "predex.db"
	}
	if cfg.Storage.CacheTTLSec <= 0 {
		cfg.Storage.CacheTTLSec = 30
	}
	if cfg.Pricing.FixedOddsCostPolicy == "" {
		cfg.Pricing.FixedOddsCostPolicy = "clamp"
	}
	if cfg.Pump.QueueSize <= 0 {
		cfg.Pump.QueueSize = 256
	}
	if cfg.Pump.PerUserRatePerMin <= 0 {
		cfg.Pump.PerUserRatePerMin = 30
	}
	if cfg.Pump.PerUserBurst <= 0 {
		cfg.Pump.PerUserBurst = 5
	}
	if cfg.Settlement.TickSeconds <= 0 {
		cfg.Settlement.TickSeconds = 60
	}
	if cfg.Users.InitialPoints <= 0 {
		cfg.Users.InitialPoints = 1000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}
