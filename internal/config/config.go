package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCREENER_"

// Config holds all configuration for the screener service.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Screener ScreenerConfig `yaml:"screener"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Cache    CacheConfig    `yaml:"cache"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host             string        `yaml:"host" validate:"required"`
	Port             int           `yaml:"port" validate:"min=1,max=65535"`
	Name             string        `yaml:"name" validate:"required"`
	User             string        `yaml:"user" validate:"required"`
	Password         string        `yaml:"password"`
	MaxConns         int32         `yaml:"max_conns" validate:"min=1"`
	MinConns         int32         `yaml:"min_conns" validate:"min=0"`
	AcquireTimeout   time.Duration `yaml:"acquire_timeout" validate:"min=1ms"`
	StatementTimeout time.Duration `yaml:"statement_timeout" validate:"min=1ms"`
}

// ConnString builds a PostgreSQL connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// RedisConfig holds Redis connection parameters. Redis backs the event bus
// and the result cache; both are skipped when disabled.
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host" validate:"required_if=Enabled true"`
	Port          int    `yaml:"port" validate:"min=1,max=65535"`
	DB            int    `yaml:"db" validate:"min=0"`
	Password      string `yaml:"password"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Addr returns host:port for Redis.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// GRPCConfig holds the listener settings.
type GRPCConfig struct {
	Port int `yaml:"port" validate:"min=1,max=65535"`
}

// ScreenerConfig tunes the enrichment stage.
type ScreenerConfig struct {
	HistoryEnabled  bool `yaml:"history_enabled"`
	HistoryQuarters int  `yaml:"history_quarters" validate:"min=1,max=40"`
}

// AlertsConfig controls the scheduled alert evaluator.
type AlertsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	RulesFile   string `yaml:"rules_file" validate:"required_if=Enabled true"`
	Parallelism int    `yaml:"parallelism" validate:"min=1,max=64"`
}

// CacheConfig controls the stale-result fallback.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl" validate:"min=1s"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name" validate:"required"`
}

// LogConfig holds logging parameters.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
}

// Load reads configuration from an optional YAML file, then applies
// SCREENER_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	overrideFromEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment without
// overwriting variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:             "localhost",
			Port:             5432,
			Name:             "screener",
			User:             "screener",
			MaxConns:         10,
			MinConns:         2,
			AcquireTimeout:   2 * time.Second,
			StatementTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			Host:          "localhost",
			Port:          6379,
			ChannelPrefix: "screener",
		},
		GRPC: GRPCConfig{
			Port: 50061,
		},
		Screener: ScreenerConfig{
			HistoryEnabled:  true,
			HistoryQuarters: 8,
		},
		Alerts: AlertsConfig{
			Parallelism: 4,
		},
		Cache: CacheConfig{
			TTL: 15 * time.Minute,
		},
		Tracing: TracingConfig{
			ServiceName: "screener-service",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func overrideFromEnv(cfg *Config) {
	envString("DB_HOST", &cfg.Database.Host)
	envInt("DB_PORT", &cfg.Database.Port)
	envString("DB_NAME", &cfg.Database.Name)
	envString("DB_USER", &cfg.Database.User)
	envString("DB_PASSWORD", &cfg.Database.Password)
	envInt32("DB_MAX_CONNS", &cfg.Database.MaxConns)
	envInt32("DB_MIN_CONNS", &cfg.Database.MinConns)
	envDuration("DB_ACQUIRE_TIMEOUT", &cfg.Database.AcquireTimeout)
	envDuration("DB_STATEMENT_TIMEOUT", &cfg.Database.StatementTimeout)

	envBool("REDIS_ENABLED", &cfg.Redis.Enabled)
	envString("REDIS_HOST", &cfg.Redis.Host)
	envInt("REDIS_PORT", &cfg.Redis.Port)
	envInt("REDIS_DB", &cfg.Redis.DB)
	envString("REDIS_PASSWORD", &cfg.Redis.Password)
	envString("REDIS_CHANNEL_PREFIX", &cfg.Redis.ChannelPrefix)

	envInt("GRPC_PORT", &cfg.GRPC.Port)

	envBool("HISTORY_ENABLED", &cfg.Screener.HistoryEnabled)
	envInt("HISTORY_QUARTERS", &cfg.Screener.HistoryQuarters)

	envBool("ALERTS_ENABLED", &cfg.Alerts.Enabled)
	envString("ALERTS_RULES_FILE", &cfg.Alerts.RulesFile)
	envInt("ALERTS_PARALLELISM", &cfg.Alerts.Parallelism)

	envBool("CACHE_ENABLED", &cfg.Cache.Enabled)
	envDuration("CACHE_TTL", &cfg.Cache.TTL)

	envBool("TRACING_ENABLED", &cfg.Tracing.Enabled)
	envString("TRACING_SERVICE_NAME", &cfg.Tracing.ServiceName)

	envString("LOG_LEVEL", &cfg.Log.Level)
}

func envString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt32(key string, dst *int32) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

var validate = func() func(*Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	return func(cfg *Config) error {
		if err := v.Struct(cfg); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				fe := verrs[0]
				return fmt.Errorf("%s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
			}
			return err
		}

		if cfg.Database.MinConns > cfg.Database.MaxConns {
			return fmt.Errorf("database min_conns %d exceeds max_conns %d", cfg.Database.MinConns, cfg.Database.MaxConns)
		}
		if cfg.Cache.Enabled && !cfg.Redis.Enabled {
			return errors.New("cache requires redis to be enabled")
		}
		cfg.Log.Level = strings.ToLower(cfg.Log.Level)
		return nil
	}
}()
