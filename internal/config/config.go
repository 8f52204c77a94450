package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	LogFormat       string        `mapstructure:"LOG_FORMAT"`
	StoreDriver     string        `mapstructure:"STORE_DRIVER"`
	DataFile        string        `mapstructure:"DATA_FILE"`
	StoreName       string        `mapstructure:"STORE_NAME"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "") // "" -> console in development, json elsewhere
	v.SetDefault("STORE_DRIVER", DriverFile)
	v.SetDefault("DATA_FILE", "patients.json")
	v.SetDefault("STORE_NAME", "default")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 20)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("LOG_FORMAT")
	v.BindEnv("STORE_DRIVER")
	v.BindEnv("DATA_FILE")
	v.BindEnv("STORE_NAME")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("BODY_LIMIT")
	v.BindEnv("REQUEST_TIMEOUT")
	v.BindEnv("SHUTDOWN_TIMEOUT")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")

	// Try reading .env file, but don't fail if missing
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

// ResolvedLogFormat returns LOG_FORMAT if set, otherwise "console" for
// development and "json" for every other environment.
func (c *Config) ResolvedLogFormat() string {
	if c.LogFormat != "" {
		return c.LogFormat
	}
	if c.IsDev() {
		return "console"
	}
	return "json"
}

// Validate checks that the store configuration is usable. The postgres driver
// needs DATABASE_URL; the file driver needs DATA_FILE.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverFile:
		if c.DataFile == "" {
			return fmt.Errorf("DATA_FILE is required when STORE_DRIVER is %q", DriverFile)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
		if c.StoreName == "" {
			return fmt.Errorf("STORE_NAME is required when STORE_DRIVER is %q", DriverPostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q, or %q, got %q", DriverFile, DriverPostgres, DriverMemory, c.StoreDriver)
	}

	switch c.ResolvedLogFormat() {
	case "console", "json", "ecs":
	default:
		return fmt.Errorf("LOG_FORMAT must be \"console\", \"json\", or \"ecs\", got %q", c.LogFormat)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when RATE_LIMIT_RPS is set, got %d", c.RateLimitBurst)
	}
	return nil
}
