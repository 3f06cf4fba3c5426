// Package config loads runtime configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the server's runtime configuration. With no DATABASE_URL the
// server runs on the in-memory store; REDIS_URL additionally enables the
// read-through cache in front of Postgres.
type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"5s"`

	// RetryAttempts bounds conflict retries per operation.
	RetryAttempts int `env:"RETRY_ATTEMPTS" envDefault:"5"`

	// LoanCron is the schedule for the daily loan pass.
	LoanCron string `env:"LOAN_CRON" envDefault:"0 2 * * *"`

	// Position limits; zero disables a check.
	MaxMarketExposure float64 `env:"MAX_MARKET_EXPOSURE" envDefault:"10000"`
	MaxGroupExposure  float64 `env:"MAX_GROUP_EXPOSURE" envDefault:"25000"`

	// RateLimit is requests per second per client; RateBurst the burst.
	RateLimit float64 `env:"RATE_LIMIT" envDefault:"50"`
	RateBurst int     `env:"RATE_BURST" envDefault:"100"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads configuration from the environment. A missing .env file is not
// an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("config: invalid port %d", cfg.Port)
	}
	return cfg, nil
}
