// Package config loads service configuration from the environment.
package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	Port         string        `env:"PORT" envDefault:"8080"`
	DatabaseURL  string        `env:"DATABASE_URL"`
	RedisURL     string        `env:"REDIS_URL"`
	AdminToken   string        `env:"ADMIN_TOKEN"`
	TickInterval time.Duration `env:"TICK_INTERVAL" envDefault:"5s"`
	StartingCash string        `env:"STARTING_CASH" envDefault:"1000"`
	CacheTTL     time.Duration `env:"CACHE_TTL" envDefault:"30s"`
}

func Load() (Config, error) {
	var cfg Config
	return cfg, env.Parse(&cfg)
}
