// Package config loads engine configuration from the environment. Every
// backend is optional: without DATABASE_URL the engine runs on in-memory
// stores, without REDIS_URL reads skip the cache, without NATS_URL no bus
// notifications are published.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	NatsURL     string

	CacheTTL      time.Duration
	PaymentGrace  time.Duration
	SweepInterval time.Duration
}

// New loads configuration from .env (if present) and the environment.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		NatsURL:       os.Getenv("NATS_URL"),
		CacheTTL:      30 * time.Second,
		PaymentGrace:  15 * time.Minute,
		SweepInterval: time.Minute,
	}

	var err error
	if cfg.CacheTTL, err = getDuration("CACHE_TTL", cfg.CacheTTL); err != nil {
		return nil, err
	}
	if cfg.PaymentGrace, err = getDuration("PAYMENT_GRACE_PERIOD", cfg.PaymentGrace); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return nil, err
	}

	if cfg.PaymentGrace <= 0 {
		return nil, fmt.Errorf("PAYMENT_GRACE_PERIOD must be positive")
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	return cfg, nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
