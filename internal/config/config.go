// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all poolgate configuration.
type Config struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string
	AutoMigrate bool

	// Registry
	DriverCacheSize int

	// Federation
	FederationTimeout time.Duration

	// Reconciliation
	ReconcileMaxAttempts int
	ReconcileInitialWait time.Duration

	// Drivers
	WebDAVTimeout time.Duration

	// Metrics (optional textfile for the node exporter)
	MetricsTextfile string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:             envOr("LOG_LEVEL", "info"),
		LogFormat:            envOr("LOG_FORMAT", "console"),
		DatabaseURL:          envOr("DATABASE_URL", ""),
		AutoMigrate:          envBool("AUTO_MIGRATE", true),
		DriverCacheSize:      envInt("DRIVER_CACHE_SIZE", 128),
		FederationTimeout:    envDuration("FEDERATION_TIMEOUT", 10*time.Second),
		ReconcileMaxAttempts: envInt("RECONCILE_MAX_ATTEMPTS", 3),
		ReconcileInitialWait: envDuration("RECONCILE_INITIAL_WAIT", 100*time.Millisecond),
		WebDAVTimeout:        envDuration("WEBDAV_TIMEOUT", 30*time.Second),
		MetricsTextfile:      envOr("METRICS_TEXTFILE", ""),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.DriverCacheSize <= 0 {
		return nil, fmt.Errorf("DRIVER_CACHE_SIZE must be positive, got %d", cfg.DriverCacheSize)
	}
	if cfg.ReconcileMaxAttempts <= 0 {
		return nil, fmt.Errorf("RECONCILE_MAX_ATTEMPTS must be positive, got %d", cfg.ReconcileMaxAttempts)
	}
	if cfg.FederationTimeout <= 0 {
		return nil, fmt.Errorf("FEDERATION_TIMEOUT must be positive")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
