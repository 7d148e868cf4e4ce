// Package config provides configuration loading and validation from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	LogLevel          string        // debug, info, warn, error
	ListenAddr        string        // API listener address (e.g., ":8080")
	MetricsListenAddr string        // Metrics listener address (e.g., "localhost:9090")
	DatabasePath      string        // SQLite database path
	AdminSecret       string        // Required: bearer secret guarding the admin API
	UpstreamURL       string        // Optional: backend base URL enabling proxy mode
	ProxyModelPrefix  string        // Path prefix for model-permission resolution in proxy mode
	PermissionTTL     time.Duration // Permission cache TTL (clamped to 60s)
	UsageBufferSize   int           // Usage recorder channel capacity
	PruneInterval     time.Duration // Closed rate-window prune cadence
}

// Load parses configuration from environment variables.
// All options except ADMIN_SECRET have defaults for ease of deployment.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:          envOr("LOG_LEVEL", "info"),
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		MetricsListenAddr: envOr("METRICS_LISTEN_ADDR", "localhost:9090"),
		DatabasePath:      envOr("DATABASE_PATH", "/data/gateway.db"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		UpstreamURL:       os.Getenv("UPSTREAM_URL"),
		ProxyModelPrefix:  envOr("PROXY_MODEL_PREFIX", "/api/v1"),
	}

	var err error
	if cfg.PermissionTTL, err = envDuration("PERMISSION_CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.UsageBufferSize, err = envInt("USAGE_LOG_BUFFER", 1024); err != nil {
		return nil, err
	}
	if cfg.PruneInterval, err = envDuration("COUNTER_PRUNE_INTERVAL", time.Hour); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks all configuration constraints.
func (c *Config) Validate() error {
	if c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET environment variable is required")
	}
	if len(c.AdminSecret) < 16 {
		return fmt.Errorf("ADMIN_SECRET must be at least 16 characters")
	}
	if c.UpstreamURL != "" {
		u, err := url.Parse(c.UpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("UPSTREAM_URL must be an absolute URL")
		}
	}
	if c.PermissionTTL < 0 || c.PermissionTTL > 60*time.Second {
		return fmt.Errorf("PERMISSION_CACHE_TTL must be between 0 and 60s")
	}
	if c.UsageBufferSize <= 0 {
		return fmt.Errorf("USAGE_LOG_BUFFER must be positive")
	}
	if c.PruneInterval < time.Minute {
		return fmt.Errorf("COUNTER_PRUNE_INTERVAL must be at least 1m")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
