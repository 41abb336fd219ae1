package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Environment    string
	BackendURL     string
	BackendAnonKey string
	LogLevel       string

	// RequestTimeout bounds every individual backend call.
	RequestTimeout time.Duration

	// OrgCacheTTL is how long a locally cached organization snapshot is
	// trusted for instant display before the authoritative lookup result
	// must replace it.
	OrgCacheTTL time.Duration

	// RedisURL, when set, backs the organization snapshot cache with Redis
	// instead of process memory.
	RedisURL string

	// SessionFile is where the CLI persists the current session between
	// invocations. Empty means sessions are held in memory only.
	SessionFile string

	// MetricsAddr, when set, serves Prometheus metrics in watch mode.
	MetricsAddr string

	// AlertInterval is how often the low-stock alert worker scans.
	AlertInterval time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is folded in first when present, matching how the hosted backend
// credentials are distributed for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	timeoutSec, err := strconv.Atoi(getEnv("REQUEST_TIMEOUT_SECONDS", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid REQUEST_TIMEOUT_SECONDS: %w", err)
	}

	cacheTTLMin, err := strconv.Atoi(getEnv("ORG_CACHE_TTL_MINUTES", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid ORG_CACHE_TTL_MINUTES: %w", err)
	}

	alertIntervalMin, err := strconv.Atoi(getEnv("ALERT_INTERVAL_MINUTES", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid ALERT_INTERVAL_MINUTES: %w", err)
	}

	return &Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		BackendURL:     os.Getenv("STOCKROOM_BACKEND_URL"),
		BackendAnonKey: os.Getenv("STOCKROOM_BACKEND_ANON_KEY"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RequestTimeout: time.Duration(timeoutSec) * time.Second,
		OrgCacheTTL:    time.Duration(cacheTTLMin) * time.Minute,
		RedisURL:       os.Getenv("REDIS_URL"),
		SessionFile:    getEnv("SESSION_FILE", defaultSessionFile()),
		MetricsAddr:    os.Getenv("METRICS_ADDR"),
		AlertInterval:  time.Duration(alertIntervalMin) * time.Minute,
	}, nil
}

// Configured reports whether the hosted backend credentials are present.
// When false the application degrades to a "not configured" state instead
// of crashing: every backend operation returns a ConfigurationError.
func (c *Config) Configured() bool {
	return c.BackendURL != "" && c.BackendAnonKey != ""
}

func defaultSessionFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.stockroom/session.json"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
