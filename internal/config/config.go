package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

type Config struct {
	ServerPort   string
	StoreBackend string
	DatabaseURL  string
	RedisURL     string
	SQLitePath   string

	APIBaseURL    string
	ProbeURL      string
	ProbeInterval time.Duration

	JWTSecret         string
	JWTExpiry         time.Duration
	SessionPassphrase string

	QueueKey    string
	CachePrefix string

	RetryDelay       time.Duration
	RetryMultiplier  float64
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int

	LogLevel string
}

func LoadConfig() (*Config, error) {
	expiry, err := parseDuration("JWT_EXPIRY", "24h")
	if err != nil {
		return nil, err
	}
	probeInterval, err := parseDuration("PROBE_INTERVAL", "15s")
	if err != nil {
		return nil, err
	}
	retryDelay, err := parseDuration("RETRY_DELAY", "10s")
	if err != nil {
		return nil, err
	}
	retryMaxDelay, err := parseDuration("RETRY_MAX_DELAY", "0s")
	if err != nil {
		return nil, err
	}
	retryMultiplier, err := strconv.ParseFloat(getEnv("RETRY_MULTIPLIER", "1"), 64)
	if err != nil || retryMultiplier < 1 {
		return nil, errors.New("invalid RETRY_MULTIPLIER: must be a number >= 1")
	}
	retryMaxAttempts, err := strconv.Atoi(getEnv("RETRY_MAX_ATTEMPTS", "0"))
	if err != nil || retryMaxAttempts < 0 {
		return nil, errors.New("invalid RETRY_MAX_ATTEMPTS: must be a non-negative integer")
	}

	cfg := &Config{
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		StoreBackend:      getEnv("STORE_BACKEND", BackendSQLite),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		SQLitePath:        getEnv("SQLITE_PATH", "data/offline.db"),
		APIBaseURL:        os.Getenv("API_BASE_URL"),
		ProbeURL:          os.Getenv("PROBE_URL"),
		ProbeInterval:     probeInterval,
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTExpiry:         expiry,
		SessionPassphrase: os.Getenv("SESSION_PASSPHRASE"),
		QueueKey:          getEnv("QUEUE_KEY", "offline:queue"),
		CachePrefix:       getEnv("CACHE_PREFIX", "offline:cache:"),
		RetryDelay:        retryDelay,
		RetryMultiplier:   retryMultiplier,
		RetryMaxDelay:     retryMaxDelay,
		RetryMaxAttempts:  retryMaxAttempts,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}

	// Validate required fields
	switch cfg.StoreBackend {
	case BackendRedis:
		if cfg.RedisURL == "" {
			return nil, errors.New("REDIS_URL is required for the redis backend")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres backend")
		}
	case BackendSQLite:
		if cfg.SQLitePath == "" {
			return nil, errors.New("SQLITE_PATH is required for the sqlite backend")
		}
	case BackendMemory:
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	if cfg.APIBaseURL == "" {
		return nil, errors.New("API_BASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if len(cfg.SessionPassphrase) < 12 {
		return nil, errors.New("SESSION_PASSPHRASE must be at least 12 characters")
	}
	if retryDelay <= 0 {
		return nil, errors.New("RETRY_DELAY must be positive")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s format", key)
	}
	return d, nil
}
