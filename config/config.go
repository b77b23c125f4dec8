// Package config loads application configuration from environment variables
// with sensible defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Storage
	DBPath string

	// Queue
	QueueCapacity  int
	DebounceHigh   time.Duration
	DebounceNormal time.Duration

	// Cache
	CacheCapacity int
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBPath: getEnv("DB_PATH", "balances.db"),

		QueueCapacity:  getEnvInt("QUEUE_CAPACITY", 1000),
		DebounceHigh:   getEnvDuration("DEBOUNCE_HIGH", 50*time.Millisecond),
		DebounceNormal: getEnvDuration("DEBOUNCE_NORMAL", 300*time.Millisecond),

		CacheCapacity: getEnvInt("CACHE_CAPACITY", 1000),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
