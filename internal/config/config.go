// Package config loads update service configuration from the
// environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all update service configuration
type Config struct {
	// HTTP server
	ListenAddr string

	// Agent authentication. Empty disables the agent endpoint entirely.
	AgentToken string

	// API authentication. Empty leaves the HTTP API unauthenticated.
	APIToken string

	// Host inventory
	HostsFile string

	// Persistence
	DatabasePath string

	// Update behavior
	StopTimeout        time.Duration
	HealthTimeout      time.Duration
	AgentUpdateTimeout time.Duration

	// Agent transport resilience
	BreakerThreshold uint32
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration
	RetryMax         uint64
	RetryInitial     time.Duration
	RetryMaxInterval time.Duration

	// Scheduled update checks (cron expression, empty disables)
	CheckSchedule string

	// Logging
	LogLevel string
	LogJSON  bool
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	return &Config{
		ListenAddr: getEnvOrDefault("LISTEN_ADDR", ":8080"),

		AgentToken: os.Getenv("AGENT_TOKEN"),
		APIToken:   os.Getenv("API_TOKEN"),

		HostsFile:    getEnvOrDefault("HOSTS_FILE", "/data/hosts.json"),
		DatabasePath: getEnvOrDefault("DATABASE_PATH", "/data/updates.db"),

		StopTimeout:        getEnvDuration("STOP_TIMEOUT", 10*time.Second),
		HealthTimeout:      getEnvDuration("HEALTH_TIMEOUT", 120*time.Second),
		AgentUpdateTimeout: getEnvDuration("AGENT_UPDATE_TIMEOUT", 10*time.Minute),

		BreakerThreshold: uint32(getEnvInt("BREAKER_THRESHOLD", 5)),
		BreakerWindow:    getEnvDuration("BREAKER_WINDOW", 60*time.Second),
		BreakerCooldown:  getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
		RetryMax:         uint64(getEnvInt("RETRY_MAX", 3)),
		RetryInitial:     getEnvDuration("RETRY_INITIAL", 500*time.Millisecond),
		RetryMaxInterval: getEnvDuration("RETRY_MAX_INTERVAL", 5*time.Second),

		CheckSchedule: os.Getenv("CHECK_SCHEDULE"),

		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("LOG_JSON", true),
	}
}

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns environment variable as boolean
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvInt returns environment variable as int
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration returns environment variable as duration
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
