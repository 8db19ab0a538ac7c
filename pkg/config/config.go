// Package config loads server configuration from environment variables and
// optional YAML seed profiles.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// StorageBackend selects the persistence layer: "memory", "postgres"
	// or "sqlite".
	StorageBackend string
	DatabaseURL    string
	SQLitePath     string

	// RedisAddr enables the Redis rate limiter when set; empty means the
	// in-process limiter.
	RedisAddr      string
	RateLimitRPM   int
	RateLimitBurst int

	// SweepInterval is how often the escalation sweeper scans for overdue
	// pending records.
	SweepInterval time.Duration

	// SeedProfile points at a YAML tenant profile applied at startup; empty
	// disables seeding.
	SeedProfile string

	// OTLPEndpoint enables OpenTelemetry export when set.
	OTLPEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	backend := os.Getenv("STORAGE_BACKEND")
	if backend == "" {
		backend = "memory"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://approvals@localhost:5432/approvals?sslmode=disable"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "approvals.db"
	}

	sweep := 5 * time.Minute
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			sweep = d
		}
	}

	return &Config{
		Port:           port,
		LogLevel:       logLevel,
		StorageBackend: backend,
		DatabaseURL:    dbURL,
		SQLitePath:     sqlitePath,
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RateLimitRPM:   envInt("RATE_LIMIT_RPM", 120),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 20),
		SweepInterval:  sweep,
		SeedProfile:    os.Getenv("SEED_PROFILE"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
