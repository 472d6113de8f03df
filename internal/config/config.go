// Package config loads the engine's settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds all configuration values for the simulation engine.
type Config struct {
	// HTTP
	Port       string
	CORSOrigin string

	// Logging
	LogLevel string

	// Persistence
	Store       string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	CacheTTL    time.Duration

	// Venues
	PolymarketURL string
	KalshiURL     string
	VenueTimeout  time.Duration

	// Ledger
	StartingBalance decimal.Decimal

	// Seed native markets at startup.
	Seed bool
}

// Load reads configuration from environment variables with fallback to a
// .env file. Priority: environment > .env > defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:       getEnv("PORT", "8080"),
		CORSOrigin: getEnv("CORS_ORIGIN", "*"),

		LogLevel: getEnv("LOG_LEVEL", "INFO"),

		Store:       strings.ToLower(getEnv("STORE", "")),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/oddgrid.db"),
		RedisURL:    getEnv("REDIS_URL", ""),
		CacheTTL:    time.Duration(getEnvInt("CACHE_TTL_SECONDS", 30)) * time.Second,

		PolymarketURL: getEnv("POLYMARKET_GAMMA_API", "https://gamma-api.polymarket.com"),
		KalshiURL:     getEnv("KALSHI_API_URL", "https://api.elections.kalshi.com/trade-api/v2"),
		VenueTimeout:  time.Duration(getEnvInt("VENUE_TIMEOUT_MS", 8000)) * time.Millisecond,

		StartingBalance: getEnvDecimal("STARTING_BALANCE", decimal.NewFromInt(10000)),
		Seed:            getEnvBool("SEED", false),
	}

	// A database URL alone selects PostgreSQL, matching older deployments.
	if cfg.Store == "" {
		cfg.Store = StoreMemory
		if cfg.DatabaseURL != "" {
			cfg.Store = StorePostgres
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks that required configuration values are set and valid.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=postgres")
		}
	default:
		return fmt.Errorf("STORE must be one of memory, postgres, sqlite; got %q", c.Store)
	}

	if c.Store == StoreSQLite && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required when STORE=sqlite")
	}

	if n, err := strconv.Atoi(c.Port); err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}

	if c.VenueTimeout <= 0 {
		return fmt.Errorf("VENUE_TIMEOUT_MS must be positive")
	}

	if !c.StartingBalance.IsPositive() {
		return fmt.Errorf("STARTING_BALANCE must be positive")
	}

	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// MaskedDatabaseURL returns the database URL with most characters hidden for logging.
func (c *Config) MaskedDatabaseURL() string {
	return maskSecret(c.DatabaseURL)
}

// maskSecret hides all but the first and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		if len(s) == 0 {
			return "(not set)"
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as an integer or returns a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves an environment variable as a boolean or returns a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDecimal retrieves an environment variable as a decimal or returns a default.
func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
