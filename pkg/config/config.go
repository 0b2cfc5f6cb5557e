package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Auth
	JWTSecret string

	// Gateway
	GatewayTimeout time.Duration // per-request HTTP timeout on venue calls
	VenuesPath     string        // optional venues.yaml with endpoint profiles
	DefaultVenue   string

	// Reconciliation sweep
	SweepInterval   time.Duration // how often stale open orders are re-checked
	SweepStaleAfter time.Duration // age before a non-terminal order counts as stale

	// API rate limiting (per client IP)
	APIRateLimit int
	APIRateBurst int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/execution.db")
	}

	return &Config{
		Port:            getEnv("PORT", "8080"),
		DBPath:          dbPath,
		JWTSecret:       getEnv("JWT_SECRET", "dev-secret"),
		GatewayTimeout:  getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second),
		VenuesPath:      getEnv("VENUES_PATH", ""),
		DefaultVenue:    getEnv("DEFAULT_VENUE", "binance-futures"),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		SweepStaleAfter: getEnvDuration("SWEEP_STALE_AFTER", 60*time.Second),
		APIRateLimit:    getEnvInt("API_RATE_LIMIT", 20),
		APIRateBurst:    getEnvInt("API_RATE_BURST", 40),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// getEnvDuration accepts Go duration strings ("45s") or bare seconds ("45").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
