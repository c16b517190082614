// Package config loads environment-driven settings for the arbitrage core.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the engine.
type Config struct {
	Port   string
	DBPath string

	// Venue bridges
	MT4BaseURL        string
	MT5BaseURL        string
	RequestTimeout    time.Duration
	RequestsPerSecond float64

	// Sessions
	SessionTTL         time.Duration
	SessionValidateAge time.Duration
	MaxSessions        int

	// Loop periods
	SamplePeriod     time.Duration
	MatchPeriod      time.Duration
	ReconcilePeriod  time.Duration
	TakeProfitPeriod time.Duration

	// Matching
	MaxPremiumDeviation float64
	MaxOrderErrors      int

	// Circuit breaker
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// API
	JWTSecret   string
	APIPassword string

	// Pair definitions
	PairsFile string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		DBPath:              getEnv("DB_PATH", "./data/arb.db"),
		MT4BaseURL:          getEnv("MT4_BRIDGE_URL", "http://localhost:8180"),
		MT5BaseURL:          getEnv("MT5_BRIDGE_URL", "http://localhost:8280"),
		RequestTimeout:      getEnvDuration("REQUEST_TIMEOUT", 10*time.Second),
		RequestsPerSecond:   getEnvFloat("BRIDGE_REQUESTS_PER_SECOND", 20),
		SessionTTL:          getEnvDuration("SESSION_TTL", 22*time.Hour),
		SessionValidateAge:  getEnvDuration("SESSION_VALIDATE_AGE", 6*time.Hour),
		MaxSessions:         getEnvInt("MAX_SESSIONS", 100),
		SamplePeriod:        getEnvDuration("SAMPLE_PERIOD", time.Second),
		MatchPeriod:         getEnvDuration("MATCH_PERIOD", 5*time.Second),
		ReconcilePeriod:     getEnvDuration("RECONCILE_PERIOD", 60*time.Second),
		TakeProfitPeriod:    getEnvDuration("TAKE_PROFIT_PERIOD", 5*time.Second),
		MaxPremiumDeviation: getEnvFloat("MAX_PREMIUM_DEVIATION", 0.10),
		MaxOrderErrors:      getEnvInt("MAX_ORDER_ERRORS", 10),
		BreakerThreshold:    getEnvInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:     getEnvDuration("BREAKER_COOLDOWN", 60*time.Second),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		APIPassword:         getEnv("API_PASSWORD", ""),
		PairsFile:           getEnv("PAIRS_FILE", "./pairs.yaml"),
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

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
