package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers understood by the gateway
const (
	StoreDriverSQLite = "sqlite"
	StoreDriverMemory = "memory"
)

// RatesProvider describes the remote exchange-rate CDN
type RatesProvider struct {
	Name    string
	BaseURL string
	Timeout time.Duration
}

// Upstream describes the Fine Life API the gateway forwards to
type Upstream struct {
	BaseURL string
	Timeout time.Duration
}

// Config holds all configuration for the application
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	// Currency conversion
	RatesProvider RatesProvider
	RatesCacheTTL time.Duration

	// Offline gateway
	Upstream         Upstream
	StoreDriver      string
	StorePath        string
	QueueMaxAttempts int
	SyncInterval     time.Duration

	// Rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitBurst    int

	CORSAllowedOrigins []string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Port:      getEnv("PORT", "8081"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		RatesProvider: RatesProvider{
			Name:    getEnv("RATES_PROVIDER_NAME", "currency-api"),
			BaseURL: strings.TrimRight(getEnv("RATES_BASE_URL", "https://cdn.jsdelivr.net/npm/@fawazahmed0/currency-api@latest"), "/"),
			Timeout: seconds("RATES_TIMEOUT_SECONDS", 10),
		},
		RatesCacheTTL: seconds("RATES_CACHE_TTL_SECONDS", 3600),

		Upstream: Upstream{
			BaseURL: strings.TrimRight(getEnv("UPSTREAM_API_URL", "http://localhost:3000"), "/"),
			Timeout: seconds("UPSTREAM_TIMEOUT_SECONDS", 15),
		},
		StoreDriver:      strings.ToLower(getEnv("STORE_DRIVER", StoreDriverSQLite)),
		StorePath:        getEnv("STORE_PATH", "./data/fine-life-offline.db"),
		QueueMaxAttempts: atoiOr(getEnv("QUEUE_MAX_ATTEMPTS", ""), 3),
		SyncInterval:     seconds("SYNC_INTERVAL_SECONDS", 30),

		RateLimitEnabled:  getEnv("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitRequests: atoiOr(getEnv("RATE_LIMIT_REQUESTS", ""), 100),
		RateLimitWindow:   seconds("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitBurst:    atoiOr(getEnv("RATE_LIMIT_BURST", ""), 20),

		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
	}, nil
}

// getEnv gets an environment variable with a fallback value
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// seconds reads a whole number of seconds, falling back when unset or malformed
func seconds(key string, fallback int) time.Duration {
	return time.Duration(atoiOr(getEnv(key, ""), fallback)) * time.Second
}

func atoiOr(s string, fallback int) int {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || i < 0 {
		return fallback
	}
	return i
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
