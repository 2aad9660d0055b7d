package testutils

import (
	"context"
	"time"

	"github.com/dalfonso89/fine-life/internal/config"
	"github.com/dalfonso89/fine-life/internal/logger"
)

// MockLogger creates a quiet logger for testing
func MockLogger() *logger.Logger {
	return logger.New("error", "json")
}

// MockConfig creates a configuration for testing
func MockConfig() *config.Config {
	return &config.Config{
		Port:      "8081",
		LogLevel:  "error",
		LogFormat: "json",

		RatesProvider: config.RatesProvider{
			Name:    "test-provider",
			BaseURL: "https://rates.test",
			Timeout: 5 * time.Second,
		},
		RatesCacheTTL: time.Hour,

		Upstream: config.Upstream{
			BaseURL: "http://upstream.test",
			Timeout: 5 * time.Second,
		},
		StoreDriver:      config.StoreDriverMemory,
		QueueMaxAttempts: 3,
		SyncInterval:     0,

		RateLimitEnabled:  true,
		RateLimitRequests: 100,
		RateLimitWindow:   60 * time.Second,
		RateLimitBurst:    10,

		CORSAllowedOrigins: []string{"*"},
	}
}

// MockConfigWithMocks returns a test configuration pointing at mock servers
func MockConfigWithMocks(ratesServerURL, upstreamServerURL string) *config.Config {
	cfg := MockConfig()
	cfg.RatesProvider.BaseURL = ratesServerURL
	cfg.Upstream.BaseURL = upstreamServerURL
	cfg.RateLimitEnabled = false
	return cfg
}

// MockContextWithTimeout creates a context with timeout for testing
func MockContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
