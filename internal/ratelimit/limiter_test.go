package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dalfonso89/fine-life/internal/testutils"
)

func TestLimiter_Allow(t *testing.T) {
	tests := []struct {
		name             string
		rateLimitEnabled bool
		requests         int
		expected         []bool
	}{
		{
			name:             "rate limiting disabled",
			rateLimitEnabled: false,
			requests:         5,
			expected:         []bool{true, true, true, true, true},
		},
		{
			name:             "within burst",
			rateLimitEnabled: true,
			requests:         3,
			expected:         []bool{true, true, true},
		},
		{
			name:             "exceeds burst",
			rateLimitEnabled: true,
			requests:         5,
			expected:         []bool{true, true, true, false, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testutils.MockConfig()
			cfg.RateLimitEnabled = tt.rateLimitEnabled
			cfg.RateLimitBurst = 3
			cfg.RateLimitRequests = 60
			cfg.RateLimitWindow = time.Minute

			limiter := NewLimiter(cfg, testutils.MockLogger())
			defer limiter.Stop()

			fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			limiter.now = func() time.Time { return fixed }

			for i := 0; i < tt.requests; i++ {
				if got := limiter.Allow("192.168.1.1"); got != tt.expected[i] {
					t.Errorf("request %d: Allow() = %v, want %v", i+1, got, tt.expected[i])
				}
			}
		})
	}
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	cfg := testutils.MockConfig()
	cfg.RateLimitBurst = 1
	cfg.RateLimitRequests = 60
	cfg.RateLimitWindow = time.Minute

	limiter := NewLimiter(cfg, testutils.MockLogger())
	defer limiter.Stop()

	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return current }

	if !limiter.Allow("client") {
		t.Fatal("first request should be allowed")
	}
	if limiter.Allow("client") {
		t.Fatal("second request should be limited")
	}

	current = current.Add(500 * time.Millisecond)
	if limiter.Allow("client") {
		t.Error("half a token is not enough")
	}

	current = current.Add(500 * time.Millisecond)
	if !limiter.Allow("client") {
		t.Error("a full second at 1 req/s should refill one token")
	}
}

func TestLimiter_SeparateClients(t *testing.T) {
	cfg := testutils.MockConfig()
	cfg.RateLimitBurst = 1

	limiter := NewLimiter(cfg, testutils.MockLogger())
	defer limiter.Stop()

	if !limiter.Allow("10.0.0.1") || !limiter.Allow("10.0.0.2") {
		t.Error("each client should get its own bucket")
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("first client should be limited")
	}
}

func TestLimiter_Sweep(t *testing.T) {
	cfg := testutils.MockConfig()
	limiter := NewLimiter(cfg, testutils.MockLogger())
	defer limiter.Stop()

	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return current }

	limiter.Allow("idle")
	current = current.Add(2 * time.Hour)
	limiter.Allow("active")

	if removed := limiter.sweep(); removed != 1 {
		t.Errorf("sweep() removed %d buckets, want 1", removed)
	}
	if _, ok := limiter.clientBuckets["active"]; !ok {
		t.Error("active bucket should survive the sweep")
	}
}

func TestLimiter_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := testutils.MockConfig()
	cfg.RateLimitBurst = 2

	limiter := NewLimiter(cfg, testutils.MockLogger())
	defer limiter.Stop()

	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)

		if w.Code == http.StatusTooManyRequests {
			if w.Header().Get("X-RateLimit-Remaining") != "0" {
				t.Errorf("X-RateLimit-Remaining = %q, want 0", w.Header().Get("X-RateLimit-Remaining"))
			}
			if w.Header().Get("X-RateLimit-Limit") != "100" {
				t.Errorf("X-RateLimit-Limit = %q, want 100", w.Header().Get("X-RateLimit-Limit"))
			}
		}
	}

	expected := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range expected {
		if codes[i] != expected[i] {
			t.Errorf("request %d: status = %d, want %d", i+1, codes[i], expected[i])
		}
	}
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	limiter := NewLimiter(testutils.MockConfig(), testutils.MockLogger())
	limiter.Stop()
	limiter.Stop()
}
