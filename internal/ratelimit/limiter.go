package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/fine-life/internal/config"
	"github.com/dalfonso89/fine-life/internal/models"
)

const (
	cleanupInterval = 5 * time.Minute
	idleBucketTTL   = time.Hour
)

// Limiter keeps a token bucket per client address
type Limiter struct {
	enabled  bool
	requests int
	window   time.Duration
	burst    int
	logger   logrus.FieldLogger
	now      func() time.Time

	bucketsMutex  sync.Mutex
	clientBuckets map[string]*TokenBucket

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// TokenBucket refills continuously at requests/window up to its capacity
type TokenBucket struct {
	capacity   float64
	tokens     float64
	perSecond  float64
	lastRefill time.Time
}

// NewLimiter creates a limiter from the rate limit settings and starts the
// idle bucket sweeper
func NewLimiter(configuration *config.Config, logger logrus.FieldLogger) *Limiter {
	burst := configuration.RateLimitBurst
	if burst <= 0 {
		burst = configuration.RateLimitRequests
	}
	window := configuration.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}

	rateLimiter := &Limiter{
		enabled:       configuration.RateLimitEnabled,
		requests:      configuration.RateLimitRequests,
		window:        window,
		burst:         burst,
		logger:        logger,
		now:           time.Now,
		clientBuckets: make(map[string]*TokenBucket),
		stopCleanup:   make(chan struct{}),
	}
	if rateLimiter.enabled {
		go rateLimiter.cleanup()
	}
	return rateLimiter
}

// Allow takes a token for clientKey and reports whether one was available
func (rateLimiter *Limiter) Allow(clientKey string) bool {
	if !rateLimiter.enabled {
		return true
	}

	rateLimiter.bucketsMutex.Lock()
	defer rateLimiter.bucketsMutex.Unlock()

	currentTime := rateLimiter.now()
	tokenBucket, bucketExists := rateLimiter.clientBuckets[clientKey]
	if !bucketExists {
		tokenBucket = &TokenBucket{
			capacity:   float64(rateLimiter.burst),
			tokens:     float64(rateLimiter.burst),
			perSecond:  float64(rateLimiter.requests) / rateLimiter.window.Seconds(),
			lastRefill: currentTime,
		}
		rateLimiter.clientBuckets[clientKey] = tokenBucket
	}
	return tokenBucket.take(currentTime)
}

// Middleware rejects clients that ran out of tokens with 429
func (rateLimiter *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if rateLimiter.Allow(clientIP) {
			c.Next()
			return
		}

		rateLimiter.logger.Warnf("Rate limit exceeded for IP: %s", clientIP)
		c.Header("X-RateLimit-Limit", strconv.Itoa(rateLimiter.requests))
		c.Header("X-RateLimit-Remaining", "0")
		c.Header("X-RateLimit-Reset", strconv.FormatInt(rateLimiter.now().Add(rateLimiter.window).Unix(), 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
			Error:   "rate limit exceeded",
			Message: "too many requests, slow down",
			Code:    http.StatusTooManyRequests,
		})
	}
}

// Stop ends the sweeper; safe to call more than once
func (rateLimiter *Limiter) Stop() {
	rateLimiter.stopOnce.Do(func() {
		close(rateLimiter.stopCleanup)
	})
}

func (rateLimiter *Limiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rateLimiter.sweep()
		case <-rateLimiter.stopCleanup:
			return
		}
	}
}

// sweep drops buckets that have been idle long enough to be full again
func (rateLimiter *Limiter) sweep() int {
	rateLimiter.bucketsMutex.Lock()
	defer rateLimiter.bucketsMutex.Unlock()

	currentTime := rateLimiter.now()
	removed := 0
	for clientKey, tokenBucket := range rateLimiter.clientBuckets {
		if currentTime.Sub(tokenBucket.lastRefill) > idleBucketTTL {
			delete(rateLimiter.clientBuckets, clientKey)
			removed++
		}
	}
	return removed
}

func (tokenBucket *TokenBucket) take(currentTime time.Time) bool {
	if elapsed := currentTime.Sub(tokenBucket.lastRefill); elapsed > 0 {
		tokenBucket.tokens = math.Min(tokenBucket.capacity, tokenBucket.tokens+elapsed.Seconds()*tokenBucket.perSecond)
		tokenBucket.lastRefill = currentTime
	}
	if tokenBucket.tokens < 1 {
		return false
	}
	tokenBucket.tokens--
	return true
}
