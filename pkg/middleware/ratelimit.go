package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sirosfoundation/go-wallet-handshake/pkg/config"
)

// RateLimiter limits how often one client may start handshakes. Each client
// key gets its own token bucket.
type RateLimiter struct {
	config config.RateLimitConfig
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*clientLimiter

	cleanupInterval time.Duration
	lastCleanup     time.Time
}

// clientLimiter holds the rate limiter for a single client
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg config.RateLimitConfig, logger *zap.Logger) *RateLimiter {
	cfg.SetDefaults()
	return &RateLimiter{
		config:          cfg,
		logger:          logger.Named("ratelimit"),
		clients:         make(map[string]*clientLimiter),
		cleanupInterval: 10 * time.Minute,
		lastCleanup:     time.Now(),
	}
}

// getLimiter returns the rate limiter for a client, creating it if needed
func (r *RateLimiter) getLimiter(key string) *clientLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if time.Since(r.lastCleanup) > r.cleanupInterval {
		r.cleanup()
	}

	limiter, exists := r.clients[key]
	if exists {
		limiter.lastSeen = time.Now()
		return limiter
	}

	limiter = &clientLimiter{
		limiter:  rate.NewLimiter(rate.Limit(float64(r.config.RequestsPerMinute)/60.0), r.config.Burst),
		lastSeen: time.Now(),
	}
	r.clients[key] = limiter
	return limiter
}

// cleanup removes limiters that haven't been used in a while
func (r *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-30 * time.Minute)
	for key, limiter := range r.clients {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.clients, key)
		}
	}
	r.lastCleanup = time.Now()
}

// Allow reports whether a request from key may proceed.
func (r *RateLimiter) Allow(key string) bool {
	if !r.config.Enabled {
		return true
	}
	return r.getLimiter(key).limiter.Allow()
}

// Clients returns the number of tracked clients.
func (r *RateLimiter) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// RateLimitMiddleware returns a Gin middleware that limits requests per client IP
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.config.Enabled {
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		if !rl.Allow(clientIP) {
			rl.logger.Warn("Rate limit exceeded", zap.String("client_ip", clientIP))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many handshake requests. Please try again later.",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
