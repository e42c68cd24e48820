// Package ratelimit limits API requests per caller using a fixed window.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/fiatlock/releasegate/internal/auth"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per caller per window
	RequestsPerMinute int64
	// Period is the window length (default one minute)
	Period time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		Period:            time.Minute,
	}
}

// Limiter tracks rate limits by key
type Limiter struct {
	instance *limiter.Limiter
}

// New creates a rate limiter backed by an in-process store. Replicas
// enforce their limits independently.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Minute
	}
	rate := limiter.Rate{Period: cfg.Period, Limit: cfg.RequestsPerMinute}
	return &Limiter{instance: limiter.New(memory.NewStore(), rate)}
}

// Allow consumes one request for key and reports whether it is within the limit.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, limiter.Context, error) {
	lc, err := l.instance.Get(ctx, key)
	if err != nil {
		return false, lc, err
	}
	return !lc.Reached, lc, nil
}

// Key identifies the caller: the authenticated user when present, else the client IP.
func Key(c *gin.Context) string {
	if id, ok := auth.GetIdentity(c); ok {
		return "user:" + id.UserID
	}
	return "ip:" + c.ClientIP()
}

// Middleware returns a Gin middleware that rate limits by caller. It must
// run after auth.Middleware so authenticated callers get their own bucket.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, lc, err := l.Allow(c.Request.Context(), Key(c))
		if err != nil {
			// Fail open: the store is in-process and errors are not expected.
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lc.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lc.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lc.Reset, 10))

		if !ok {
			retryAfter := max(lc.Reset-time.Now().Unix(), 1)
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

// MiddlewareWithConfig creates middleware with custom config
func MiddlewareWithConfig(cfg Config) gin.HandlerFunc {
	return New(cfg).Middleware()
}
