// ratelimit.go provides Gin middleware that enforces per-client request limits on the public
// plugin endpoints, returning 429 responses once a client exceeds its requests-per-minute budget.
// Two backends exist: an in-process token bucket per client, and a Redis GCRA limiter shared by
// every replica. A limiter fault lets the request through.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/sitelicense/license-server/internal/config"
	"github.com/sitelicense/license-server/internal/safego"
	"github.com/sitelicense/license-server/internal/telemetry"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained number of requests allowed per minute
	RequestsPerMinute int
	// BurstSize is the maximum burst of requests allowed
	BurstSize int
	// CleanupInterval is how often idle in-memory clients are forgotten
	CleanupInterval time.Duration
	// IdleTimeout is how long a client must be idle before it is forgotten
	IdleTimeout time.Duration
}

// RateLimitConfigFrom maps the security.rate_limiting section
func RateLimitConfigFrom(c *config.RateLimitingConfig) RateLimitConfig {
	cfg := DefaultRateLimitConfig()
	if c.RequestsPerMinute > 0 {
		cfg.RequestsPerMinute = c.RequestsPerMinute
	}
	if c.Burst > 0 {
		cfg.BurstSize = c.Burst
	}
	return cfg
}

// DefaultRateLimitConfig returns limits sized for plugin installs validating on page load
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   5 * time.Minute,
		IdleTimeout:       10 * time.Minute,
	}
}

// LimitResult is the outcome of one rate limit check
type LimitResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a client identified by key may make another request
type Limiter interface {
	Allow(ctx context.Context, key string) (LimitResult, error)
	// Name labels the limiter in metrics
	Name() string
	// Limit is the sustained requests-per-minute budget, reported in X-RateLimit-Limit
	Limit() int
}

// visitor is one client's token bucket
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps a token bucket per client in process memory
type MemoryLimiter struct {
	config   RateLimitConfig
	visitors map[string]*visitor
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryLimiter creates an in-memory limiter and starts its cleanup goroutine.
// Call Stop to release it.
func NewMemoryLimiter(config RateLimitConfig) *MemoryLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 10 * time.Minute
	}
	ml := &MemoryLimiter{
		config:   config,
		visitors: make(map[string]*visitor),
		stopCh:   make(chan struct{}),
	}
	safego.Go("ratelimit-cleanup", ml.cleanup)
	return ml
}

// cleanup periodically forgets idle clients
func (ml *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(ml.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ml.evictIdle(time.Now())
		case <-ml.stopCh:
			return
		}
	}
}

func (ml *MemoryLimiter) evictIdle(now time.Time) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	for key, v := range ml.visitors {
		if now.Sub(v.lastSeen) > ml.config.IdleTimeout {
			delete(ml.visitors, key)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (ml *MemoryLimiter) Stop() {
	ml.stopOnce.Do(func() { close(ml.stopCh) })
}

// Name implements Limiter
func (ml *MemoryLimiter) Name() string { return "memory" }

// Limit implements Limiter
func (ml *MemoryLimiter) Limit() int { return ml.config.RequestsPerMinute }

// Allow implements Limiter. It never fails.
func (ml *MemoryLimiter) Allow(_ context.Context, key string) (LimitResult, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := time.Now()
	v, ok := ml.visitors[key]
	if !ok {
		perSecond := rate.Limit(float64(ml.config.RequestsPerMinute) / 60.0)
		v = &visitor{limiter: rate.NewLimiter(perSecond, ml.config.BurstSize)}
		ml.visitors[key] = v
	}
	v.lastSeen = now

	if v.limiter.AllowN(now, 1) {
		return LimitResult{Allowed: true, Remaining: int(v.limiter.TokensAt(now))}, nil
	}

	// Time until one whole token has refilled
	missing := 1 - v.limiter.TokensAt(now)
	wait := time.Duration(missing / float64(v.limiter.Limit()) * float64(time.Second))
	return LimitResult{Allowed: false, Remaining: 0, RetryAfter: wait}, nil
}

// clients returns the number of tracked clients
func (ml *MemoryLimiter) clients() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return len(ml.visitors)
}

// RedisLimiter enforces a limit shared by every replica through Redis
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
}

// NewRedisLimiter creates a limiter backed by rdb
func NewRedisLimiter(rdb *redis.Client, config RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		limit: redis_rate.Limit{
			Rate:   config.RequestsPerMinute,
			Burst:  config.BurstSize,
			Period: time.Minute,
		},
		prefix: "sls:ratelimit:",
	}
}

// Name implements Limiter
func (rl *RedisLimiter) Name() string { return "redis" }

// Limit implements Limiter
func (rl *RedisLimiter) Limit() int { return rl.limit.Rate }

// Allow implements Limiter
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (LimitResult, error) {
	res, err := rl.limiter.Allow(ctx, rl.prefix+key, rl.limit)
	if err != nil {
		return LimitResult{}, fmt.Errorf("redis rate limit check failed: %w", err)
	}
	return LimitResult{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}

// RateLimitMiddleware creates a Gin middleware that rate limits requests per client IP
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := getRateLimitKey(c)

		res, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			telemetry.RateLimitDecisionsTotal.WithLabelValues(limiter.Name(), "error").Inc()
			slog.Warn("rate limiter unavailable, allowing request", "limiter", limiter.Name(), "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

		if !res.Allowed {
			telemetry.RateLimitDecisionsTotal.WithLabelValues(limiter.Name(), "limited").Inc()
			retryAfter := retryAfterSeconds(res.RetryAfter)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		telemetry.RateLimitDecisionsTotal.WithLabelValues(limiter.Name(), "allowed").Inc()
		c.Next()
	}
}

// retryAfterSeconds rounds up to whole seconds, never below one
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// getRateLimitKey keys plugin traffic by client IP; the endpoints are unauthenticated
func getRateLimitKey(c *gin.Context) string {
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
