// auth.go provides the two shared-secret gates of the license server: the admin API
// ("Authorization: Bearer <secret>", checked against a bcrypt hash) and the payment relay
// webhook ("X-Webhook-Secret", compared in constant time).
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sitelicense/license-server/internal/auth"
	"github.com/sitelicense/license-server/internal/telemetry"
)

const (
	// AdminActorKey is the context key holding the name recorded in the audit trail
	AdminActorKey = "admin_actor"

	// AdminActorHeader lets an operator name themselves in the audit trail
	AdminActorHeader = "X-Admin-Actor"

	// WebhookSecretHeader carries the lifecycle relay's shared secret
	WebhookSecretHeader = "X-Webhook-Secret"

	defaultAdminActor = "admin"
	maxActorLength    = 100
)

const (
	adminMaxFailures   = 5
	adminFailureWindow = time.Minute
)

// failureLimiter tracks failed admin authentications per IP. Once an IP reaches maxFailures
// within window it is refused before any bcrypt work is done.
type failureLimiter struct {
	mu          sync.Mutex
	failures    map[string][]time.Time
	maxFailures int
	window      time.Duration
	now         func() time.Time
}

func newFailureLimiter(maxFailures int, window time.Duration) *failureLimiter {
	return &failureLimiter{
		failures:    make(map[string][]time.Time),
		maxFailures: maxFailures,
		window:      window,
		now:         time.Now,
	}
}

// recent prunes and returns the failures of ip inside the window; the caller holds mu
func (fl *failureLimiter) recent(ip string) []time.Time {
	cutoff := fl.now().Add(-fl.window)
	kept := fl.failures[ip][:0]
	for _, t := range fl.failures[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(fl.failures, ip)
		return nil
	}
	fl.failures[ip] = kept
	return kept
}

// blocked reports whether ip has used up its failures
func (fl *failureLimiter) blocked(ip string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return len(fl.recent(ip)) >= fl.maxFailures
}

// fail records a failed attempt from ip
func (fl *failureLimiter) fail(ip string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.failures[ip] = append(fl.recent(ip), fl.now())
}

// AdminAuthMiddleware authenticates admin requests against the bcrypt hash of the shared admin
// secret. An empty hash disables the admin API. Repeated failures from one IP are refused with
// 429 for a minute. On success the actor name (X-Admin-Actor, default "admin") is stored under
// AdminActorKey.
func AdminAuthMiddleware(secretHash string) gin.HandlerFunc {
	limiter := newFailureLimiter(adminMaxFailures, adminFailureWindow)

	return func(c *gin.Context) {
		if secretHash == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "Admin API is not configured",
			})
			return
		}

		clientIP := c.ClientIP()
		if limiter.blocked(clientIP) {
			telemetry.RateLimitDecisionsTotal.WithLabelValues("admin_auth", "limited").Inc()
			slog.Warn("admin auth: too many failed attempts", "ip", clientIP)
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many failed authentication attempts. Try again in one minute.",
			})
			return
		}

		secret, err := auth.ExtractBearer(c.GetHeader("Authorization"))
		if err != nil {
			limiter.fail(clientIP)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header required. Use: Authorization: Bearer <admin secret>",
			})
			return
		}

		if !auth.VerifySecret(secret, secretHash) {
			limiter.fail(clientIP)
			slog.Warn("admin auth: invalid secret", "ip", clientIP)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid admin secret",
			})
			return
		}

		c.Set(AdminActorKey, adminActor(c.GetHeader(AdminActorHeader)))
		c.Next()
	}
}

// adminActor sanitises the self-declared operator name
func adminActor(raw string) string {
	name := strings.TrimSpace(raw)
	if name == "" {
		return defaultAdminActor
	}
	if len(name) > maxActorLength {
		name = name[:maxActorLength]
	}
	return name
}

// WebhookSecretMiddleware authenticates the payment relay by its shared secret.
// An empty configured secret rejects every request.
func WebhookSecretMiddleware(secret string) gin.HandlerFunc {
	expected := []byte(secret)

	return func(c *gin.Context) {
		if len(expected) == 0 {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "Lifecycle webhook is not configured",
			})
			return
		}

		presented := []byte(c.GetHeader(WebhookSecretHeader))
		if subtle.ConstantTimeCompare(presented, expected) != 1 {
			slog.Warn("lifecycle webhook: invalid secret", "ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid webhook secret",
			})
			return
		}

		c.Next()
	}
}

// GetAdminActor returns the authenticated admin's name from the context
func GetAdminActor(c *gin.Context) string {
	if v, ok := c.Get(AdminActorKey); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return defaultAdminActor
}
