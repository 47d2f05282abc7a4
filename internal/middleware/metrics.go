// Package middleware provides the Gin middleware of the license server: request ids, metrics,
// security headers, per-client rate limiting and the shared-secret gates for the admin API and
// the lifecycle webhook. Everything here is registered in internal/api/router.go.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sitelicense/license-server/internal/telemetry"
)

// noRouteLabel replaces the path label of unmatched requests so scanners probing random
// URLs cannot grow label cardinality
const noRouteLabel = "<no-route>"

// MetricsMiddleware records http_requests_total{method, path, status} and
// http_request_duration_seconds{method, path} for every request. The path label is the
// matched route template (e.g. /api/v1/admin/licenses/:key), not the raw URL, so license
// keys never become label values.
//
// Register it after gin.Recovery() so statuses written by the recovery handler are seen.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRouteLabel
		}

		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())
		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
