// Package telemetry provides application-level observability for the license server.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<SLS_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Validation decisions by outcome reason
//   - Seat reservations and releases
//   - Lifecycle event ingestion outcomes and license state transitions
//   - Notification deliveries and queue drops
//   - Administrative overrides and audit shipping
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// No metric is labelled by license key, email or site. HTTP metrics use c.FullPath()
// (e.g. /api/v1/admin/licenses/:key) rather than the raw URL.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
//
// Example PromQL queries:
//   - Error rate (%):        sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route: histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Entitlement metrics.
//
// ValidationDecisionsTotal is labelled {outcome} where outcome is "allowed" or the denial
// reason (InvalidKey, Disabled, Expired, Suspended, Cancelled, Deactivated, SeatLimitExceeded).
//
// Example PromQL queries:
//   - Denial ratio:          sum(rate(license_validation_decisions_total{outcome!="allowed"}[5m])) / sum(rate(license_validation_decisions_total[5m]))
//   - Seat pressure:         rate(license_validation_decisions_total{outcome="SeatLimitExceeded"}[1h])
//
// SeatOperationsTotal is labelled {operation, result}: operation is reserve, touch or
// release; result is ok, rejected or error.
//
// StateTransitionsTotal is labelled {from, to, event} and counts every committed status change.
var (
	ValidationDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_validation_decisions_total",
			Help: "Total number of validation decisions, by outcome.",
		},
		[]string{"outcome"},
	)

	SeatOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_seat_operations_total",
			Help: "Total number of seat ledger operations, by operation and result.",
		},
		[]string{"operation", "result"},
	)

	StateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_state_transitions_total",
			Help: "Total number of license status transitions, by from status, to status and triggering event.",
		},
		[]string{"from", "to", "event"},
	)

	StoreRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_store_retries_total",
			Help: "Total number of retried transient storage faults, by operation.",
		},
		[]string{"operation"},
	)
)

// Lifecycle ingestion metrics.
//
// LifecycleEventsTotal is labelled {kind, result}: result is applied, ignored, replayed,
// in_progress, invalid or error. A non-zero error rate means the payment processor is retrying.
//
// Example PromQL queries:
//   - Alert on failing ingestion: increase(license_lifecycle_events_total{result="error"}[15m]) > 0
var LifecycleEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "license_lifecycle_events_total",
		Help: "Total number of lifecycle events received, by kind and result.",
	},
	[]string{"kind", "result"},
)

// Notification metrics.
//
// NotificationsTotal is labelled {sink, result} (sent or failed).
// NotificationsDroppedTotal counts notifications discarded because the dispatch queue was
// full or already closed; validation and ingestion never block on delivery.
var (
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_notifications_total",
			Help: "Total number of notification delivery attempts, by sink and result.",
		},
		[]string{"sink", "result"},
	)

	NotificationsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "license_notifications_dropped_total",
			Help: "Total number of notifications dropped before delivery.",
		},
	)
)

// AdminOverridesTotal is labelled {operation, result} (ok or error).
var AdminOverridesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "license_admin_overrides_total",
		Help: "Total number of administrative overrides, by operation and result.",
	},
	[]string{"operation", "result"},
)

// AuditShippedTotal is labelled {shipper, result}. shipper is "webhook" or "file"; result is
// shipped, retried or failed. A batch counts once per delivery attempt outcome.
var AuditShippedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "license_audit_shipped_total",
		Help: "Total number of audit shipping outcomes, by shipper and result.",
	},
	[]string{"shipper", "result"},
)

// RateLimitDecisionsTotal is labelled {limiter, result}. limiter is "memory", "redis" or
// "admin_auth"; result is allowed, limited or error (the request is let through on error).
var RateLimitDecisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "license_rate_limit_decisions_total",
		Help: "Total number of rate limiter decisions, by limiter and result.",
	},
	[]string{"limiter", "result"},
)

// Background job metrics.
//
// LicensesExpiredTotal counts licenses moved to expired by the sweeper (lazy expiry during
// validation is counted by StateTransitionsTotal only).
// TrialRemindersSentTotal counts trial expiry reminders handed to the dispatcher.
var (
	LicensesExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "license_sweeper_expired_total",
			Help: "Total number of licenses expired by the background sweeper.",
		},
	)

	TrialRemindersSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "license_trial_reminders_sent_total",
			Help: "Total number of trial expiry reminders queued.",
		},
	)
)

// DBOpenConnections tracks the number of open connections held by the sql.DB pool.
// It is sampled every 30 seconds by StartDBStatsCollector rather than per request.
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <SLS_DATABASE_MAX_CONNECTIONS> * 100
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples sql.DB pool statistics every 30 seconds until ctx is
// cancelled or the database becomes unreachable.
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(ctx, database)
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}
