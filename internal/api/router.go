// Package api wires together all HTTP routes for the license server.
//
// Route groups:
//   - Plugin routes (/api/v1/licenses, /api/v1/trials) are public. The plugin only holds a
//     license key, so these routes are rate limited per client IP instead of authenticated.
//   - The lifecycle webhook (/api/v1/events/lifecycle) authenticates the payment relay
//     with a shared secret header.
//   - Admin routes (/api/v1/admin) require the admin bearer secret.
//
// Every license state change flows through the one licensing.Engine built here; handlers
// and jobs never write license rows themselves.
package api

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/sitelicense/license-server/internal/api/admin"
	"github.com/sitelicense/license-server/internal/api/licenses"
	"github.com/sitelicense/license-server/internal/api/webhooks"
	"github.com/sitelicense/license-server/internal/audit"
	"github.com/sitelicense/license-server/internal/config"
	"github.com/sitelicense/license-server/internal/db/repositories"
	"github.com/sitelicense/license-server/internal/ingest"
	"github.com/sitelicense/license-server/internal/jobs"
	"github.com/sitelicense/license-server/internal/licensing"
	"github.com/sitelicense/license-server/internal/middleware"
	"github.com/sitelicense/license-server/internal/notify"
	"github.com/sitelicense/license-server/internal/safego"
)

// Version is the server release reported by /version
const Version = "0.1.0"

const shutdownTimeout = 10 * time.Second

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	sweeper    *jobs.ExpirySweeper
	reminder   *jobs.TrialReminder
	dispatcher *notify.Dispatcher
	shipper    *audit.MultiShipper
	limiter    *middleware.MemoryLimiter
	redis      *redis.Client
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.sweeper != nil {
		bg.sweeper.Stop()
	}
	if bg.reminder != nil {
		bg.reminder.Stop()
	}
	if bg.limiter != nil {
		bg.limiter.Stop()
	}
	if bg.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := bg.dispatcher.Close(ctx); err != nil {
			slog.Warn("notification dispatcher did not drain", "error", err)
		}
		cancel()
	}
	if bg.shipper != nil {
		if err := bg.shipper.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}
	if bg.redis != nil {
		if err := bg.redis.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter builds the engine and its collaborators, starts the background jobs and
// returns the configured Gin router
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices, error) {
	bg := &BackgroundServices{}

	plans, err := ingest.NewPlanTable(&cfg.Plans)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load plan table: %w", err)
	}
	slog.Info("plan table loaded", "version", plans.Version(), "digest", plans.Digest(), "plans", len(plans.Plans()))

	var tokens *licensing.TokenIssuer
	if cfg.Licensing.TokenSigningKey != "" {
		tokens, err = licensing.NewTokenIssuer(cfg.Licensing.TokenSigningKey, cfg.Licensing.TokenTTL)
		if err != nil {
			return nil, nil, err
		}
	} else {
		slog.Warn("licensing.token_signing_key not set; validation responses carry no signed token")
	}

	// Initialize repositories
	sqlxDB := sqlx.NewDb(db, "postgres")
	licenseRepo := repositories.NewLicenseRepository(sqlxDB)
	seatRepo := repositories.NewSeatRepository(sqlxDB)
	eventRepo := repositories.NewEventRepository(sqlxDB)
	auditRepo := repositories.NewAuditRepository(db)

	// Notifications are delivered asynchronously; nothing in a request waits on them
	bg.dispatcher = notify.NewDispatcher(notify.NewSinks(&cfg.Notifications), cfg.Notifications.QueueSize, cfg.Notifications.Workers)

	shipper, err := audit.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize audit shippers: %w", err)
	}
	bg.shipper = shipper
	var auditStore audit.Store
	if cfg.Audit.Enabled {
		auditStore = auditRepo
	}
	recorder := audit.NewRecorder(auditStore, shipper)

	engine, err := licensing.NewEngine(licensing.ConfigFrom(&cfg.Licensing), licenseRepo, seatRepo, bg.dispatcher, recorder, tokens)
	if err != nil {
		_ = shipper.Close()
		return nil, nil, fmt.Errorf("failed to initialize entitlement engine: %w", err)
	}
	bg.dispatcher.Start()
	ingestor := ingest.NewIngestor(eventRepo, licenseRepo, engine, plans)

	// Background jobs
	bg.sweeper = jobs.NewExpirySweeper(engine, cfg.Licensing.ExpirySweepInterval)
	safego.Go("expiry-sweeper", func() { bg.sweeper.Start(context.Background()) })
	bg.reminder = jobs.NewTrialReminder(licenseRepo, engine, seatRepo, bg.dispatcher, &cfg.Notifications)
	safego.Go("trial-reminder", func() { bg.reminder.Start(context.Background()) })

	// Rate limiting for the public plugin routes
	readiness := map[string]func(context.Context) error{
		"database": db.PingContext,
	}
	var limiter middleware.Limiter
	if cfg.Security.RateLimiting.Enabled {
		rlCfg := middleware.RateLimitConfigFrom(&cfg.Security.RateLimiting)
		if cfg.Redis.Enabled {
			bg.redis = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			limiter = middleware.NewRedisLimiter(bg.redis, rlCfg)
			readiness["redis"] = func(ctx context.Context) error { return bg.redis.Ping(ctx).Err() }
		} else {
			bg.limiter = middleware.NewMemoryLimiter(rlCfg)
			limiter = bg.limiter
		}
		slog.Info("rate limiting enabled", "backend", limiter.Name(), "requests_per_minute", limiter.Limit())
	}

	var publicKey ed25519.PublicKey
	if tokens != nil {
		publicKey = tokens.PublicKey()
	}

	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(readiness))
	router.GET("/version", versionHandler(plans))

	apiV1 := router.Group("/api/v1")

	// Plugin endpoints
	licenseHandler := licenses.NewHandler(engine, publicKey)
	plugin := apiV1.Group("")
	if limiter != nil {
		plugin.Use(middleware.RateLimitMiddleware(limiter))
	}
	{
		plugin.POST("/licenses/validate", licenseHandler.Validate)
		plugin.POST("/licenses/unregister", licenseHandler.Unregister)
		plugin.GET("/licenses/token-key", licenseHandler.TokenKey)
		plugin.POST("/trials", licenseHandler.RegisterTrial)
	}

	// Payment lifecycle events from the processor relay
	lifecycleHandler := webhooks.NewLifecycleHandler(ingestor)
	apiV1.POST("/events/lifecycle", middleware.WebhookSecretMiddleware(cfg.Webhooks.LifecycleSecret), lifecycleHandler.HandleEvent)

	// Admin endpoints
	adminLicenses := admin.NewLicenseHandler(licenseRepo, seatRepo, eventRepo, engine)
	statsHandler := admin.NewStatsHandler(licenseRepo, seatRepo, eventRepo, plans.Version())
	auditHandler := admin.NewAuditHandler(auditRepo)
	plansHandler := admin.NewPlansHandler(plans)

	adminGroup := apiV1.Group("/admin")
	adminGroup.Use(middleware.AdminAuthMiddleware(cfg.Admin.APISecretHash))
	{
		adminGroup.GET("/licenses", adminLicenses.ListByEmail)
		adminGroup.GET("/licenses/:key", adminLicenses.GetLicense)
		adminGroup.GET("/licenses/:key/seats", adminLicenses.ListSeats)
		adminGroup.GET("/licenses/:key/events", adminLicenses.ListEvents)
		adminGroup.POST("/licenses/:key/overrides", adminLicenses.ApplyOverride)
		adminGroup.GET("/stats", statsHandler.GetDashboardStats)
		adminGroup.GET("/audit-logs", auditHandler.ListAuditLogs)
		adminGroup.GET("/plans", plansHandler.ListPlans)
	}

	return router, bg, nil
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks the database and, when used for rate limiting, Redis.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks, error"
// @Router       /ready [get]
// readinessHandler runs every named probe; any failure makes the instance not ready
func readinessHandler(probes map[string]func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}
		ready := true
		for name, probe := range probes {
			if err := probe(c.Request.Context()); err != nil {
				checks[name] = "unhealthy"
				ready = false
				continue
			}
			checks[name] = "healthy"
		}

		if !ready {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "dependencies not ready",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Description  Returns the server version, API version and the loaded plan table version.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version, plan_version, plan_digest"
// @Router       /version [get]
// versionHandler returns the API version
func versionHandler(plans *ingest.PlanTable) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":      Version,
			"api_version":  "v1",
			"plan_version": plans.Version(),
			"plan_digest":  plans.Digest(),
		})
	}
}

// LoggerMiddleware provides structured request logging. The output format follows the
// global slog handler configured by telemetry.SetupLogger.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	quiet := map[string]bool{"/health": true, "/ready": true}
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		if quiet[path] && c.Writer.Status() < http.StatusBadRequest && cfg.Logging.Level != "debug" {
			return
		}
		logRequest(c, time.Since(start), path)
	}
}

// logRequest emits one slog record per request. The query string is left out because
// plugin and admin lookups carry license keys and customer emails.
func logRequest(c *gin.Context, latency time.Duration, path string) {
	level := slog.LevelInfo
	if c.Writer.Status() >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.LogAttrs(
		c.Request.Context(),
		level,
		"http request",
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("route", c.FullPath()),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", middleware.GetRequestID(c)),
		slog.String("user_agent", c.Request.UserAgent()),
	)
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := "GET, POST, DELETE, OPTIONS"
	if len(cfg.Security.CORS.AllowedMethods) > 0 {
		methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	}
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		wildcard := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" {
				allowed, wildcard = true, true
				break
			}
			if allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if wildcard || origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID, "+middleware.AdminActorHeader)
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
