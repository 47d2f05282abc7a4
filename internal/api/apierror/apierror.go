// Package apierror maps errors from the entitlement engine, the lifecycle ingestor and the
// repositories onto HTTP responses. Every handler reports failures through Write so clients
// see one error shape: {"error": message, "code": code} plus "retryable" for transient faults.
package apierror

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sitelicense/license-server/internal/db/repositories"
	"github.com/sitelicense/license-server/internal/ingest"
	"github.com/sitelicense/license-server/internal/licensing"
	"github.com/sitelicense/license-server/internal/middleware"
)

// Error codes that are not input codes from the licensing package
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidEvent      = "invalid_event"
	CodeDuplicateTrial    = "duplicate_trial"
	CodeInvalidTransition = "invalid_transition"
	CodeLicenseNotFound   = "license_not_found"
	CodeEventInProgress   = "event_in_progress"
	CodeUnavailable       = "temporarily_unavailable"
	CodeInternal          = "internal_error"
)

// BadRequest writes a 400 for a body or query that could not be parsed
func BadRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error": message,
		"code":  CodeInvalidRequest,
	})
}

// Write maps err onto a status code and writes the error body
func Write(c *gin.Context, err error) {
	var (
		inputErr      *licensing.InputError
		validationErr *ingest.ValidationError
		transitionErr *licensing.TransitionError
	)

	switch {
	case errors.As(err, &inputErr):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": inputErr.Message,
			"code":  inputErr.Code,
		})
	case errors.As(err, &validationErr):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":  "Invalid lifecycle event",
			"code":   CodeInvalidEvent,
			"fields": validationErr.Fields,
		})
	case errors.Is(err, licensing.ErrDuplicateTrial):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error": "A trial or active license already exists for this email",
			"code":  CodeDuplicateTrial,
		})
	case errors.As(err, &transitionErr):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error": transitionErr.Error(),
			"code":  CodeInvalidTransition,
		})
	case errors.Is(err, repositories.ErrLicenseNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error": "License not found",
			"code":  CodeLicenseNotFound,
		})
	case errors.Is(err, ingest.ErrEventInProgress):
		c.Header("Retry-After", "5")
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":     "Event is already being processed",
			"code":      CodeEventInProgress,
			"retryable": true,
		})
	case licensing.IsRetryable(err), errors.Is(err, licensing.ErrKeyGenerationExhausted):
		slog.Warn("request failed with a transient fault",
			"path", c.FullPath(), "request_id", middleware.GetRequestID(c), "error", err)
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":     "Service temporarily unavailable",
			"code":      CodeUnavailable,
			"retryable": true,
		})
	default:
		slog.Error("request failed",
			"path", c.FullPath(), "request_id", middleware.GetRequestID(c), "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
			"code":  CodeInternal,
		})
	}
}
