// Package admin implements the administrative API: license lookup, seat and event history,
// overrides, the audit trail and aggregate statistics. Every route sits behind
// middleware.AdminAuthMiddleware; the override endpoint is the only one that writes, and it
// writes through the entitlement engine.
package admin

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sitelicense/license-server/internal/api/apierror"
	"github.com/sitelicense/license-server/internal/db/models"
	"github.com/sitelicense/license-server/internal/licensing"
	"github.com/sitelicense/license-server/internal/middleware"
)

// LicenseReader reads license records
type LicenseReader interface {
	Get(ctx context.Context, key string) (*models.License, error)
	ListByEmail(ctx context.Context, email string) ([]*models.License, error)
}

// SeatReader reads the seat ledger
type SeatReader interface {
	ListSeats(ctx context.Context, key string) ([]*models.SiteSeat, error)
	CountActive(ctx context.Context, key string) (int, error)
}

// EventReader reads the lifecycle event history of a license
type EventReader interface {
	ListByLicense(ctx context.Context, key string) ([]*models.LifecycleEventRecord, error)
}

// Overrider applies administrative overrides
type Overrider interface {
	AdminOverride(ctx context.Context, key string, op licensing.OverrideOp, p licensing.OverrideParams, actor licensing.Actor) (*licensing.OverrideResult, error)
}

// LicenseHandler serves the license administration endpoints
type LicenseHandler struct {
	licenses LicenseReader
	seats    SeatReader
	events   EventReader
	engine   Overrider
}

// NewLicenseHandler creates a new license admin handler
func NewLicenseHandler(licenses LicenseReader, seats SeatReader, events EventReader, engine Overrider) *LicenseHandler {
	return &LicenseHandler{
		licenses: licenses,
		seats:    seats,
		events:   events,
		engine:   engine,
	}
}

// LicenseDetail is a license with its current seat usage
type LicenseDetail struct {
	*models.License
	SeatsUsed      int              `json:"seats_used"`
	SeatsRemaining models.SeatLimit `json:"seats_remaining"`
}

// OverrideRequest is the body of an override call
type OverrideRequest struct {
	Operation licensing.OverrideOp     `json:"operation" binding:"required"`
	Params    licensing.OverrideParams `json:"params"`
}

// @Summary      Find licenses by email
// @Description  Lists every license issued to the customer email, newest first.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        email  query  string  true  "Customer email"
// @Success      200  {object}  map[string]interface{}  "licenses: []models.License"
// @Failure      400  {object}  map[string]interface{}  "Missing email"
// @Router       /api/v1/admin/licenses [get]
// ListByEmail handles GET /api/v1/admin/licenses?email=
func (h *LicenseHandler) ListByEmail(c *gin.Context) {
	email := strings.TrimSpace(c.Query("email"))
	if email == "" {
		apierror.BadRequest(c, "email query parameter is required")
		return
	}

	licenses, err := h.licenses.ListByEmail(c.Request.Context(), email)
	if err != nil {
		apierror.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"licenses": licenses})
}

// @Summary      Get a license
// @Description  Returns the license record with its current seat usage.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        key  path  string  true  "License key"
// @Success      200  {object}  LicenseDetail
// @Failure      404  {object}  map[string]interface{}  "License not found"
// @Router       /api/v1/admin/licenses/{key} [get]
// GetLicense handles GET /api/v1/admin/licenses/:key
func (h *LicenseHandler) GetLicense(c *gin.Context) {
	ctx := c.Request.Context()
	key := c.Param("key")

	lic, err := h.licenses.Get(ctx, key)
	if err != nil {
		apierror.Write(c, err)
		return
	}

	used, err := h.seats.CountActive(ctx, key)
	if err != nil {
		apierror.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, LicenseDetail{
		License:        lic,
		SeatsUsed:      used,
		SeatsRemaining: lic.SeatLimit.Remaining(used),
	})
}

// ListSeats handles GET /api/v1/admin/licenses/:key/seats. Deactivated seats are included
// only with ?include_deactivated=true.
func (h *LicenseHandler) ListSeats(c *gin.Context) {
	ctx := c.Request.Context()
	key := c.Param("key")

	if _, err := h.licenses.Get(ctx, key); err != nil {
		apierror.Write(c, err)
		return
	}

	seats, err := h.seats.ListSeats(ctx, key)
	if err != nil {
		apierror.Write(c, err)
		return
	}

	if c.Query("include_deactivated") != "true" {
		active := make([]*models.SiteSeat, 0, len(seats))
		for _, s := range seats {
			if s.IsActive() {
				active = append(active, s)
			}
		}
		seats = active
	}

	c.JSON(http.StatusOK, gin.H{"seats": seats})
}

// ListEvents handles GET /api/v1/admin/licenses/:key/events
func (h *LicenseHandler) ListEvents(c *gin.Context) {
	ctx := c.Request.Context()
	key := c.Param("key")

	if _, err := h.licenses.Get(ctx, key); err != nil {
		apierror.Write(c, err)
		return
	}

	events, err := h.events.ListByLicense(ctx, key)
	if err != nil {
		apierror.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

// @Summary      Apply an override
// @Description  Applies one administrative override: set_kill_switch, set_seat_limit, extend_trial, force_status,
// @Description  convert_lifetime, reenable, release_all_seats or release_seat. The operation is recorded in the audit trail.
// @Tags         Admin
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        key   path  string           true  "License key"
// @Param        body  body  OverrideRequest  true  "Operation and parameters"
// @Success      200  {object}  licensing.OverrideResult
// @Failure      400  {object}  map[string]interface{}  "Unknown operation or invalid parameters"
// @Failure      404  {object}  map[string]interface{}  "License not found"
// @Failure      409  {object}  map[string]interface{}  "Transition not allowed from the current status"
// @Router       /api/v1/admin/licenses/{key}/overrides [post]
// ApplyOverride handles POST /api/v1/admin/licenses/:key/overrides
func (h *LicenseHandler) ApplyOverride(c *gin.Context) {
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	actor := licensing.Actor{
		Name:      middleware.GetAdminActor(c),
		IPAddress: c.ClientIP(),
	}

	res, err := h.engine.AdminOverride(c.Request.Context(), c.Param("key"), req.Operation, req.Params, actor)
	if err != nil {
		apierror.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}
