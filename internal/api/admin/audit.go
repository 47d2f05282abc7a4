package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sitelicense/license-server/internal/api/apierror"
	"github.com/sitelicense/license-server/internal/db/models"
	"github.com/sitelicense/license-server/internal/db/repositories"
)

// AuditLister lists audit log entries
type AuditLister interface {
	ListAuditLogs(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error)
}

// AuditHandler serves the override audit trail
type AuditHandler struct {
	logs AuditLister
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(logs AuditLister) *AuditHandler {
	return &AuditHandler{logs: logs}
}

// @Summary      List audit logs
// @Description  Lists administrative override records, newest first, with optional filters.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        license_key  query  string  false  "Filter by license key"
// @Param        action       query  string  false  "Filter by action, e.g. override.set_kill_switch"
// @Param        actor        query  string  false  "Filter by actor"
// @Param        start_date   query  string  false  "RFC3339 lower bound"
// @Param        end_date     query  string  false  "RFC3339 upper bound"
// @Param        page         query  int     false  "Page number (default 1)"
// @Param        per_page     query  int     false  "Items per page, max 100 (default 20)"
// @Success      200  {object}  map[string]interface{}  "logs: []models.AuditLog, pagination"
// @Failure      400  {object}  map[string]interface{}  "Invalid date filter"
// @Router       /api/v1/admin/audit-logs [get]
// ListAuditLogs handles GET /api/v1/admin/audit-logs?page=1&per_page=20
func (h *AuditHandler) ListAuditLogs(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))

	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	offset := (page - 1) * perPage

	var filters repositories.AuditFilters
	if v := c.Query("license_key"); v != "" {
		filters.LicenseKey = &v
	}
	if v := c.Query("action"); v != "" {
		filters.Action = &v
	}
	if v := c.Query("actor"); v != "" {
		filters.Actor = &v
	}
	for param, dst := range map[string]**time.Time{
		"start_date": &filters.StartDate,
		"end_date":   &filters.EndDate,
	} {
		v := c.Query(param)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			apierror.BadRequest(c, param+" must be an RFC3339 timestamp")
			return
		}
		*dst = &t
	}

	logs, total, err := h.logs.ListAuditLogs(c.Request.Context(), filters, perPage, offset)
	if err != nil {
		apierror.Write(c, err)
		return
	}
	if logs == nil {
		logs = []*models.AuditLog{}
	}

	c.JSON(http.StatusOK, gin.H{
		"logs": logs,
		"pagination": gin.H{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}
