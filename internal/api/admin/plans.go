package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sitelicense/license-server/internal/ingest"
)

// PlansHandler serves the loaded plan table
type PlansHandler struct {
	plans *ingest.PlanTable
}

// NewPlansHandler creates a new plans handler
func NewPlansHandler(plans *ingest.PlanTable) *PlansHandler {
	return &PlansHandler{plans: plans}
}

// ListPlans handles GET /api/v1/admin/plans
func (h *PlansHandler) ListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": h.plans.Version(),
		"plans":   h.plans.Plans(),
	})
}
