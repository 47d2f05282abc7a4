package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/sitelicense/license-server/internal/api/apierror"
	"github.com/sitelicense/license-server/internal/db/models"
	"github.com/sitelicense/license-server/internal/db/repositories"
)

// StatusCounter aggregates licenses by status
type StatusCounter interface {
	CountByStatus(ctx context.Context) ([]models.LicenseStatusCount, error)
}

// SeatCounter counts active seats across all licenses
type SeatCounter interface {
	CountAllActive(ctx context.Context) (int, error)
}

// RevenueReader sums applied payment events
type RevenueReader interface {
	NetRevenue(ctx context.Context) ([]repositories.RevenueTotal, error)
}

// StatsHandler handles stats-related API requests
type StatsHandler struct {
	licenses    StatusCounter
	seats       SeatCounter
	revenue     RevenueReader
	planVersion string
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(licenses StatusCounter, seats SeatCounter, revenue RevenueReader, planVersion string) *StatsHandler {
	return &StatsHandler{
		licenses:    licenses,
		seats:       seats,
		revenue:     revenue,
		planVersion: planVersion,
	}
}

// DashboardStats represents the response for dashboard statistics
type DashboardStats struct {
	Licenses    LicenseStats                `json:"licenses"`
	ActiveSeats int                         `json:"active_seats"`
	NetRevenue  []repositories.RevenueTotal `json:"net_revenue"`
	PlanVersion string                      `json:"plan_version"`
}

// LicenseStats is the license population broken down by status
type LicenseStats struct {
	Total    int                          `json:"total"`
	ByStatus map[models.LicenseStatus]int `json:"by_status"`
}

// @Summary      Get dashboard statistics
// @Description  Returns license counts by status, active seats across all licenses, net revenue per currency and the loaded plan table version.
// @Tags         Stats
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  DashboardStats
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/admin/stats [get]
// GetDashboardStats returns dashboard statistics
func (h *StatsHandler) GetDashboardStats(c *gin.Context) {
	stats := DashboardStats{
		Licenses:    LicenseStats{ByStatus: make(map[models.LicenseStatus]int)},
		NetRevenue:  []repositories.RevenueTotal{},
		PlanVersion: h.planVersion,
	}

	g, ctx := errgroup.WithContext(c.Request.Context())
	var counts []models.LicenseStatusCount
	g.Go(func() error {
		var err error
		counts, err = h.licenses.CountByStatus(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		stats.ActiveSeats, err = h.seats.CountAllActive(ctx)
		return err
	})
	var revenue []repositories.RevenueTotal
	g.Go(func() error {
		var err error
		revenue, err = h.revenue.NetRevenue(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		apierror.Write(c, err)
		return
	}

	for _, sc := range counts {
		stats.Licenses.ByStatus[sc.Status] = sc.Count
		stats.Licenses.Total += sc.Count
	}
	if revenue != nil {
		stats.NetRevenue = revenue
	}

	c.JSON(http.StatusOK, stats)
}
