package handler

import (
	"net/http"

	"casepilot/internal/service"
	"github.com/gin-gonic/gin"
)

// DashboardHandler handles the statistics endpoint.
type DashboardHandler struct {
	dashboard *service.DashboardService
}

// NewDashboardHandler creates a new dashboard handler.
func NewDashboardHandler(dashboard *service.DashboardService) *DashboardHandler {
	return &DashboardHandler{dashboard: dashboard}
}

// Stats handles GET /api/v1/dashboard.
func (h *DashboardHandler) Stats(c *gin.Context) {
	stats, err := h.dashboard.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "internal_error",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}
