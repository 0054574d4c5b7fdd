package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes reconciliation reports to operators.
type Handler struct {
	runner *Runner
}

// NewHandler creates a reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterAdminRoutes mounts the report endpoints on an admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation/report", h.LatestReport)
	r.POST("/reconciliation/run", h.Run)
}

// LatestReport handles GET /admin/reconciliation/report
func (h *Handler) LatestReport(c *gin.Context) {
	report := h.runner.Latest()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "no_report",
			"message": "Reconciliation has not run yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Run handles POST /admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": "Reconciliation run failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
