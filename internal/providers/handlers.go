package providers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes provider circuit state to operators.
type Handler struct {
	gateway *Gateway
}

// NewHandler creates a new provider handler.
func NewHandler(gateway *Gateway) *Handler {
	return &Handler{gateway: gateway}
}

// RegisterAdminRoutes sets up operator-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/providers", h.ListProviders)
}

// ListProviders handles GET /v1/admin/providers
func (h *Handler) ListProviders(c *gin.Context) {
	statuses := h.gateway.Statuses()
	c.JSON(http.StatusOK, gin.H{
		"providers": statuses,
		"count":     len(statuses),
	})
}
