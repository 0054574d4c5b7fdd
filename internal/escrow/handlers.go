package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow read and dispute routes. writeGuard runs
// before the dispute handler.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, writeGuard ...gin.HandlerFunc) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/shipments/:id/escrow", h.GetShipmentEscrow)
	r.POST("/escrows/:id/dispute", append(writeGuard, h.DisputeEscrow)...)
}

// RegisterAdminRoutes sets up operator-only routes. The caller applies the
// admin guard to r.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.ListEscrows)
	r.POST("/escrows/:id/transition", h.TransitionEscrow)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// GetShipmentEscrow handles GET /v1/shipments/:id/escrow
func (h *Handler) GetShipmentEscrow(c *gin.Context) {
	escrow, err := h.service.GetForShipment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	escrow, err := h.service.Dispute(c.Request.Context(), c.Param("id"), actorFrom(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/admin/escrows?state=pending&limit=50&cursor=...
func (h *Handler) ListEscrows(c *gin.Context) {
	state, err := ParseState(c.DefaultQuery("state", string(StatePending)))
	if err != nil {
		writeError(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	page, err := h.service.ListByState(c.Request.Context(), state, c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// TransitionEscrow handles POST /v1/admin/escrows/:id/transition
func (h *Handler) TransitionEscrow(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "target is required",
		})
		return
	}
	target, err := ParseState(req.Target)
	if err != nil {
		writeError(c, err)
		return
	}

	escrow, err := h.service.Transition(c.Request.Context(), c.Param("id"), target, Evidence{
		Actor:  actorFrom(c),
		Reason: req.Reason,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// actorFrom returns the caller identity set by upstream middleware, or "admin".
func actorFrom(c *gin.Context) string {
	if actor := c.GetString("actor"); actor != "" {
		return actor
	}
	return "admin"
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()

	var terr *TransitionError
	var dup *DuplicateError
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
		message = "Escrow not found"
	case errors.As(err, &terr):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
			"from":    terr.From,
			"to":      terr.To,
		})
		return
	case errors.As(err, &dup):
		c.JSON(http.StatusConflict, gin.H{
			"error":    "active_escrow_exists",
			"message":  err.Error(),
			"escrowId": dup.EscrowID,
		})
		return
	case errors.Is(err, ErrInvalidState):
		status = http.StatusBadRequest
		code = "invalid_state"
	case errors.Is(err, ErrInvalidCursor):
		status = http.StatusBadRequest
		code = "invalid_cursor"
	case errors.Is(err, ErrVersionConflict):
		status = http.StatusConflict
		code = "conflict"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
