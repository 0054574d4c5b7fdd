package payments

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/freightpay/internal/circuitbreaker"
	"github.com/mbd888/freightpay/internal/escrow"
	"github.com/mbd888/freightpay/internal/providers"
)

// Handler provides HTTP endpoints for payments.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up initiation and read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.InitiatePayment)
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/escrows/:id/transactions", h.ListEscrowTransactions)
}

// RegisterAdminRoutes sets up operator-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payments/:id/cash", h.ConfirmCash)
	r.POST("/payments/:id/refresh", h.RefreshStatus)
}

// InitiatePayment handles POST /v1/payments
func (h *Handler) InitiatePayment(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	resp, err := h.service.Initiate(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListEscrowTransactions handles GET /v1/escrows/:id/transactions
func (h *Handler) ListEscrowTransactions(c *gin.Context) {
	txs, err := h.service.ListByEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// ConfirmCash handles POST /v1/admin/payments/:id/cash
func (h *Handler) ConfirmCash(c *gin.Context) {
	var req CashConfirmation
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "received is required",
		})
		return
	}

	actor := c.GetString("actor")
	if actor == "" {
		actor = "admin"
	}
	tx, err := h.service.ConfirmCash(c.Request.Context(), c.Param("id"), *req.Received, req.Note, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// RefreshStatus handles POST /v1/admin/payments/:id/refresh
func (h *Handler) RefreshStatus(c *gin.Context) {
	tx, err := h.service.RefreshStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

func writeError(c *gin.Context, err error) {
	var (
		verr *ValidationError
		ierr *InitiationError
		dup  *escrow.DuplicateError
		terr *escrow.TransitionError
	)
	switch {
	case errors.As(err, &verr):
		status := http.StatusBadRequest
		if verr.Code == CodeNotOwner {
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": verr.Code, "message": verr.Message})
	case errors.As(err, &dup):
		c.JSON(http.StatusConflict, gin.H{
			"error":    "active_escrow_exists",
			"message":  err.Error(),
			"escrowId": dup.EscrowID,
		})
	case errors.As(err, &ierr):
		status := http.StatusBadGateway
		switch ierr.Code {
		case CodeCircuitOpen:
			status = http.StatusServiceUnavailable
		case CodeProviderRejected:
			status = http.StatusUnprocessableEntity
		}
		body := gin.H{
			"error":         ierr.Code,
			"message":       err.Error(),
			"escrowId":      ierr.EscrowID,
			"transactionId": ierr.TransactionID,
		}
		if ierr.CashAvailable {
			body["fallback"] = MethodCash
		}
		c.JSON(status, body)
	case errors.As(err, &terr):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
			"from":    terr.From,
			"to":      terr.To,
		})
	case errors.Is(err, ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Payment transaction not found"})
	case errors.Is(err, escrow.ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
	case errors.Is(err, ErrNotCash), errors.Is(err, ErrNotProvider):
		c.JSON(http.StatusBadRequest, gin.H{"error": "wrong_method", "message": err.Error()})
	case errors.Is(err, ErrTransactionSettled), errors.Is(err, ErrTransactionCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": "already_settled", "message": err.Error()})
	case errors.As(err, new(*providers.HTTPError)):
		c.JSON(http.StatusBadGateway, gin.H{"error": CodeProviderRejected, "message": err.Error()})
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, providers.ErrProviderUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider_unavailable", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
