// Package webhooks ingests provider payment callbacks.
//
// Every delivery is verified against the provider's secret before anything
// else happens, deduplicated on (provider, provider tx id, reported status)
// and applied through the payments service. Providers redeliver anything
// that does not get a 2xx, so the handler answers 200 for everything it has
// accepted, including duplicates and deliveries it could not apply; those
// are left to status refresh and reconciliation.
package webhooks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/freightpay/internal/idempotency"
	"github.com/mbd888/freightpay/internal/logging"
	"github.com/mbd888/freightpay/internal/payments"
	"github.com/mbd888/freightpay/internal/providers"
	"github.com/mbd888/freightpay/internal/traces"
)

// Applier applies a verified provider notification.
type Applier interface {
	ApplyProviderStatus(ctx context.Context, provider providers.ID, n providers.Notification) (*payments.Transaction, error)
}

const defaultApplyTimeout = 15 * time.Second

// Handler serves the per-provider webhook endpoints.
type Handler struct {
	registry     *providers.Registry
	applier      Applier
	idem         *idempotency.Manager
	applyTimeout time.Duration
	logger       *slog.Logger
}

// NewHandler creates a webhook handler.
func NewHandler(registry *providers.Registry, applier Applier, idem *idempotency.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		registry:     registry,
		applier:      applier,
		idem:         idem,
		applyTimeout: defaultApplyTimeout,
		logger:       logger,
	}
}

// WithApplyTimeout bounds how long one delivery may spend applying its status.
func (h *Handler) WithApplyTimeout(d time.Duration) *Handler {
	h.applyTimeout = d
	return h
}

// RegisterRoutes mounts the provider callback endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/provider-a", h.Receive(providers.ProviderA))
	r.POST("/webhooks/provider-b", h.Receive(providers.ProviderB))
}

// Receive returns the handler for one provider's callbacks.
func (h *Handler) Receive(provider providers.ID) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.receive(c, provider)
	}
}

func (h *Handler) receive(c *gin.Context, provider providers.ID) {
	ctx, span := traces.StartSpan(c.Request.Context(), "webhook.receive", traces.Provider(string(provider)))
	var spanErr error
	defer func() { traces.End(span, spanErr) }()

	log := h.logger.With("provider", provider)
	if reqID := logging.RequestID(ctx); reqID != "" {
		log = log.With("request_id", reqID)
	}

	adapter, err := h.registry.Get(provider)
	if err != nil {
		webhooksReceived.WithLabelValues(string(provider), "unknown_provider").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_provider", "message": "Provider is not configured"})
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		webhooksReceived.WithLabelValues(string(provider), "unreadable").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Could not read request body"})
		return
	}

	if !adapter.VerifyWebhookAuthenticity(raw, adapter.SignatureFrom(c.Request.Header, raw)) {
		webhooksReceived.WithLabelValues(string(provider), "unauthorized").Inc()
		log.Warn("webhook signature rejected", "remoteAddr", c.ClientIP(), "bytes", len(raw))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Webhook signature verification failed"})
		return
	}

	n, err := adapter.ParseWebhook(raw)
	if err != nil {
		webhooksReceived.WithLabelValues(string(provider), "ignored").Inc()
		log.Warn("verified webhook could not be parsed", "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	log = log.With("providerTxId", n.ProviderTxID, "reference", n.Reference, "rawStatus", n.RawStatus)

	key := idempotency.WebhookKey(string(provider), n.ProviderTxID, n.RawStatus)
	if res := h.idem.CheckAndReserve(ctx, key); res.Duplicate || res.InFlight {
		webhooksReceived.WithLabelValues(string(provider), "duplicate").Inc()
		log.Info("duplicate webhook delivery", "inFlight", res.InFlight)
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}

	// The provider hanging up must not abandon a half-applied update.
	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.applyTimeout)
	defer cancel()

	tx, err := h.applier.ApplyProviderStatus(applyCtx, provider, n)
	switch {
	case errors.Is(err, payments.ErrTransactionNotFound):
		webhooksReceived.WithLabelValues(string(provider), "not_found").Inc()
		h.idem.Release(applyCtx, key)
		log.Warn("webhook for unknown transaction")
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No payment matches this notification"})
		return
	case err != nil:
		spanErr = err
		h.idem.Release(applyCtx, key)
		webhooksReceived.WithLabelValues(string(provider), "apply_failed").Inc()
		log.Error("webhook could not be applied", "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "deferred"})
		return
	}

	h.idem.Record(applyCtx, key, string(tx.Status))
	webhooksReceived.WithLabelValues(string(provider), "applied").Inc()
	log.Info("webhook applied", "transactionId", tx.ID, "status", tx.Status)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "transactionId": tx.ID, "paymentStatus": tx.Status})
}
