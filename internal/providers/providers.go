// Package providers defines the contract every mobile-money provider adapter
// implements and the Gateway that calls them with timeouts, retries and a
// per-provider circuit breaker.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnknownProvider     = errors.New("unknown payment provider")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrNotConfigured       = errors.New("payment provider not configured")
)

// ID names a provider. It doubles as the payment method and the breaker key.
type ID string

const (
	ProviderA ID = "provider_a"
	ProviderB ID = "provider_b"
)

// Status is the canonical payment status every provider code maps onto.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// InitiateRequest asks a provider to collect amount from payerPhone.
// Reference is echoed back in webhooks and identifies the payment attempt.
type InitiateRequest struct {
	PayerPhone string
	Amount     int64
	Reference  string
}

// Result is the outcome of an initiation. Success is false when the provider
// answered but refused the request; Error carries its message.
type Result struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId,omitempty"`
	USSDPrompt    string `json:"ussdPrompt,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Notification is a provider status report, from a webhook or a status query.
type Notification struct {
	ProviderTxID string
	Reference    string
	RawStatus    string
	Status       Status
	Amount       string
	PayerPhone   string
	Message      string
}

// Adapter translates between the canonical model and one provider's API.
//
// Initiate and QueryStatus make a single HTTP attempt. They return a
// retry.Permanent-wrapped *HTTPError for 4xx answers and a plain error for
// transport failures and 5xx; the Gateway retries the latter.
type Adapter interface {
	ID() ID
	Initiate(ctx context.Context, req InitiateRequest) (Result, error)
	QueryStatus(ctx context.Context, providerTxID, reference string) (Notification, error)

	// SignatureFrom extracts the authenticity proof from a webhook: a header
	// for some providers, a body field for others.
	SignatureFrom(header http.Header, raw []byte) string
	// VerifyWebhookAuthenticity checks signature against raw in constant
	// time. It returns false when no secret is configured.
	VerifyWebhookAuthenticity(raw []byte, signature string) bool
	ParseWebhook(raw []byte) (Notification, error)
	MapProviderStatus(code string) Status
}

// HTTPError is a non-2xx provider answer.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider returned HTTP %d: %s", e.StatusCode, e.Body)
}

// IsClientError reports whether the provider rejected the request itself.
func (e *HTTPError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}
