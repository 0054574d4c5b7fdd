// Package payments manages payment attempts against escrows: initiation
// through a mobile-money provider or cash, application of provider status
// reports, and admin cash confirmation.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/freightpay/internal/providers"
)

var (
	ErrTransactionNotFound  = errors.New("payment transaction not found")
	ErrTransactionCompleted = errors.New("payment transaction already completed")
	ErrTransactionSettled   = errors.New("payment transaction already settled")
	ErrAttemptInProgress    = errors.New("payment attempt already in progress")
	ErrNotCash              = errors.New("payment transaction is not a cash payment")
	ErrNotProvider          = errors.New("payment transaction has no provider to query")
)

// Method is how the payer pays.
type Method string

const (
	MethodProviderA Method = Method(providers.ProviderA)
	MethodProviderB Method = Method(providers.ProviderB)
	MethodCash      Method = "cash"
)

// Valid reports whether m is a supported method.
func (m Method) Valid() bool {
	switch m {
	case MethodProviderA, MethodProviderB, MethodCash:
		return true
	default:
		return false
	}
}

// Provider returns the provider behind m. Cash has none.
func (m Method) Provider() (providers.ID, bool) {
	if m == MethodCash || !m.Valid() {
		return "", false
	}
	return providers.ID(m), true
}

// Status is the canonical transaction status.
type Status = providers.Status

const (
	StatusPending   = providers.StatusPending
	StatusCompleted = providers.StatusCompleted
	StatusFailed    = providers.StatusFailed
)

// Transaction is one attempt to move money for an escrow. Reference is the
// business reference sent to the provider and echoed in its webhooks.
type Transaction struct {
	ID            string     `json:"id"`
	EscrowID      string     `json:"escrowId"`
	Provider      string     `json:"provider"`
	Method        Method     `json:"method"`
	Status        Status     `json:"status"`
	Amount        int64      `json:"amount"`
	PayerPhone    string     `json:"payerPhone,omitempty"`
	Reference     string     `json:"reference"`
	ProviderTxID  string     `json:"providerTxId,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// IsSettled reports whether the attempt has a final outcome.
func (t *Transaction) IsSettled() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Store persists payment transactions.
//
// Create must refuse a second pending attempt for the same escrow with
// ErrAttemptInProgress. Update must refuse to modify a completed
// transaction with ErrTransactionCompleted, and must refuse a second
// completed transaction for the same escrow the same way.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByReference(ctx context.Context, reference string) (*Transaction, error)
	GetByProviderTx(ctx context.Context, provider, providerTxID string) (*Transaction, error)
	ListByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error)
	Update(ctx context.Context, tx *Transaction) error
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// EventEmitter receives payment lifecycle events. Implementations must not block.
type EventEmitter interface {
	EmitPaymentInitiated(tx *Transaction)
	EmitPaymentCompleted(tx *Transaction)
	EmitPaymentFailed(tx *Transaction)
}

// Gateway is the outbound provider caller.
type Gateway interface {
	Initiate(ctx context.Context, id providers.ID, req providers.InitiateRequest) (providers.Result, error)
	QueryStatus(ctx context.Context, id providers.ID, providerTxID, reference string) (providers.Notification, error)
}

// InitiateRequest is the body of a payment initiation. Amount may be a JSON
// number or a numeric string; it is rounded to whole units.
type InitiateRequest struct {
	ShipperID  string      `json:"shipperId"`
	ShipmentID string      `json:"shipmentId"`
	Amount     json.Number `json:"amount"`
	Method     Method      `json:"method"`
	PayerPhone string      `json:"payerPhone"`
}

// InitiateResponse is returned for an accepted initiation, and again for a
// replay of the same request within the idempotency window.
type InitiateResponse struct {
	EscrowID      string `json:"escrowId"`
	TransactionID string `json:"transactionId,omitempty"`
	USSDPrompt    string `json:"ussdPrompt,omitempty"`
	Status        Status `json:"status"`
	Duplicate     bool   `json:"duplicate,omitempty"`
}

// CashConfirmation is the admin's verdict on a cash payment.
type CashConfirmation struct {
	Received *bool  `json:"received" binding:"required"`
	Note     string `json:"note"`
}

// Validation reason codes.
const (
	CodeMissingField     = "missing_field"
	CodeFieldTooLong     = "field_too_long"
	CodeInvalidAmount    = "invalid_amount"
	CodeInvalidMethod    = "invalid_method"
	CodeInvalidPhone     = "invalid_phone"
	CodeShipmentNotFound = "shipment_not_found"
	CodeNotOwner         = "not_shipment_owner"
	CodeAmountMismatch   = "amount_mismatch"
	CodePayerMismatch    = "payer_mismatch"
)

// ValidationError rejects an initiation before anything is written.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Initiation failure codes.
const (
	CodeCircuitOpen      = "circuit_open"
	CodeProviderError    = "provider_error"
	CodeProviderRejected = "provider_rejected"
)

// InitiationError reports a provider-side failure after the escrow and the
// attempt were recorded. The attempt is marked failed, so the same request
// may be retried. CashAvailable is set when the provider's circuit is open.
type InitiationError struct {
	Code          string
	EscrowID      string
	TransactionID string
	CashAvailable bool
	Err           error
}

func (e *InitiationError) Error() string {
	return fmt.Sprintf("payment initiation %s: %v", e.Code, e.Err)
}

func (e *InitiationError) Unwrap() error { return e.Err }
