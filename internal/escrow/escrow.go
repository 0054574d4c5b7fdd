// Package escrow holds shipper funds against a shipment until delivery or a
// dispute resolves them.
//
// States and allowed transitions:
//
//	pending  → funded | refunded
//	funded   → released | refunded | disputed
//	disputed → released | refunded
//	released, refunded: terminal
//
// Every state change goes through Service.Transition, which serializes work
// per escrow id and checks the table above. Nothing bypasses it.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/freightpay/internal/pagination"
)

var (
	ErrEscrowNotFound     = errors.New("escrow not found")
	ErrInvalidTransition  = errors.New("invalid escrow transition")
	ErrActiveEscrowExists = errors.New("shipment already has an active escrow")
	ErrVersionConflict    = errors.New("escrow modified concurrently")
	ErrInvalidAmount      = errors.New("amount must be a positive whole number")
	ErrInvalidState       = errors.New("unknown escrow state")
	ErrInvalidCursor      = errors.New("invalid page cursor")
)

// State is the lifecycle state of an escrow.
type State string

const (
	StatePending  State = "pending"  // Created, payment not yet confirmed
	StateFunded   State = "funded"   // Provider confirmed payment
	StateReleased State = "released" // Paid out to the transporter
	StateRefunded State = "refunded" // Returned to the shipper
	StateDisputed State = "disputed" // Frozen pending resolution
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{StatePending, StateFunded, StateDisputed, StateReleased, StateRefunded}

var transitions = map[State][]State{
	StatePending:  {StateFunded, StateRefunded},
	StateFunded:   {StateReleased, StateRefunded, StateDisputed},
	StateDisputed: {StateReleased, StateRefunded},
	StateReleased: nil,
	StateRefunded: nil,
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal returns true for states with no outgoing transitions.
func (s State) IsTerminal() bool {
	return s == StateReleased || s == StateRefunded
}

// ParseState converts a string to a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
	}
	return st, nil
}

// TransitionError names both sides of a rejected transition.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid escrow transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// DuplicateError is returned when a shipment already has a non-terminal
// escrow. EscrowID is the existing one.
type DuplicateError struct {
	ShipmentID string
	EscrowID   string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("shipment %s already has active escrow %s", e.ShipmentID, e.EscrowID)
}

func (e *DuplicateError) Unwrap() error { return ErrActiveEscrowExists }

// Escrow is the record of funds held for one shipment.
type Escrow struct {
	ID             string     `json:"id"`
	ShipmentID     string     `json:"shipmentId"`
	PayerID        string     `json:"payerId"`
	Amount         int64      `json:"amount"`
	State          State      `json:"state"`
	FundedAt       *time.Time `json:"fundedAt,omitempty"`
	TerminalAt     *time.Time `json:"terminalAt,omitempty"`
	DisputeReason  string     `json:"disputeReason,omitempty"`
	Resolution     string     `json:"resolution,omitempty"`
	Version        int64      `json:"version"`
	StateEnteredAt time.Time  `json:"stateEnteredAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.State.IsTerminal()
}

// Evidence accompanies a transition: who asked for it and why.
type Evidence struct {
	Actor     string `json:"actor,omitempty"`     // "webhook:provider_a", "admin", "cash"
	Reason    string `json:"reason,omitempty"`    // dispute reason or resolution note
	Reference string `json:"reference,omitempty"` // payment transaction id, ticket id
}

// Store persists escrow records.
//
// Create must refuse a second non-terminal escrow for the same shipment and
// return *DuplicateError naming the existing one. Update must apply only if
// the stored version equals expectedVersion, returning ErrVersionConflict
// otherwise.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetActiveByShipment(ctx context.Context, shipmentID string) (*Escrow, error)
	ListByShipment(ctx context.Context, shipmentID string) ([]*Escrow, error)
	Update(ctx context.Context, e *Escrow, expectedVersion int64) error
	ListNonTerminal(ctx context.Context, limit int) ([]*Escrow, error)
	// ListByState returns escrows in state ordered by (created_at, id),
	// starting strictly after the cursor when one is given.
	ListByState(ctx context.Context, state State, after *pagination.Cursor, limit int) ([]*Escrow, error)
	CountByState(ctx context.Context) (map[State]int, error)
}

// ShipmentHook receives the paid flag for a shipment. It is told true when
// an escrow is funded and false when it is refunded. Failures are the hook's
// to retry; they never undo a transition.
type ShipmentHook interface {
	SetPaid(ctx context.Context, shipmentID string, paid bool) error
}

// AttemptCloser closes the payment attempts still open on an escrow once it
// is refunded, so no attempt outlives its escrow.
type AttemptCloser interface {
	CloseAttempts(ctx context.Context, escrowID, reason string) error
}

// EventEmitter receives escrow lifecycle events. Implementations must not block.
type EventEmitter interface {
	EmitEscrowTransition(e *Escrow, from State, ev Evidence)
}

// CreateRequest contains the parameters for opening an escrow.
type CreateRequest struct {
	ShipmentID string
	PayerID    string
	Amount     int64
}

// TransitionRequest is the admin transition body.
type TransitionRequest struct {
	Target string `json:"target" binding:"required"`
	Reason string `json:"reason"`
}

// DisputeRequest contains the parameters for disputing an escrow.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}
