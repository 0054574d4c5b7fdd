package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/freightpay/internal/idgen"
	"github.com/mbd888/freightpay/internal/logging"
	"github.com/mbd888/freightpay/internal/pagination"
	"github.com/mbd888/freightpay/internal/syncutil"
	"github.com/mbd888/freightpay/internal/traces"
)

const (
	// maxConflictRetries bounds re-reads after a lost optimistic update.
	maxConflictRetries = 3
	// lockTimeout bounds how long a transition waits for the per-escrow lock.
	lockTimeout = 5 * time.Second
)

// Service implements escrow business logic.
type Service struct {
	store     Store
	locks     *syncutil.KeyedMutex
	shipments ShipmentHook
	attempts  AttemptCloser
	events    EventEmitter
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		store:  store,
		locks:  syncutil.NewKeyedMutex(),
		logger: logger,
		now:    time.Now,
	}
}

// WithShipmentHook sets the receiver of paid-flag changes.
func (s *Service) WithShipmentHook(h ShipmentHook) *Service {
	s.shipments = h
	return s
}

// WithAttemptCloser sets the receiver told to close open payment attempts
// when an escrow is refunded.
func (s *Service) WithAttemptCloser(c AttemptCloser) *Service {
	s.attempts = c
	return s
}

// WithEvents sets the lifecycle event emitter.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens a pending escrow for a shipment. If the shipment already has
// a non-terminal escrow it returns *DuplicateError carrying that escrow's id.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.ShipmentID == "" || req.PayerID == "" {
		return nil, errors.New("shipment and payer are required")
	}

	ctx, span := traces.StartSpan(ctx, "escrow.create",
		traces.ShipmentID(req.ShipmentID), traces.Amount(req.Amount))
	var err error
	defer func() { traces.End(span, err) }()

	now := s.now()
	e := &Escrow{
		ID:             idgen.WithPrefix(idgen.PrefixEscrow),
		ShipmentID:     req.ShipmentID,
		PayerID:        req.PayerID,
		Amount:         req.Amount,
		State:          StatePending,
		Version:        1,
		StateEnteredAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err = s.store.Create(ctx, e); err != nil {
		var dup *DuplicateError
		if errors.As(err, &dup) {
			escrowDuplicates.Inc()
			return nil, err
		}
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	escrowCreated.Inc()
	logging.L(ctx).Info("escrow created",
		"escrowId", e.ID, "shipmentId", e.ShipmentID, "amount", e.Amount)
	return e, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetActiveByShipment returns the non-terminal escrow for a shipment.
func (s *Service) GetActiveByShipment(ctx context.Context, shipmentID string) (*Escrow, error) {
	return s.store.GetActiveByShipment(ctx, shipmentID)
}

// GetForShipment returns the active escrow for a shipment, or the most
// recent terminal one when none is active.
func (s *Service) GetForShipment(ctx context.Context, shipmentID string) (*Escrow, error) {
	all, err := s.store.ListByShipment(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrEscrowNotFound
	}
	for _, e := range all {
		if !e.IsTerminal() {
			return e, nil
		}
	}
	return all[0], nil
}

// ListNonTerminal returns up to limit escrows that are not yet resolved.
func (s *Service) ListNonTerminal(ctx context.Context, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.store.ListNonTerminal(ctx, limit)
}

// Page is one page of an escrow listing.
type Page struct {
	Escrows    []*Escrow `json:"escrows"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// ListByState pages through escrows in state, oldest first. cursor is the
// NextCursor of the previous page, or empty for the first.
func (s *Service) ListByState(ctx context.Context, state State, cursor string, limit int) (*Page, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	limit = pagination.ClampLimit(limit)

	items, err := s.store.ListByState(ctx, state, after, limit+1)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if items == nil {
		items = []*Escrow{}
	}
	return &Page{Escrows: items, NextCursor: next, HasMore: more}, nil
}

// CountByState returns the number of escrows in each state.
func (s *Service) CountByState(ctx context.Context) (map[State]int, error) {
	return s.store.CountByState(ctx)
}

// Transition moves an escrow to target.
//
// A transition not in the table, including one to the current state,
// returns *TransitionError and mutates nothing; callers that replay a
// transition decide for themselves whether the current state satisfies
// them. On success the shipment hook is told about funded and refunded, the
// attempt closer about refunded, and an event is emitted.
func (s *Service) Transition(ctx context.Context, id string, target State, ev Evidence) (*Escrow, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, target)
	}

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	unlock, err := s.locks.LockContext(lockCtx, id)
	if err != nil {
		return nil, fmt.Errorf("escrow %s busy: %w", id, err)
	}
	defer unlock()

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		e, from, err := s.applyTransition(ctx, id, target, ev)
		if errors.Is(err, ErrVersionConflict) {
			escrowVersionConflicts.Inc()
			s.logger.Warn("escrow version conflict, re-reading",
				"escrowId", id, "target", target, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		s.afterTransition(ctx, e, from, ev)
		return e, nil
	}
	return nil, fmt.Errorf("escrow %s: %w after %d attempts", id, ErrVersionConflict, maxConflictRetries)
}

// applyTransition reads the escrow, checks the table and writes the new
// state with an optimistic version check.
func (s *Service) applyTransition(ctx context.Context, id string, target State, ev Evidence) (e *Escrow, from State, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.transition", traces.EscrowID(id))
	defer func() { traces.End(span, err) }()

	e, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	from = e.State
	span.SetAttributes(traces.State(string(from), string(target))...)

	if !CanTransition(from, target) {
		escrowInvalidTransitions.WithLabelValues(string(from), string(target)).Inc()
		return nil, from, &TransitionError{From: from, To: target}
	}

	now := s.now()
	expected := e.Version
	e.State = target
	e.Version++
	e.StateEnteredAt = now
	e.UpdatedAt = now
	switch target {
	case StateFunded:
		e.FundedAt = &now
	case StateDisputed:
		e.DisputeReason = ev.Reason
	case StateReleased, StateRefunded:
		e.TerminalAt = &now
		e.Resolution = ev.Reason
	}

	if err = s.store.Update(ctx, e, expected); err != nil {
		return nil, from, err
	}
	return e, from, nil
}

func (s *Service) afterTransition(ctx context.Context, e *Escrow, from State, ev Evidence) {
	escrowTransitions.WithLabelValues(string(from), string(e.State)).Inc()
	logging.L(ctx).Info("escrow transitioned",
		"escrowId", e.ID,
		"shipmentId", e.ShipmentID,
		"from", from,
		"to", e.State,
		"actor", ev.Actor,
		"reference", ev.Reference,
	)

	if s.shipments != nil {
		var err error
		switch e.State {
		case StateFunded:
			err = s.shipments.SetPaid(ctx, e.ShipmentID, true)
		case StateRefunded:
			err = s.shipments.SetPaid(ctx, e.ShipmentID, false)
		}
		if err != nil {
			s.logger.Error("shipment paid flag not updated",
				"escrowId", e.ID, "shipmentId", e.ShipmentID, "state", e.State, "error", err)
		}
	}

	if s.attempts != nil && e.State == StateRefunded {
		if err := s.attempts.CloseAttempts(ctx, e.ID, ev.Reason); err != nil {
			s.logger.Error("open payment attempts not closed after refund",
				"escrowId", e.ID, "error", err)
		}
	}

	if s.events != nil {
		s.events.EmitEscrowTransition(e, from, ev)
	}
}

// Fund marks a pending escrow as funded.
func (s *Service) Fund(ctx context.Context, id string, ev Evidence) (*Escrow, error) {
	return s.Transition(ctx, id, StateFunded, ev)
}

// Dispute freezes a funded escrow.
func (s *Service) Dispute(ctx context.Context, id, actor, reason string) (*Escrow, error) {
	return s.Transition(ctx, id, StateDisputed, Evidence{Actor: actor, Reason: reason})
}
