package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/freightpay/internal/circuitbreaker"
	"github.com/mbd888/freightpay/internal/escrow"
	"github.com/mbd888/freightpay/internal/idempotency"
	"github.com/mbd888/freightpay/internal/idgen"
	"github.com/mbd888/freightpay/internal/logging"
	"github.com/mbd888/freightpay/internal/providers"
	"github.com/mbd888/freightpay/internal/shipment"
	"github.com/mbd888/freightpay/internal/syncutil"
	"github.com/mbd888/freightpay/internal/traces"
	"github.com/mbd888/freightpay/internal/validation"
)

const (
	// lockTimeout bounds how long a status update waits for the per-transaction lock.
	lockTimeout = 5 * time.Second
	// maxIDLength matches the shipment and payer id columns.
	maxIDLength = 64
	// inFlightWait bounds how long a repeated initiation waits for the
	// original, which may itself be waiting out provider retries.
	inFlightWait = 70 * time.Second
)

// Escrows is the escrow state machine as seen by payments.
type Escrows interface {
	Create(ctx context.Context, req escrow.CreateRequest) (*escrow.Escrow, error)
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
	GetActiveByShipment(ctx context.Context, shipmentID string) (*escrow.Escrow, error)
	Transition(ctx context.Context, id string, target escrow.State, ev escrow.Evidence) (*escrow.Escrow, error)
}

// Shipments reads the shipment being paid for.
type Shipments interface {
	Get(ctx context.Context, id string) (*shipment.Shipment, error)
}

// Service implements payment initiation and status application.
type Service struct {
	store     Store
	escrows   Escrows
	shipments Shipments
	gateway   Gateway
	idem      *idempotency.Manager
	events    EventEmitter
	locks     *syncutil.KeyedMutex
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a payment service.
func NewService(store Store, escrows Escrows, shipments Shipments, gateway Gateway, idem *idempotency.Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		store:     store,
		escrows:   escrows,
		shipments: shipments,
		gateway:   gateway,
		idem:      idem,
		locks:     syncutil.NewKeyedMutex(),
		logger:    logger,
		now:       time.Now,
	}
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

// Initiate accepts a payment request for a shipment.
//
// A replay of an accepted request (same payer, amount and shipment) within
// the idempotency window returns the original response with Duplicate set.
// A replay that arrives while the original is still running waits for it.
// Validation failures return *ValidationError and write nothing. A shipment
// with an attempt in flight or already paid returns *escrow.DuplicateError
// carrying the existing escrow id. Provider failures return
// *InitiationError; the attempt is then recorded as failed and the request
// may be retried on the same escrow.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (resp *InitiateResponse, err error) {
	amount, err := validateInitiation(&req)
	if err != nil {
		paymentInitiations.WithLabelValues(string(req.Method), "invalid").Inc()
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "payment.initiate",
		traces.ShipmentID(req.ShipmentID), traces.Amount(amount))
	defer func() { traces.End(span, err) }()

	key := idempotency.InitiationKey(req.ShipperID, amount, req.ShipmentID)
	cached, reserved := s.replay(ctx, key)
	if cached != nil {
		paymentInitiations.WithLabelValues(string(req.Method), "duplicate").Inc()
		return cached, nil
	}
	if reserved {
		defer func() {
			if err != nil {
				s.idem.Release(ctx, key)
			}
		}()
	}

	if err = s.checkShipment(ctx, req.ShipmentID, req.ShipperID, amount); err != nil {
		paymentInitiations.WithLabelValues(string(req.Method), "invalid").Inc()
		return nil, err
	}

	e, err := s.openEscrow(ctx, req.ShipmentID, req.ShipperID, amount)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.EscrowID(e.ID))

	now := s.now()
	tx := &Transaction{
		ID:         idgen.WithPrefix(idgen.PrefixTransaction),
		EscrowID:   e.ID,
		Provider:   string(req.Method),
		Method:     req.Method,
		Status:     StatusPending,
		Amount:     amount,
		PayerPhone: req.PayerPhone,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx.Reference = tx.ID
	if err = s.store.Create(ctx, tx); err != nil {
		if errors.Is(err, ErrAttemptInProgress) {
			return nil, &escrow.DuplicateError{ShipmentID: req.ShipmentID, EscrowID: e.ID}
		}
		return nil, fmt.Errorf("failed to record payment attempt: %w", err)
	}
	span.SetAttributes(traces.TransactionID(tx.ID))

	provider, isProvider := req.Method.Provider()
	if !isProvider {
		logging.L(ctx).Info("cash payment awaiting confirmation",
			"escrowId", e.ID, "transactionId", tx.ID, "amount", amount)
		return s.accept(ctx, key, tx, ""), nil
	}

	res, err := s.gateway.Initiate(ctx, provider, providers.InitiateRequest{
		PayerPhone: req.PayerPhone,
		Amount:     amount,
		Reference:  tx.Reference,
	})
	if err != nil {
		code := CodeProviderError
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			code = CodeCircuitOpen
		}
		s.failAttempt(ctx, tx, code)
		return nil, &InitiationError{
			Code:          code,
			EscrowID:      e.ID,
			TransactionID: tx.ID,
			CashAvailable: code == CodeCircuitOpen,
			Err:           err,
		}
	}
	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = CodeProviderRejected
		}
		if res.TransactionID != "" {
			tx.ProviderTxID = res.TransactionID
		}
		s.failAttempt(ctx, tx, reason)
		return nil, &InitiationError{
			Code:          CodeProviderRejected,
			EscrowID:      e.ID,
			TransactionID: tx.ID,
			Err:           errors.New(reason),
		}
	}

	if res.TransactionID != "" {
		s.attachProviderTx(ctx, tx, res.TransactionID)
	}
	logging.L(ctx).Info("payment initiated",
		"escrowId", e.ID,
		"transactionId", tx.ID,
		"provider", provider,
		"providerTxId", res.TransactionID,
		"payer", logging.MaskPhone(req.PayerPhone),
	)
	return s.accept(ctx, key, tx, res.USSDPrompt), nil
}

// validateInitiation normalizes req in place and returns the amount in whole units.
func validateInitiation(req *InitiateRequest) (int64, error) {
	if errs := validation.Validate(
		validation.MaxLength("shipperId", strings.TrimSpace(req.ShipperID), maxIDLength),
		validation.MaxLength("shipmentId", strings.TrimSpace(req.ShipmentID), maxIDLength),
	); len(errs) > 0 {
		return 0, &ValidationError{Code: CodeFieldTooLong, Message: errs.Error()}
	}
	req.ShipperID = validation.SanitizeString(req.ShipperID, maxIDLength)
	req.ShipmentID = validation.SanitizeString(req.ShipmentID, maxIDLength)
	req.PayerPhone = validation.NormalizePhone(req.PayerPhone)

	if errs := validation.Validate(
		validation.Required("shipperId", req.ShipperID),
		validation.Required("shipmentId", req.ShipmentID),
		validation.Required("amount", req.Amount.String()),
		validation.Required("method", string(req.Method)),
	); len(errs) > 0 {
		return 0, &ValidationError{Code: CodeMissingField, Message: errs.Error()}
	}
	if !req.Method.Valid() {
		return 0, &ValidationError{Code: CodeInvalidMethod,
			Message: fmt.Sprintf("method must be one of %s, %s, %s", MethodProviderA, MethodProviderB, MethodCash)}
	}
	amount, err := validation.ParseWholeUnits(req.Amount.String())
	if err != nil {
		return 0, &ValidationError{Code: CodeInvalidAmount, Message: "amount must be a positive number"}
	}
	if req.Method != MethodCash {
		if req.PayerPhone == "" || !validation.IsValidPhone(req.PayerPhone) {
			return 0, &ValidationError{Code: CodeInvalidPhone, Message: "payerPhone must be an international mobile number"}
		}
	}
	return amount, nil
}

func (s *Service) checkShipment(ctx context.Context, shipmentID, payerID string, amount int64) error {
	sh, err := s.shipments.Get(ctx, shipmentID)
	if errors.Is(err, shipment.ErrShipmentNotFound) {
		return &ValidationError{Code: CodeShipmentNotFound, Message: "shipment " + shipmentID + " does not exist"}
	}
	if err != nil {
		return fmt.Errorf("failed to read shipment: %w", err)
	}
	if sh.OwnerID != payerID {
		return &ValidationError{Code: CodeNotOwner, Message: "payer does not own shipment " + shipmentID}
	}
	if sh.AgreedPrice != amount {
		return &ValidationError{Code: CodeAmountMismatch,
			Message: fmt.Sprintf("amount %d does not match agreed price %d", amount, sh.AgreedPrice)}
	}
	return nil
}

// openEscrow creates the shipment's escrow, or reuses an active pending one
// whose previous attempts all failed.
func (s *Service) openEscrow(ctx context.Context, shipmentID, payerID string, amount int64) (*escrow.Escrow, error) {
	e, err := s.escrows.Create(ctx, escrow.CreateRequest{ShipmentID: shipmentID, PayerID: payerID, Amount: amount})
	if err == nil {
		return e, nil
	}
	var dup *escrow.DuplicateError
	if !errors.As(err, &dup) {
		return nil, err
	}

	existing, err := s.escrows.GetActiveByShipment(ctx, shipmentID)
	if err != nil {
		return nil, dup
	}
	if existing.State != escrow.StatePending || existing.PayerID != payerID || existing.Amount != amount {
		return nil, &escrow.DuplicateError{ShipmentID: shipmentID, EscrowID: existing.ID}
	}
	attempts, err := s.store.ListByEscrow(ctx, existing.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment attempts: %w", err)
	}
	for _, a := range attempts {
		if a.Status != StatusFailed {
			return nil, &escrow.DuplicateError{ShipmentID: shipmentID, EscrowID: existing.ID}
		}
	}
	logging.L(ctx).Info("retrying payment on existing escrow",
		"escrowId", existing.ID, "previousAttempts", len(attempts))
	return existing, nil
}

// replay returns the cached response for key, waiting for a concurrent
// identical request to finish first. With no cached response, reserved
// reports whether the caller now holds key and must Record or Release it.
// A cached attempt that has since failed is forgotten, so the payer can try
// again.
func (s *Service) replay(ctx context.Context, key string) (cached *InitiateResponse, reserved bool) {
	for pass := 0; pass < 2; pass++ {
		r := s.idem.CheckAndReserve(ctx, key)
		if r.InFlight {
			r = s.idem.Await(ctx, key, inFlightWait)
		}
		if !r.Duplicate {
			return nil, r.Reserved
		}
		if resp, ok := s.cachedResponse(ctx, r.Outcome); ok {
			return resp, false
		}
		s.idem.Forget(ctx, key)
	}
	return nil, false
}

// cachedResponse decodes a recorded outcome. It reports false when the
// outcome is unreadable or its attempt has failed.
func (s *Service) cachedResponse(ctx context.Context, outcome string) (*InitiateResponse, bool) {
	var resp InitiateResponse
	if err := json.Unmarshal([]byte(outcome), &resp); err != nil {
		s.logger.Warn("unreadable idempotency outcome ignored", "error", err)
		return nil, false
	}
	if resp.TransactionID != "" {
		if tx, err := s.store.Get(ctx, resp.TransactionID); err == nil {
			if tx.Status == StatusFailed {
				return nil, false
			}
			resp.Status = tx.Status
		}
	}
	resp.Duplicate = true
	return &resp, true
}

// accept records the initiation outcome and announces it.
func (s *Service) accept(ctx context.Context, key string, tx *Transaction, prompt string) *InitiateResponse {
	resp := &InitiateResponse{
		EscrowID:      tx.EscrowID,
		TransactionID: tx.ID,
		USSDPrompt:    prompt,
		Status:        tx.Status,
	}
	if outcome, err := json.Marshal(resp); err == nil {
		s.idem.Record(ctx, key, string(outcome))
	}
	paymentInitiations.WithLabelValues(string(tx.Method), "accepted").Inc()
	if s.events != nil {
		s.events.EmitPaymentInitiated(tx)
	}
	return resp
}

// failAttempt marks a just-created attempt failed. A write failure is
// logged; reconciliation surfaces the escrow left pending.
func (s *Service) failAttempt(ctx context.Context, tx *Transaction, reason string) {
	paymentInitiations.WithLabelValues(string(tx.Method), reason).Inc()
	logging.L(ctx).Warn("payment initiation failed",
		"escrowId", tx.EscrowID, "transactionId", tx.ID, "provider", tx.Provider, "reason", reason)

	if _, err := s.applyLocked(ctx, tx.ID, func(cur *Transaction) (*Transaction, error) {
		if cur.ProviderTxID == "" {
			cur.ProviderTxID = tx.ProviderTxID
		}
		return s.fail(ctx, cur, reason)
	}); err != nil {
		s.logger.Error("failed to mark payment attempt failed",
			"transactionId", tx.ID, "error", err)
	}
}

func (s *Service) attachProviderTx(ctx context.Context, tx *Transaction, providerTxID string) {
	updated, err := s.applyLocked(ctx, tx.ID, func(cur *Transaction) (*Transaction, error) {
		if cur.ProviderTxID != "" || cur.Status == StatusCompleted {
			return cur, nil
		}
		cur.ProviderTxID = providerTxID
		cur.UpdatedAt = s.now()
		return cur, s.store.Update(ctx, cur)
	})
	if err != nil {
		s.logger.Error("failed to store provider transaction id",
			"transactionId", tx.ID, "providerTxId", providerTxID, "error", err)
		return
	}
	*tx = *updated
}

// ApplyProviderStatus applies a provider status report (webhook or status
// query) to the transaction it references.
//
// completed marks the attempt completed and funds the escrow; a repeat is a
// no-op. A completion whose amount or payer differs from the attempt funds
// nothing: the attempt is failed and the report counted as an anomaly.
// failed marks a pending attempt failed and leaves the escrow pending; it
// never downgrades a completed attempt. pending only records the provider
// transaction id.
func (s *Service) ApplyProviderStatus(ctx context.Context, provider providers.ID, n providers.Notification) (tx *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "payment.apply_status", traces.Provider(string(provider)))
	defer func() { traces.End(span, err) }()

	found, err := s.lookup(ctx, provider, n)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.TransactionID(found.ID), traces.EscrowID(found.EscrowID))
	actor := "webhook:" + string(provider)

	return s.applyLocked(ctx, found.ID, func(cur *Transaction) (*Transaction, error) {
		attached := false
		if cur.ProviderTxID == "" && n.ProviderTxID != "" {
			cur.ProviderTxID = n.ProviderTxID
			attached = true
		}
		switch n.Status {
		case StatusCompleted:
			if code, detail := settlementMismatch(cur, n); code != "" {
				return s.rejectCompletion(ctx, cur, code, detail)
			}
			return s.complete(ctx, cur, actor)
		case StatusFailed:
			reason := n.Message
			if reason == "" {
				reason = n.RawStatus
			}
			return s.fail(ctx, cur, reason)
		default:
			if attached && cur.Status != StatusCompleted {
				cur.UpdatedAt = s.now()
				return cur, s.store.Update(ctx, cur)
			}
			return cur, nil
		}
	})
}

// lookup finds the transaction a notification refers to: by business
// reference, then by provider transaction id. A transaction belonging to a
// different provider is treated as missing.
func (s *Service) lookup(ctx context.Context, provider providers.ID, n providers.Notification) (*Transaction, error) {
	var (
		tx  *Transaction
		err error = ErrTransactionNotFound
	)
	if n.Reference != "" {
		tx, err = s.store.GetByReference(ctx, n.Reference)
	}
	if errors.Is(err, ErrTransactionNotFound) && n.ProviderTxID != "" {
		tx, err = s.store.GetByProviderTx(ctx, string(provider), n.ProviderTxID)
	}
	if err != nil {
		return nil, err
	}
	if tx.Provider != string(provider) {
		return nil, fmt.Errorf("%w: %s belongs to %s", ErrTransactionNotFound, tx.ID, tx.Provider)
	}
	return tx, nil
}

// applyLocked re-reads transaction id under its lock and applies fn.
func (s *Service) applyLocked(ctx context.Context, id string, fn func(cur *Transaction) (*Transaction, error)) (*Transaction, error) {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	unlock, err := s.locks.LockContext(lockCtx, id)
	if err != nil {
		return nil, fmt.Errorf("payment transaction %s busy: %w", id, err)
	}
	defer unlock()

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return fn(cur)
}

// settlementMismatch compares a completion report with the attempt it
// settles. Fields the provider left out are not compared.
func settlementMismatch(tx *Transaction, n providers.Notification) (code, detail string) {
	if n.Amount != "" {
		reported, err := decimal.NewFromString(strings.TrimSpace(n.Amount))
		if err != nil || !reported.Equal(decimal.NewFromInt(tx.Amount)) {
			return CodeAmountMismatch, fmt.Sprintf("provider reported amount %q, expected %d", n.Amount, tx.Amount)
		}
	}
	if n.PayerPhone != "" && tx.PayerPhone != "" && validation.NormalizePhone(n.PayerPhone) != tx.PayerPhone {
		return CodePayerMismatch, "provider reported a different payer"
	}
	return "", ""
}

// rejectCompletion refuses a completion report that does not match tx. The
// escrow is not funded; a pending attempt is failed so the payer can retry
// and an operator can settle whatever the provider actually collected.
func (s *Service) rejectCompletion(ctx context.Context, tx *Transaction, code, detail string) (*Transaction, error) {
	paymentAnomalies.WithLabelValues(code).Inc()
	logging.L(ctx).Error("completion report does not match payment; escrow not funded",
		"escrowId", tx.EscrowID,
		"transactionId", tx.ID,
		"provider", tx.Provider,
		"providerTxId", tx.ProviderTxID,
		"reason", detail,
	)
	if tx.Status == StatusCompleted {
		return tx, nil
	}
	return s.fail(ctx, tx, code+": "+detail)
}

// complete marks tx completed if it is not already, then funds its escrow.
func (s *Service) complete(ctx context.Context, tx *Transaction, actor string) (*Transaction, error) {
	if tx.Status != StatusCompleted {
		from := tx.Status
		now := s.now()
		tx.Status = StatusCompleted
		tx.PaidAt = &now
		tx.FailureReason = ""
		tx.UpdatedAt = now

		if err := s.store.Update(ctx, tx); err != nil {
			if !errors.Is(err, ErrTransactionCompleted) {
				return nil, fmt.Errorf("failed to complete payment transaction: %w", err)
			}
			cur, gerr := s.store.Get(ctx, tx.ID)
			if gerr != nil {
				return nil, gerr
			}
			if cur.Status != StatusCompleted {
				// Another attempt on this escrow already completed: the payer
				// paid twice and needs a manual refund.
				paymentAnomalies.WithLabelValues("second_completion").Inc()
				s.logger.Error("second completed payment for escrow; manual refund needed",
					"escrowId", cur.EscrowID, "transactionId", cur.ID, "providerTxId", cur.ProviderTxID)
				return cur, nil
			}
			tx = cur
		} else {
			paymentStatusUpdates.WithLabelValues(tx.Provider, string(from), string(StatusCompleted)).Inc()
			logging.L(ctx).Info("payment completed",
				"escrowId", tx.EscrowID, "transactionId", tx.ID, "provider", tx.Provider)
			if s.events != nil {
				s.events.EmitPaymentCompleted(tx)
			}
		}
	}
	return tx, s.fundEscrow(ctx, tx, actor)
}

// fundEscrow moves tx's escrow to funded. An escrow that was funded before
// and has since moved on is left alone.
func (s *Service) fundEscrow(ctx context.Context, tx *Transaction, actor string) error {
	_, err := s.escrows.Transition(ctx, tx.EscrowID, escrow.StateFunded, escrow.Evidence{
		Actor:     actor,
		Reference: tx.ID,
	})
	var terr *escrow.TransitionError
	if !errors.As(err, &terr) {
		return err
	}

	e, gerr := s.escrows.Get(ctx, tx.EscrowID)
	if gerr == nil && e.FundedAt != nil {
		return nil
	}
	paymentAnomalies.WithLabelValues("completion_on_closed_escrow").Inc()
	s.logger.Error("completed payment for escrow that cannot be funded; manual action needed",
		"escrowId", tx.EscrowID, "transactionId", tx.ID, "state", terr.From)
	return nil
}

// fail marks a pending attempt failed. Completed attempts are never downgraded.
func (s *Service) fail(ctx context.Context, tx *Transaction, reason string) (*Transaction, error) {
	switch tx.Status {
	case StatusCompleted:
		paymentAnomalies.WithLabelValues("downgrade_ignored").Inc()
		logging.L(ctx).Warn("ignoring failure report for completed payment",
			"transactionId", tx.ID, "escrowId", tx.EscrowID, "reason", reason)
		return tx, nil
	case StatusFailed:
		return tx, nil
	}

	tx.Status = StatusFailed
	tx.FailureReason = reason
	tx.UpdatedAt = s.now()
	if err := s.store.Update(ctx, tx); err != nil {
		if errors.Is(err, ErrTransactionCompleted) {
			return s.store.Get(ctx, tx.ID)
		}
		return nil, fmt.Errorf("failed to mark payment failed: %w", err)
	}
	paymentStatusUpdates.WithLabelValues(tx.Provider, string(StatusPending), string(StatusFailed)).Inc()
	if s.events != nil {
		s.events.EmitPaymentFailed(tx)
	}
	return tx, nil
}

// ConfirmCash records an admin's verdict on a pending cash payment. Received
// completes the attempt and funds the escrow. Not received fails the attempt
// and refunds the escrow. Repeating the same verdict is a no-op; the opposite
// verdict on a settled attempt returns ErrTransactionSettled.
func (s *Service) ConfirmCash(ctx context.Context, id string, received bool, note, actor string) (tx *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "payment.confirm_cash", traces.TransactionID(id))
	defer func() { traces.End(span, err) }()

	return s.applyLocked(ctx, id, func(cur *Transaction) (*Transaction, error) {
		if cur.Method != MethodCash {
			return nil, ErrNotCash
		}
		if received {
			if cur.Status == StatusFailed {
				return nil, ErrTransactionSettled
			}
			return s.complete(ctx, cur, actor)
		}

		if cur.Status == StatusCompleted {
			return nil, ErrTransactionSettled
		}
		reason := "cash not received"
		if note != "" {
			reason += ": " + note
		}
		cur, err := s.fail(ctx, cur, reason)
		if err != nil {
			return nil, err
		}
		return cur, s.refundEscrow(ctx, cur, reason, actor)
	})
}

// refundEscrow moves tx's escrow to refunded. An escrow already refunded
// counts as done.
func (s *Service) refundEscrow(ctx context.Context, tx *Transaction, reason, actor string) error {
	_, err := s.escrows.Transition(ctx, tx.EscrowID, escrow.StateRefunded, escrow.Evidence{
		Actor:     actor,
		Reason:    reason,
		Reference: tx.ID,
	})
	var terr *escrow.TransitionError
	if errors.As(err, &terr) && terr.From == escrow.StateRefunded {
		return nil
	}
	return err
}

// CloseAttempts fails the attempts still pending on a refunded escrow. The
// escrow service calls it after the refund; attempts already settled are
// left alone, so it never takes a lock its caller holds.
func (s *Service) CloseAttempts(ctx context.Context, escrowID, reason string) error {
	attempts, err := s.store.ListByEscrow(ctx, escrowID)
	if err != nil {
		return fmt.Errorf("failed to list payment attempts: %w", err)
	}
	if reason == "" {
		reason = "escrow refunded"
	} else {
		reason = "escrow refunded: " + reason
	}

	var errs []error
	for _, a := range attempts {
		if a.Status != StatusPending {
			continue
		}
		if _, err := s.applyLocked(ctx, a.ID, func(cur *Transaction) (*Transaction, error) {
			return s.fail(ctx, cur, reason)
		}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.ID, err))
			continue
		}
		logging.L(ctx).Info("payment attempt closed by refund",
			"escrowId", escrowID, "transactionId", a.ID)
	}
	return errors.Join(errs...)
}

// RefreshStatus asks the provider for the current status of a transaction
// and applies it like a webhook.
func (s *Service) RefreshStatus(ctx context.Context, id string) (*Transaction, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	provider, ok := tx.Method.Provider()
	if !ok {
		return nil, ErrNotProvider
	}

	n, err := s.gateway.QueryStatus(ctx, provider, tx.ProviderTxID, tx.Reference)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", provider, err)
	}
	n.Reference = tx.Reference
	logging.L(ctx).Info("provider status refreshed",
		"transactionId", tx.ID, "provider", provider, "status", n.Status, "raw", n.RawStatus)
	return s.ApplyProviderStatus(ctx, provider, n)
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByEscrow returns an escrow's payment attempts, oldest first.
func (s *Service) ListByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error) {
	if _, err := s.escrows.Get(ctx, escrowID); err != nil {
		return nil, err
	}
	return s.store.ListByEscrow(ctx, escrowID)
}

// CountByStatus returns the number of transactions in each status.
func (s *Service) CountByStatus(ctx context.Context) (map[Status]int, error) {
	return s.store.CountByStatus(ctx)
}
