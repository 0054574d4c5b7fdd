package events

import (
	"time"

	"github.com/mbd888/freightpay/internal/escrow"
	"github.com/mbd888/freightpay/internal/idgen"
	"github.com/mbd888/freightpay/internal/logging"
	"github.com/mbd888/freightpay/internal/payments"
)

// Emitter turns escrow transitions and payment updates into events.
type Emitter struct {
	d   *Dispatcher
	now func() time.Time
}

// NewEmitter creates an emitter over d.
func NewEmitter(d *Dispatcher) *Emitter {
	return &Emitter{d: d, now: time.Now}
}

func (e *Emitter) emit(t Type, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	e.d.Dispatch(&Event{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		Type:      t,
		Timestamp: e.now().UTC(),
		Data:      data,
	})
}

// --- Escrow events ---

// EmitEscrowTransition emits escrow.funded, escrow.released,
// escrow.refunded or escrow.disputed for the state entered.
func (e *Emitter) EmitEscrowTransition(esc *escrow.Escrow, from escrow.State, ev escrow.Evidence) {
	var t Type
	switch esc.State {
	case escrow.StateFunded:
		t = EscrowFunded
	case escrow.StateReleased:
		t = EscrowReleased
	case escrow.StateRefunded:
		t = EscrowRefunded
	case escrow.StateDisputed:
		t = EscrowDisputed
	default:
		return
	}
	data := map[string]interface{}{
		"escrowId":   esc.ID,
		"shipmentId": esc.ShipmentID,
		"payerId":    esc.PayerID,
		"amount":     esc.Amount,
		"from":       from,
		"to":         esc.State,
		"actor":      ev.Actor,
	}
	if ev.Reason != "" {
		data["reason"] = ev.Reason
	}
	if ev.Reference != "" {
		data["reference"] = ev.Reference
	}
	e.emit(t, data)
}

// --- Payment events ---

func paymentData(tx *payments.Transaction) map[string]interface{} {
	data := map[string]interface{}{
		"transactionId": tx.ID,
		"escrowId":      tx.EscrowID,
		"method":        tx.Method,
		"status":        tx.Status,
		"amount":        tx.Amount,
	}
	if tx.PayerPhone != "" {
		data["payerPhone"] = logging.MaskPhone(tx.PayerPhone)
	}
	if tx.ProviderTxID != "" {
		data["providerTxId"] = tx.ProviderTxID
	}
	return data
}

// EmitPaymentInitiated emits payment.initiated.
func (e *Emitter) EmitPaymentInitiated(tx *payments.Transaction) {
	e.emit(PaymentInitiated, paymentData(tx))
}

// EmitPaymentCompleted emits payment.completed.
func (e *Emitter) EmitPaymentCompleted(tx *payments.Transaction) {
	data := paymentData(tx)
	if tx.PaidAt != nil {
		data["paidAt"] = tx.PaidAt.UTC()
	}
	e.emit(PaymentCompleted, data)
}

// EmitPaymentFailed emits payment.failed.
func (e *Emitter) EmitPaymentFailed(tx *payments.Transaction) {
	data := paymentData(tx)
	data["reason"] = tx.FailureReason
	e.emit(PaymentFailed, data)
}

var (
	_ escrow.EventEmitter   = (*Emitter)(nil)
	_ payments.EventEmitter = (*Emitter)(nil)
)
