// Package events delivers payment and escrow lifecycle events to external
// subscribers: audit logging, notification dispatch, analytics.
//
// Delivery is fire-and-forget. Each sink gets its own goroutine and retry
// budget; failures are logged and counted and never reach the caller.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/freightpay/internal/logging"
	"github.com/mbd888/freightpay/internal/retry"
)

// Type names an event.
type Type string

const (
	PaymentInitiated Type = "payment.initiated"
	PaymentCompleted Type = "payment.completed"
	PaymentFailed    Type = "payment.failed"
	EscrowFunded     Type = "escrow.funded"
	EscrowReleased   Type = "escrow.released"
	EscrowRefunded   Type = "escrow.refunded"
	EscrowDisputed   Type = "escrow.disputed"
)

// Event is the envelope every sink receives.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Sink delivers events somewhere. Send is one attempt; the Dispatcher
// retries errors not marked retry.Permanent.
type Sink interface {
	Name() string
	Send(ctx context.Context, event *Event) error
}

const defaultSendTimeout = 10 * time.Second

// Dispatcher fans events out to sinks asynchronously.
type Dispatcher struct {
	sinks       []Sink
	policy      retry.Policy
	sendTimeout time.Duration
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// NewDispatcher creates a dispatcher over sinks.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		sinks:       sinks,
		policy:      retry.Policy{MaxAttempts: 5, BaseDelay: time.Second, Jitter: true},
		sendTimeout: defaultSendTimeout,
		logger:      logger,
	}
}

// WithPolicy replaces the per-sink retry policy. Used by tests.
func (d *Dispatcher) WithPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// Sinks returns the configured sink names.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Dispatch sends event to every sink in the background.
func (d *Dispatcher) Dispatch(event *Event) {
	eventsEmitted.WithLabelValues(string(event.Type)).Inc()
	for _, sink := range d.sinks {
		d.wg.Add(1)
		go d.deliver(sink, event)
	}
}

func (d *Dispatcher) deliver(sink Sink, event *Event) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			eventDeliveries.WithLabelValues(sink.Name(), "panic").Inc()
			d.logger.Error("event sink panicked", "sink", sink.Name(), "event", event.Type, "panic", r)
		}
	}()

	policy := d.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		eventDeliveries.WithLabelValues(sink.Name(), "retry").Inc()
	}
	err := policy.Do(context.Background(), func(int) error {
		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
		defer cancel()
		return sink.Send(ctx, event)
	})
	if err != nil {
		eventDeliveries.WithLabelValues(sink.Name(), "failed").Inc()
		d.logger.Warn("event delivery failed",
			"sink", sink.Name(), "event", event.Type, "eventId", event.ID, "error", err)
		return
	}
	eventDeliveries.WithLabelValues(sink.Name(), "ok").Inc()
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
