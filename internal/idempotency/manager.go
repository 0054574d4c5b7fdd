package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/freightpay/internal/logging"
)

const (
	// InitiationTTL bounds how long a payment request is remembered.
	InitiationTTL = 24 * time.Hour
	// WebhookTTL applies to stores that honour TTLs (Redis); the in-process
	// webhook store is bounded by size instead.
	WebhookTTL = 24 * time.Hour
	// ReservationTTL bounds an in-flight marker whose holder died before
	// recording or releasing it.
	ReservationTTL = 2 * time.Minute

	reservationPrefix = "lock:"
	awaitPoll         = 50 * time.Millisecond
)

// Result is the answer to CheckAndReserve.
type Result struct {
	// Duplicate is set when an outcome was already recorded for the key.
	Duplicate bool
	Outcome   string
	// Reserved is set when this call now holds the key. The holder must
	// call Record or Release.
	Reserved bool
	// InFlight is set when another caller holds the key and has not
	// recorded an outcome yet.
	InFlight bool
}

// Manager checks, reserves and records idempotency keys for one scope.
//
// A key has a recorded outcome, an in-flight reservation, or nothing. The
// reservation lives under its own store key, so a recorded outcome is never
// overwritten by it.
//
// Storage failures never fail the caller: a failed lookup is treated as a
// miss and a failed record is logged and counted. The financial paths behind
// a Manager stay safe on a miss because escrow creation has its own duplicate
// guard and the transition table rejects a second funding.
type Manager struct {
	scope  string
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewManager creates a manager. scope labels logs and metrics ("initiation", "webhook").
func NewManager(scope string, store Store, ttl time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{scope: scope, store: store, ttl: ttl, logger: logger}
}

// CheckAndReserve returns the recorded outcome for key if there is one.
// Otherwise it tries to reserve key for the caller; if another caller holds
// the reservation the result is InFlight.
func (m *Manager) CheckAndReserve(ctx context.Context, key string) Result {
	if r, ok := m.lookup(ctx, key); ok {
		return r
	}

	reserved, err := m.store.PutIfAbsent(ctx, Entry{Key: reservationPrefix + key}, ReservationTTL)
	if err != nil {
		idemDegraded.WithLabelValues(m.scope, "reserve").Inc()
		logging.L(ctx).Warn("idempotency reservation failed, treating as new",
			"scope", m.scope, "error", err)
		return Result{}
	}
	if !reserved {
		idemLookups.WithLabelValues(m.scope, "in_flight").Inc()
		return Result{InFlight: true}
	}

	// The previous holder may have recorded and released between the
	// lookup and the reservation.
	if r, ok := m.lookup(ctx, key); ok {
		m.release(ctx, key)
		return r
	}
	idemLookups.WithLabelValues(m.scope, "miss").Inc()
	return Result{Reserved: true}
}

// lookup reports a recorded outcome for key. A store error counts as no outcome.
func (m *Manager) lookup(ctx context.Context, key string) (Result, bool) {
	e, found, err := m.store.Get(ctx, key)
	if err != nil {
		idemLookups.WithLabelValues(m.scope, "error").Inc()
		idemDegraded.WithLabelValues(m.scope, "check").Inc()
		logging.L(ctx).Warn("idempotency lookup failed, treating as new",
			"scope", m.scope, "error", err)
		return Result{}, false
	}
	if !found {
		return Result{}, false
	}
	idemLookups.WithLabelValues(m.scope, "hit").Inc()
	return Result{Duplicate: true, Outcome: e.Outcome}, true
}

// Await waits up to maxWait for an in-flight key to settle. It returns the
// recorded outcome, or a reservation if the previous holder released the key
// without recording. On timeout it returns an empty Result and the caller
// proceeds unreserved.
func (m *Manager) Await(ctx context.Context, key string, maxWait time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	tick := time.NewTicker(awaitPoll)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			idemLookups.WithLabelValues(m.scope, "await_timeout").Inc()
			logging.L(ctx).Warn("idempotency key still in flight, proceeding",
				"scope", m.scope, "waited", maxWait)
			return Result{}
		case <-tick.C:
		}
		if r := m.CheckAndReserve(ctx, key); !r.InFlight {
			return r
		}
	}
}

// Record stores outcome for key and drops the caller's reservation. An
// existing live outcome is never overwritten. It returns false when the
// outcome was not stored, either because one already existed or because the
// store failed.
func (m *Manager) Record(ctx context.Context, key, outcome string) bool {
	defer m.release(ctx, key)

	stored, err := m.store.PutIfAbsent(ctx, Entry{Key: key, Outcome: outcome}, m.ttl)
	if err != nil {
		idemDegraded.WithLabelValues(m.scope, "record").Inc()
		m.logger.Warn("idempotency record failed; running degraded",
			"scope", m.scope, "error", err, "request_id", logging.RequestID(ctx))
		return false
	}
	return stored
}

// Release drops the caller's reservation without recording an outcome, so
// the next request for key is handled as new.
func (m *Manager) Release(ctx context.Context, key string) {
	m.release(ctx, key)
}

func (m *Manager) release(ctx context.Context, key string) {
	if err := m.store.Delete(context.WithoutCancel(ctx), reservationPrefix+key); err != nil {
		idemDegraded.WithLabelValues(m.scope, "release").Inc()
		m.logger.Warn("idempotency reservation not released; it expires on its own",
			"scope", m.scope, "error", err, "expiresIn", ReservationTTL)
	}
}

// Forget deletes the recorded outcome for key. Used when a recorded outcome
// no longer describes the request, such as a payment attempt that failed.
func (m *Manager) Forget(ctx context.Context, key string) {
	if err := m.store.Delete(ctx, key); err != nil {
		idemDegraded.WithLabelValues(m.scope, "forget").Inc()
		m.logger.Warn("idempotency outcome not deleted", "scope", m.scope, "error", err)
	}
}

// Scope returns the manager's scope label.
func (m *Manager) Scope() string { return m.scope }
