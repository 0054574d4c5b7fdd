package shipment

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/freightpay/internal/logging"
	"github.com/mbd888/freightpay/internal/retry"
	"github.com/mbd888/freightpay/internal/syncutil"
	"github.com/prometheus/client_golang/prometheus"
)

var paidFlagUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "freightpay",
	Subsystem: "shipment",
	Name:      "paid_flag_updates_total",
	Help:      "Paid flag writes by result (ok, retried, superseded, failed).",
}, []string{"result"})

func init() {
	prometheus.MustRegister(paidFlagUpdates)
}

const writeTimeout = 5 * time.Second

// Coupler writes the paid flag when escrows are funded or refunded. The first
// write is attempted inline; if it fails for a transient reason, retries run
// in the background so the escrow transition that triggered it is never held
// up or undone.
//
// Writes for one shipment are serialized and sequenced: a retry gives up as
// soon as a newer SetPaid for the same shipment exists, so a stale value can
// never land after a newer one.
type Coupler struct {
	store  Store
	policy retry.Policy
	logger *slog.Logger
	locks  *syncutil.KeyedMutex
	wg     sync.WaitGroup

	mu     sync.Mutex
	seq    uint64
	latest map[string]uint64 // shipment id -> seq of the newest pending write
}

// NewCoupler creates a coupler over store.
func NewCoupler(store Store, logger *slog.Logger) *Coupler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Coupler{
		store:  store,
		policy: retry.Policy{MaxAttempts: 5, BaseDelay: time.Second, Jitter: true},
		logger: logger,
		locks:  syncutil.NewKeyedMutex(),
		latest: make(map[string]uint64),
	}
}

// WithPolicy replaces the background retry policy. Used by tests.
func (c *Coupler) WithPolicy(p retry.Policy) *Coupler {
	c.policy = p
	return c
}

// SetPaid sets the shipment's paid flag. A missing shipment is reported to
// the caller; any other failure is retried in the background and nil is
// returned.
func (c *Coupler) SetPaid(ctx context.Context, shipmentID string, paid bool) error {
	ctx = context.WithoutCancel(ctx)
	seq := c.next(shipmentID)

	err := c.write(ctx, shipmentID, seq, paid)
	switch {
	case err == nil:
		paidFlagUpdates.WithLabelValues("ok").Inc()
		return nil
	case errors.Is(err, errSuperseded):
		paidFlagUpdates.WithLabelValues("superseded").Inc()
		return nil
	case errors.Is(err, ErrShipmentNotFound):
		c.forget(shipmentID, seq)
		paidFlagUpdates.WithLabelValues("failed").Inc()
		return err
	}

	c.logger.Warn("paid flag write failed, retrying in background",
		"shipmentId", shipmentID, "paid", paid, "error", err)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		time.Sleep(c.policy.BaseDelay)
		err := c.policy.Do(ctx, func(int) error {
			err := c.write(ctx, shipmentID, seq, paid)
			if errors.Is(err, ErrShipmentNotFound) || errors.Is(err, errSuperseded) {
				return retry.Permanent(err)
			}
			return err
		})
		switch {
		case err == nil:
			paidFlagUpdates.WithLabelValues("retried").Inc()
		case errors.Is(err, errSuperseded):
			paidFlagUpdates.WithLabelValues("superseded").Inc()
			c.logger.Info("paid flag retry superseded by a newer write",
				"shipmentId", shipmentID, "paid", paid)
		default:
			c.forget(shipmentID, seq)
			paidFlagUpdates.WithLabelValues("failed").Inc()
			c.logger.Error("paid flag write abandoned",
				"shipmentId", shipmentID, "paid", paid, "error", err)
		}
	}()
	return nil
}

var errSuperseded = errors.New("superseded by a newer paid flag write")

// next registers a new write for shipmentID and returns its sequence number.
func (c *Coupler) next(shipmentID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.latest[shipmentID] = c.seq
	return c.seq
}

func (c *Coupler) current(shipmentID string, seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest[shipmentID] == seq
}

// forget drops the shipment's entry once its newest write is settled.
func (c *Coupler) forget(shipmentID string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest[shipmentID] == seq {
		delete(c.latest, shipmentID)
	}
}

// write stores paid under the shipment's lock, unless a newer write exists.
func (c *Coupler) write(ctx context.Context, shipmentID string, seq uint64, paid bool) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	unlock, err := c.locks.LockContext(ctx, shipmentID)
	if err != nil {
		return err
	}
	defer unlock()

	if !c.current(shipmentID, seq) {
		return errSuperseded
	}
	if err := c.store.SetPaid(ctx, shipmentID, paid); err != nil {
		return err
	}
	c.forget(shipmentID, seq)
	return nil
}

// Wait blocks until background retries finish.
func (c *Coupler) Wait() {
	c.wg.Wait()
}
