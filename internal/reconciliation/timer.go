package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/freightpay/internal/logging"
)

// Sweeper drops expired entries from an in-process store.
type Sweeper interface {
	Sweep() int
}

// Timer periodically runs reconciliation and sweeps expired idempotency
// entries.
type Timer struct {
	runner   *Runner
	sweepers []Sweeper
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a reconciliation timer. A non-positive interval means daily.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithSweepers registers stores swept on every tick.
func (t *Timer) WithSweepers(s ...Sweeper) *Timer {
	t.sweepers = append(t.sweepers, s...)
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic reconciliation loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	for _, s := range t.sweepers {
		if n := s.Sweep(); n > 0 {
			t.logger.Debug("swept expired idempotency entries", "removed", n)
		}
	}
	if _, err := t.runner.RunAll(ctx); err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
	}
}
