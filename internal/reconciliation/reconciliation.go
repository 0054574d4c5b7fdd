// Package reconciliation finds escrows that have sat in one state longer
// than expected and publishes a report for operators.
//
// It is advisory only. Nothing here changes an escrow; remediation goes
// through the escrow admin transition endpoint or a payment status refresh.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/freightpay/internal/escrow"
	"github.com/mbd888/freightpay/internal/idgen"
	"github.com/mbd888/freightpay/internal/logging"
)

// Escrows is the read side of the escrow service used by a run.
type Escrows interface {
	ListNonTerminal(ctx context.Context, limit int) ([]*escrow.Escrow, error)
	CountByState(ctx context.Context) (map[escrow.State]int, error)
}

// Budgets is how long an escrow may stay in each non-terminal state.
type Budgets map[escrow.State]time.Duration

// DefaultBudgets returns the budgets used when none are configured.
func DefaultBudgets() Budgets {
	return Budgets{
		escrow.StatePending:  2 * time.Hour,
		escrow.StateFunded:   14 * 24 * time.Hour,
		escrow.StateDisputed: 7 * 24 * time.Hour,
	}
}

const defaultScanLimit = 10000

// Flagged is an escrow over its state budget.
type Flagged struct {
	EscrowID       string       `json:"escrowId"`
	ShipmentID     string       `json:"shipmentId"`
	State          escrow.State `json:"state"`
	Amount         int64        `json:"amount"`
	StateEnteredAt time.Time    `json:"stateEnteredAt"`
	AgeSeconds     int64        `json:"ageSeconds"`
	BudgetSeconds  int64        `json:"budgetSeconds"`
}

// Report is the outcome of one run.
type Report struct {
	ID            string               `json:"id"`
	RunAt         time.Time            `json:"runAt"`
	DurationMs    int64                `json:"durationMs"`
	CountsByState map[escrow.State]int `json:"countsByState"`
	Scanned       int                  `json:"scanned"`
	Truncated     bool                 `json:"truncated"`
	FlaggedCount  int                  `json:"flaggedCount"`
	Flagged       []Flagged            `json:"flagged"`
	Healthy       bool                 `json:"healthy"`
}

// Runner computes reports and keeps the latest one.
type Runner struct {
	escrows Escrows
	budgets Budgets
	limit   int
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	latest *Report
}

// NewRunner creates a runner. Missing budgets fall back to DefaultBudgets.
func NewRunner(escrows Escrows, budgets Budgets, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	merged := DefaultBudgets()
	for state, d := range budgets {
		if d > 0 {
			merged[state] = d
		}
	}
	return &Runner{
		escrows: escrows,
		budgets: merged,
		limit:   defaultScanLimit,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock sets the time source. Used by tests.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// WithLimit caps how many non-terminal escrows one run inspects.
func (r *Runner) WithLimit(limit int) *Runner {
	if limit > 0 {
		r.limit = limit
	}
	return r
}

// RunAll scans every non-terminal escrow and flags those over budget. The
// report becomes Latest on success.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	counts, err := r.escrows.CountByState(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to count escrows: %w", err)
	}
	open, err := r.escrows.ListNonTerminal(ctx, r.limit)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list open escrows: %w", err)
	}

	now := r.now()
	report := &Report{
		ID:            idgen.WithPrefix(idgen.PrefixReport),
		RunAt:         now.UTC(),
		CountsByState: counts,
		Scanned:       len(open),
		Truncated:     len(open) >= r.limit,
		Flagged:       []Flagged{},
	}

	perState := make(map[escrow.State]int, len(r.budgets))
	for _, e := range open {
		budget, ok := r.budgets[e.State]
		if !ok {
			continue
		}
		age := now.Sub(e.StateEnteredAt)
		if age <= budget {
			continue
		}
		perState[e.State]++
		report.Flagged = append(report.Flagged, Flagged{
			EscrowID:       e.ID,
			ShipmentID:     e.ShipmentID,
			State:          e.State,
			Amount:         e.Amount,
			StateEnteredAt: e.StateEnteredAt,
			AgeSeconds:     int64(age / time.Second),
			BudgetSeconds:  int64(budget / time.Second),
		})
	}
	sort.Slice(report.Flagged, func(i, j int) bool {
		return report.Flagged[i].AgeSeconds > report.Flagged[j].AgeSeconds
	})
	report.FlaggedCount = len(report.Flagged)
	report.Healthy = report.FlaggedCount == 0
	report.DurationMs = time.Since(start).Milliseconds()

	for state := range r.budgets {
		reconcileStuckEscrows.WithLabelValues(string(state)).Set(float64(perState[state]))
	}
	reconcileLastRun.SetToCurrentTime()

	r.mu.Lock()
	r.latest = report
	r.mu.Unlock()

	if report.Healthy {
		r.logger.Info("reconciliation complete", "scanned", report.Scanned)
	} else {
		r.logger.Warn("escrows need intervention",
			"flagged", report.FlaggedCount, "scanned", report.Scanned, "reportId", report.ID)
	}
	return report, nil
}

// Latest returns the most recent successful report, or nil before the
// first run.
func (r *Runner) Latest() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}
