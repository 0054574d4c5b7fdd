// Package circuitbreaker provides a per-key circuit breaker with
// closed → open → half-open state transitions. Payment providers are keyed
// by provider id so an outage at one never blocks the other.
package circuitbreaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrCircuitOpen is returned by Execute when the circuit rejects the call
// without invoking it.
var ErrCircuitOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request at a time tests recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightpay",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	cbRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightpay",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls rejected because the circuit was open or a probe was in flight.",
	}, []string{"key"})

	cbState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "freightpay",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current circuit state by key (0=closed, 1=open, 2=half_open).",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(cbStateTransitions, cbRejected, cbState)
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures that trip a closed circuit
	SuccessThreshold int           // consecutive half-open successes that close it
	Cooldown         time.Duration // time spent open before a probe is allowed
}

// DefaultConfig returns the thresholds used for payment providers.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 2, Cooldown: 30 * time.Second}
}

// entry tracks per-key circuit state.
type entry struct {
	state         State
	failures      int
	successes     int
	probeInFlight bool
	lastFailure   time.Time
	lastSuccess   time.Time
	nextRetryAt   time.Time
	generation    uint64 // bumped on every state change
}

// Breaker is a per-key circuit breaker. A closed circuit trips open after
// FailureThreshold consecutive failures. Once Cooldown has elapsed the next
// caller becomes the half-open probe; only one probe is in flight at a time.
// SuccessThreshold consecutive probe successes close the circuit, and any
// probe failure reopens it with a fresh cooldown.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	cfg          Config
	now          func() time.Time
	onTransition func(key string, from, to State) // optional callback for metrics
}

// New creates a circuit breaker. Non-positive thresholds fall back to
// DefaultConfig values.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{
		entries: make(map[string]*entry),
		cfg:     cfg,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// OnTransition sets a callback invoked on state changes.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Execute runs fn if the circuit for key allows it and records the outcome.
// It returns ErrCircuitOpen without calling fn when the circuit rejects.
// An outcome is dropped when the circuit changed state while fn ran, so a
// call admitted while closed never counts as a half-open probe.
func (b *Breaker) Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	gen, ok := b.admit(key)
	if !ok {
		return ErrCircuitOpen
	}

	completed := false
	defer func() {
		// fn panicked: release the probe slot before unwinding.
		if !completed {
			b.record(key, gen, false)
		}
	}()

	err := fn(ctx)
	completed = true
	b.record(key, gen, err == nil)
	return err
}

// Allow reports whether a request to key may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits the caller as the probe.
func (b *Breaker) Allow(key string) bool {
	_, ok := b.admit(key)
	return ok
}

// admit is Allow that also returns the generation the caller was admitted in.
func (b *Breaker) admit(key string) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(key)
	switch e.state {
	case StateClosed:
		return e.generation, true
	case StateOpen:
		if !b.now().Before(e.nextRetryAt) {
			b.transition(e, key, StateHalfOpen)
			e.probeInFlight = true
			return e.generation, true
		}
	case StateHalfOpen:
		if !e.probeInFlight {
			e.probeInFlight = true
			return e.generation, true
		}
	}
	cbRejected.WithLabelValues(key).Inc()
	return 0, false
}

// record applies an Execute outcome unless the circuit has moved on since
// the call was admitted.
func (b *Breaker) record(key string, gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(key)
	if e.generation != gen {
		return
	}
	if success {
		b.recordSuccess(e, key)
	} else {
		b.recordFailure(e, key)
	}
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordSuccess(b.entry(key), key)
}

// Caller must hold b.mu.
func (b *Breaker) recordSuccess(e *entry, key string) {
	e.lastSuccess = b.now()

	switch e.state {
	case StateClosed:
		e.failures = 0
	case StateHalfOpen:
		e.probeInFlight = false
		e.successes++
		if e.successes >= b.cfg.SuccessThreshold {
			b.transition(e, key, StateClosed)
		}
	}
}

// RecordFailure records a failed request. A closed circuit trips at the
// failure threshold; a half-open circuit reopens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordFailure(b.entry(key), key)
}

// Caller must hold b.mu.
func (b *Breaker) recordFailure(e *entry, key string) {
	now := b.now()
	e.lastFailure = now

	switch e.state {
	case StateClosed:
		e.failures++
		if e.failures >= b.cfg.FailureThreshold {
			e.nextRetryAt = now.Add(b.cfg.Cooldown)
			b.transition(e, key, StateOpen)
		}
	case StateHalfOpen:
		e.probeInFlight = false
		e.nextRetryAt = now.Add(b.cfg.Cooldown)
		b.transition(e, key, StateOpen)
	}
}

// State returns the current state for a key. Returns StateClosed for unknown keys.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return StateClosed
	}
	return e.state
}

// Snapshot is a point-in-time view of one circuit.
type Snapshot struct {
	Key         string     `json:"key"`
	State       string     `json:"state"`
	Failures    int        `json:"consecutiveFailures"`
	Successes   int        `json:"consecutiveSuccesses"`
	LastFailure *time.Time `json:"lastFailureAt,omitempty"`
	LastSuccess *time.Time `json:"lastSuccessAt,omitempty"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
}

// Snapshot returns the view for one key.
func (b *Breaker) Snapshot(key string) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return Snapshot{Key: key, State: StateClosed.String()}
	}
	return snapshotOf(key, e)
}

// Snapshots returns views for every key seen so far, sorted by key.
func (b *Breaker) Snapshots() []Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Snapshot, 0, len(b.entries))
	for key, e := range b.entries {
		out = append(out, snapshotOf(key, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func snapshotOf(key string, e *entry) Snapshot {
	s := Snapshot{
		Key:       key,
		State:     e.state.String(),
		Failures:  e.failures,
		Successes: e.successes,
	}
	if !e.lastFailure.IsZero() {
		t := e.lastFailure
		s.LastFailure = &t
	}
	if !e.lastSuccess.IsZero() {
		t := e.lastSuccess
		s.LastSuccess = &t
	}
	if e.state == StateOpen {
		t := e.nextRetryAt
		s.NextRetryAt = &t
	}
	return s
}

// entry returns the entry for key, creating a closed one.
// Caller must hold b.mu.
func (b *Breaker) entry(key string) *entry {
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	return e
}

// transition changes state, resets the counters the new state starts from
// and fires the callback if set.
// Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	e.generation++
	switch to {
	case StateClosed:
		e.failures = 0
		e.successes = 0
		e.probeInFlight = false
	case StateHalfOpen:
		e.successes = 0
	case StateOpen:
		e.successes = 0
	}
	cbStateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	cbState.WithLabelValues(key).Set(float64(to))
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(key, from, to)
	}
}
