package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/freightpay/internal/circuitbreaker"
	"github.com/mbd888/freightpay/internal/logging"
	"github.com/mbd888/freightpay/internal/retry"
	"github.com/mbd888/freightpay/internal/traces"
)

const (
	// DefaultCallTimeout bounds one HTTP attempt.
	DefaultCallTimeout = 10 * time.Second
	// DefaultTotalTimeout bounds a call including retries and backoff.
	DefaultTotalTimeout = 60 * time.Second
)

// Gateway makes outbound provider calls. Each logical call runs under the
// provider's circuit breaker, retries transport failures and 5xx answers per
// its retry policy, and is detached from the caller's cancellation so a
// client hanging up cannot abandon a half-made payment request.
type Gateway struct {
	registry     *Registry
	breaker      *circuitbreaker.Breaker
	policy       retry.Policy
	callTimeout  time.Duration
	totalTimeout time.Duration
	logger       *slog.Logger
}

// NewGateway creates a gateway using the standard provider retry policy.
func NewGateway(registry *Registry, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Gateway{
		registry:     registry,
		breaker:      breaker,
		policy:       retry.Provider,
		callTimeout:  DefaultCallTimeout,
		totalTimeout: DefaultTotalTimeout,
		logger:       logger,
	}
}

// WithPolicy replaces the retry policy. Used by tests.
func (g *Gateway) WithPolicy(p retry.Policy) *Gateway {
	g.policy = p
	return g
}

// WithCallTimeout replaces the per-attempt timeout.
func (g *Gateway) WithCallTimeout(d time.Duration) *Gateway {
	g.callTimeout = d
	return g
}

// Registry returns the adapters the gateway calls.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Initiate asks provider id to collect a payment.
//
// It returns circuitbreaker.ErrCircuitOpen (wrapped) when the provider's
// circuit is open, ErrProviderUnavailable (wrapped) when retries are
// exhausted, and Result{Success: false} with a nil error when the provider
// rejected the request with a 4xx.
func (g *Gateway) Initiate(ctx context.Context, id ID, req InitiateRequest) (Result, error) {
	adapter, err := g.registry.Get(id)
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.totalTimeout)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "provider.initiate", traces.Provider(string(id)), traces.Amount(req.Amount))

	var res Result
	rejected, err := g.call(ctx, id, "initiate", func(ctx context.Context) error {
		r, err := adapter.Initiate(ctx, req)
		if err == nil {
			res = r
		}
		return err
	})
	traces.End(span, err)

	switch {
	case err != nil:
		return Result{}, err
	case rejected != nil:
		logging.L(ctx).Warn("provider rejected initiation",
			"provider", id, "reference", req.Reference, "status", rejected.StatusCode)
		return Result{Success: false, Error: rejected.Body}, nil
	}
	return res, nil
}

// QueryStatus asks provider id for the current status of a transaction.
func (g *Gateway) QueryStatus(ctx context.Context, id ID, providerTxID, reference string) (Notification, error) {
	adapter, err := g.registry.Get(id)
	if err != nil {
		return Notification{}, err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.totalTimeout)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "provider.query_status", traces.Provider(string(id)))

	var n Notification
	rejected, err := g.call(ctx, id, "query_status", func(ctx context.Context) error {
		got, err := adapter.QueryStatus(ctx, providerTxID, reference)
		if err == nil {
			n = got
		}
		return err
	})
	if err == nil && rejected != nil {
		err = rejected
	}
	traces.End(span, err)
	if err != nil {
		return Notification{}, err
	}
	return n, nil
}

// call runs attempt under the breaker and retry policy. A 4xx answer is
// returned as rejected and counts as a healthy provider.
func (g *Gateway) call(ctx context.Context, id ID, op string, attempt func(ctx context.Context) error) (rejected *HTTPError, err error) {
	start := time.Now()
	err = g.breaker.Execute(ctx, string(id), func(ctx context.Context) error {
		policy := g.policy
		policy.OnRetry = func(n int, err error, delay time.Duration) {
			providerRetries.WithLabelValues(string(id), op).Inc()
			g.logger.Warn("provider call failed, retrying",
				"provider", id, "op", op, "attempt", n, "delay", delay, "error", err)
		}
		err := policy.Do(ctx, func(int) error {
			callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
			defer cancel()
			return attempt(callCtx)
		})

		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.IsClientError() {
			rejected = httpErr
			return nil
		}
		return err
	})
	providerCallDuration.WithLabelValues(string(id), op).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		providerCalls.WithLabelValues(string(id), op, "circuit_open").Inc()
		return nil, fmt.Errorf("%s: %w", id, err)
	case err != nil:
		providerCalls.WithLabelValues(string(id), op, "error").Inc()
		return nil, fmt.Errorf("%w: %s: %w", ErrProviderUnavailable, id, err)
	case rejected != nil:
		providerCalls.WithLabelValues(string(id), op, "rejected").Inc()
		return rejected, nil
	}
	providerCalls.WithLabelValues(string(id), op, "ok").Inc()
	return nil, nil
}

// ProviderStatus describes one configured provider for operators.
type ProviderStatus struct {
	ID      ID                      `json:"id"`
	Circuit circuitbreaker.Snapshot `json:"circuit"`
}

// Statuses returns the circuit state of every registered provider.
func (g *Gateway) Statuses() []ProviderStatus {
	ids := g.registry.IDs()
	out := make([]ProviderStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, ProviderStatus{ID: id, Circuit: g.breaker.Snapshot(string(id))})
	}
	return out
}

// CircuitState returns the breaker state for one provider.
func (g *Gateway) CircuitState(id ID) circuitbreaker.State {
	return g.breaker.State(string(id))
}
