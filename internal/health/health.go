// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Detail   string `json:"detail,omitempty"`
	Advisory bool   `json:"advisory,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	check    Checker
	advisory bool
}

const defaultCheckTimeout = 2 * time.Second

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: defaultCheckTimeout}
}

// Register adds a named health checker whose failure makes the service
// unhealthy.
func (r *Registry) Register(name string, check Checker) {
	r.add(namedChecker{name: name, check: check})
}

// RegisterAdvisory adds a checker that is reported but never fails the
// aggregate, e.g. a provider circuit that is open while cash still works.
func (r *Registry) RegisterAdvisory(name string, check Checker) {
	r.add(namedChecker{name: name, check: check, advisory: true})
}

func (r *Registry) add(nc namedChecker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, nc)
	r.mu.Unlock()
}

// CheckAll runs all registered checkers, each bounded by the registry
// timeout, and returns the aggregate health status plus individual
// subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		statuses[i] = nc.check(cctx)
		cancel()
		if statuses[i].Name == "" {
			statuses[i].Name = nc.name
		}
		statuses[i].Advisory = nc.advisory
		if !statuses[i].Healthy && !nc.advisory {
			healthy = false
		}
	}

	return healthy, statuses
}
