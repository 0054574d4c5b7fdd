package idempotency

import "github.com/prometheus/client_golang/prometheus"

var (
	idemLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightpay",
		Subsystem: "idempotency",
		Name:      "lookups_total",
		Help:      "Idempotency lookups by scope and result (hit, miss, in_flight, await_timeout, error).",
	}, []string{"scope", "result"})

	idemDegraded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightpay",
		Subsystem: "idempotency",
		Name:      "degraded_total",
		Help:      "Storage failures tolerated by the idempotency layer, by scope and operation.",
	}, []string{"scope", "op"})

	idemEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freightpay",
		Subsystem: "idempotency",
		Name:      "evictions_total",
		Help:      "Entries evicted from bounded in-process stores.",
	})
)

func init() {
	prometheus.MustRegister(idemLookups, idemDegraded, idemEvictions)
}
