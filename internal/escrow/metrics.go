package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	escrowCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freightpay",
		Subsystem: "escrow",
		Name:      "created_total",
		Help:      "Escrows opened.",
	})

	escrowDuplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freightpay",
		Subsystem: "escrow",
		Name:      "duplicate_rejections_total",
		Help:      "Escrow creations refused because the shipment already had an active escrow.",
	})

	escrowTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightpay",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Applied escrow transitions by from-state and to-state.",
	}, []string{"from_state", "to_state"})

	escrowInvalidTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightpay",
		Subsystem: "escrow",
		Name:      "invalid_transitions_total",
		Help:      "Rejected escrow transitions by from-state and to-state.",
	}, []string{"from_state", "to_state"})

	escrowVersionConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freightpay",
		Subsystem: "escrow",
		Name:      "version_conflicts_total",
		Help:      "Optimistic update conflicts that forced a re-read.",
	})
)

func init() {
	prometheus.MustRegister(
		escrowCreated,
		escrowDuplicates,
		escrowTransitions,
		escrowInvalidTransitions,
		escrowVersionConflicts,
	)
}
