package payments

import "github.com/prometheus/client_golang/prometheus"

var (
	paymentInitiations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightpay",
		Subsystem: "payments",
		Name:      "initiations_total",
		Help:      "Payment initiations by method and outcome.",
	}, []string{"method", "outcome"})

	paymentStatusUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightpay",
		Subsystem: "payments",
		Name:      "status_updates_total",
		Help:      "Applied payment status changes by provider, from-status and to-status.",
	}, []string{"provider", "from_status", "to_status"})

	paymentAnomalies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightpay",
		Subsystem: "payments",
		Name:      "anomalies_total",
		Help:      "Provider reports that were not applied and may need an operator.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(paymentInitiations, paymentStatusUpdates, paymentAnomalies)
}
