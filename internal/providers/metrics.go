package providers

import "github.com/prometheus/client_golang/prometheus"

var (
	providerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightpay",
		Subsystem: "provider",
		Name:      "calls_total",
		Help:      "Logical provider calls by provider, operation and outcome.",
	}, []string{"provider", "op", "outcome"})

	providerRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightpay",
		Subsystem: "provider",
		Name:      "retries_total",
		Help:      "Provider call retries by provider and operation.",
	}, []string{"provider", "op"})

	providerCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "freightpay",
		Subsystem: "provider",
		Name:      "call_duration_seconds",
		Help:      "Provider call duration including retries.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40},
	}, []string{"provider", "op"})
)

func init() {
	prometheus.MustRegister(providerCalls, providerRetries, providerCallDuration)
}
