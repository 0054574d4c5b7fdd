package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileStuckEscrows = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "freightpay",
		Subsystem: "reconciliation",
		Name:      "stuck_escrows",
		Help:      "Escrows over their state budget in the last reconciliation run, by state.",
	}, []string{"state"})

	reconcileLastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "freightpay",
		Subsystem: "reconciliation",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time of the last successful reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "freightpay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "freightpay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileStuckEscrows,
		reconcileLastRun,
		reconcileDuration,
		reconcileErrors,
	)
}
