package events

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightpay",
		Subsystem: "events",
		Name:      "emitted_total",
		Help:      "Events emitted by type.",
	}, []string{"event_type"})

	eventDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "freightpay",
		Subsystem: "events",
		Name:      "deliveries_total",
		Help:      "Event delivery outcomes by sink (ok, retry, failed, panic).",
	}, []string{"sink", "result"})
)

func init() {
	prometheus.MustRegister(eventsEmitted, eventDeliveries)
}
