package webhooks

import "github.com/prometheus/client_golang/prometheus"

var webhooksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "freightpay",
	Subsystem: "webhook",
	Name:      "received_total",
	Help:      "Inbound provider webhooks by provider and result.",
}, []string{"provider", "result"})

func init() {
	prometheus.MustRegister(webhooksReceived)
}
