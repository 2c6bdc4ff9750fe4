package alerts

import "github.com/prometheus/client_golang/prometheus"

var (
	alertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notemarket",
		Subsystem: "alerts",
		Name:      "emitted_total",
		Help:      "Alerts emitted by severity and event.",
	}, []string{"severity", "event"})

	deliveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notemarket",
		Subsystem: "alerts",
		Name:      "delivery_failures_total",
		Help:      "Alert and ticket deliveries that failed after retries, by sink.",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(alertsTotal, deliveryFailures)
}
