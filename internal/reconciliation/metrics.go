package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notemarket",
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Reconciliation runs by outcome (match, mismatch, replayed, error).",
	}, []string{"outcome"})

	lastDifference = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "notemarket",
		Subsystem: "reconciliation",
		Name:      "last_amount_difference_inr",
		Help:      "Absolute ledger vs gateway difference of the last recorded day.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "notemarket",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(runsTotal, lastDifference, runDuration)
}
