package reservation

import "github.com/prometheus/client_golang/prometheus"

var (
	reserveTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notemarket",
		Subsystem: "reservation",
		Name:      "reserve_total",
		Help:      "Reserve calls by outcome (reserved, duplicate, lock_unavailable, error).",
	}, []string{"outcome"})

	processTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notemarket",
		Subsystem: "reservation",
		Name:      "process_total",
		Help:      "Process calls by outcome.",
	}, []string{"outcome"})

	expiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "notemarket",
		Subsystem: "reservation",
		Name:      "expired_total",
		Help:      "Reservations moved to EXPIRED by the janitor.",
	})

	lockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "notemarket",
		Subsystem: "reservation",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for the idempotency-key lock.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

func init() {
	prometheus.MustRegister(reserveTotal, processTotal, expiredTotal, lockWait)
}
