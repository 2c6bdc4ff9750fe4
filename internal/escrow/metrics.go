package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	releaseTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notemarket",
		Subsystem: "escrow",
		Name:      "release_total",
		Help:      "Escrow release attempts by result (released, skipped, failed).",
	}, []string{"result"})

	releasedAmount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "notemarket",
		Subsystem: "escrow",
		Name:      "released_amount_inr_total",
		Help:      "INR moved from pending to available balances.",
	})

	salesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "notemarket",
		Subsystem: "escrow",
		Name:      "sales_recorded_total",
		Help:      "Settled sales placed into escrow.",
	})
)

func init() {
	prometheus.MustRegister(releaseTotal, releasedAmount, salesTotal)
}
