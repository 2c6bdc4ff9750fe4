package paygateway

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/notemarket/internal/circuitbreaker"
)

var (
	gatewayCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notemarket",
		Subsystem: "paygateway",
		Name:      "calls_total",
		Help:      "Gateway calls by operation and result (ok, transient, invalid_request, circuit_open).",
	}, []string{"op", "result"})

	gatewayCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "notemarket",
		Subsystem: "paygateway",
		Name:      "call_duration_seconds",
		Help:      "Gateway call latency by operation.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(gatewayCallsTotal, gatewayCallDuration)
}

func observeCall(op string, err error, elapsed time.Duration) {
	gatewayCallDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	gatewayCallsTotal.WithLabelValues(op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	case IsInvalidRequest(err):
		return "invalid_request"
	default:
		return "transient"
	}
}
