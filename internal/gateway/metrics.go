package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CallsTotal counts gateway calls by operation and outcome
	// (ok, transient, insufficient, rejected, circuit_open).
	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rift",
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Payment gateway calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// CallDuration observes gateway call latency per attempt.
	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rift",
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Payment gateway call latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(CallsTotal, CallDuration)
}

// observeCall starts a latency timer and returns a function that records the
// outcome of the attempt.
func observeCall(op string) func(err error) {
	start := time.Now()
	return func(err error) {
		CallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		CallsTotal.WithLabelValues(op, outcomeOf(err)).Inc()
	}
}
