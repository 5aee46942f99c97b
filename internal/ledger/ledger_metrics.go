package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts append attempts by entry type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rift",
			Name:      "ledger_operations_total",
			Help:      "Total wallet ledger append attempts by entry type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes append latency by entry type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rift",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Wallet ledger append duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// LedgerDuplicatesTotal counts appends absorbed by the uniqueness rule.
	LedgerDuplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rift",
			Name:      "ledger_duplicate_entries_total",
			Help:      "Wallet ledger appends skipped because the entry already existed.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerDuplicatesTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

// recordOutcome counts duplicates.
func recordOutcome(t EntryType, inserted bool) {
	if !inserted {
		LedgerDuplicatesTotal.WithLabelValues(string(t)).Inc()
	}
}
