// Package metrics provides Prometheus instrumentation for the release/refund engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rift",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rift",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransitionsTotal counts applied state machine transitions.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rift",
			Name:      "transitions_total",
			Help:      "Applied transaction status transitions by from and to status.",
		},
		[]string{"from", "to"},
	)

	// VersionConflictsTotal counts lost optimistic compare-and-swaps.
	VersionConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rift",
		Name:      "version_conflicts_total",
		Help:      "Transaction writes that lost the version check and were re-derived.",
	})

	// ReleasesTotal counts release attempts by kind (full, milestone) and outcome.
	ReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rift",
			Name:      "releases_total",
			Help:      "Release attempts by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// RefundsTotal counts refund attempts by outcome.
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rift",
			Name:      "refunds_total",
			Help:      "Refund attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// ReconcilerRunsTotal counts reconciled milestone locks by result.
	ReconcilerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rift",
			Name:      "reconciler_locks_total",
			Help:      "Stale milestone locks processed by the reconciler, by result.",
		},
		[]string{"result"},
	)

	// WebhookEventsTotal counts processed gateway events by type and outcome.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rift",
			Name:      "webhook_events_total",
			Help:      "Gateway webhook events by variant and outcome.",
		},
		[]string{"variant", "outcome"},
	)

	// WebhookSignatureFailuresTotal is the alert signal for forged or
	// misconfigured webhook deliveries.
	WebhookSignatureFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rift",
		Name:      "webhook_signature_failures_total",
		Help:      "Webhook deliveries rejected for an invalid signature.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rift", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rift", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rift", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rift", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rift", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rift", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransitionsTotal,
		VersionConflictsTotal,
		ReleasesTotal,
		RefundsTotal,
		ReconcilerRunsTotal,
		WebhookEventsTotal,
		WebhookSignatureFailuresTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
