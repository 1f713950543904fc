// Package metrics holds the broker's Prometheus collectors. Collectors are
// registered once on first Init call; recording before Init is a no-op so
// library use without a metrics endpoint stays cheap.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHitsTotal      *prometheus.CounterVec
	cacheMissesTotal    *prometheus.CounterVec
	cacheCoalescedTotal *prometheus.CounterVec
	backendCallsTotal   *prometheus.CounterVec
	backendDuration     *prometheus.HistogramVec
	decisionsTotal      *prometheus.CounterVec
	auditFailuresTotal  prometheus.Counter
	auditDroppedTotal   prometheus.Counter

	registerOnce sync.Once
	registered   bool
)

// Init registers all collectors with the default registry. Safe to call more
// than once.
func Init() {
	registerOnce.Do(func() {
		cacheHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretbroker_cache_hits_total",
				Help: "Lease cache hits",
			},
			[]string{"backend"},
		)

		cacheMissesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretbroker_cache_misses_total",
				Help: "Lease cache misses that reached the backend",
			},
			[]string{"backend"},
		)

		cacheCoalescedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretbroker_cache_coalesced_total",
				Help: "Concurrent fetches coalesced into an in-flight backend call",
			},
			[]string{"backend"},
		)

		backendCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretbroker_backend_calls_total",
				Help: "Backend adapter calls by operation and outcome kind",
			},
			[]string{"backend", "operation", "kind"},
		)

		backendDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "secretbroker_backend_duration_seconds",
				Help:    "Duration of backend adapter calls",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"backend", "operation"},
		)

		decisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretbroker_policy_decisions_total",
				Help: "Policy gate decisions by outcome",
			},
			[]string{"capability", "outcome"},
		)

		auditFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "secretbroker_audit_failures_total",
				Help: "Audit events that failed to persist and fell back to the local log",
			},
		)

		auditDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "secretbroker_audit_dropped_total",
				Help: "Audit events dropped because the recorder queue was full",
			},
		)

		registered = true
	})
}

// CacheHit records a cache hit for a backend.
func CacheHit(backendName string) {
	if registered {
		cacheHitsTotal.WithLabelValues(backendName).Inc()
	}
}

// CacheMiss records a cache miss for a backend.
func CacheMiss(backendName string) {
	if registered {
		cacheMissesTotal.WithLabelValues(backendName).Inc()
	}
}

// CacheCoalesced records a request that waited on an in-flight fetch.
func CacheCoalesced(backendName string) {
	if registered {
		cacheCoalescedTotal.WithLabelValues(backendName).Inc()
	}
}

// BackendCall records one adapter call and its duration.
func BackendCall(backendName, operation, kind string, seconds float64) {
	if registered {
		backendCallsTotal.WithLabelValues(backendName, operation, kind).Inc()
		backendDuration.WithLabelValues(backendName, operation).Observe(seconds)
	}
}

// PolicyDecision records a gate decision.
func PolicyDecision(capability, outcome string) {
	if registered {
		decisionsTotal.WithLabelValues(capability, outcome).Inc()
	}
}

// AuditFailure records a sink write failure.
func AuditFailure() {
	if registered {
		auditFailuresTotal.Inc()
	}
}

// AuditDropped records an event lost to queue overflow.
func AuditDropped() {
	if registered {
		auditDroppedTotal.Inc()
	}
}
