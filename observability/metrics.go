package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type escrowMetrics struct {
	transitions *prometheus.CounterVec
	rpcRequests *prometheus.CounterVec
	rpcLatency  *prometheus.HistogramVec
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *escrowMetrics
)

// EscrowMetrics returns the lazily-initialised metrics registry used to record
// escrow transition outcomes and RPC activity.
func EscrowMetrics() *escrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &escrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradeline",
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Total escrow state transitions segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradeline",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tradeline",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.rpcRequests,
			escrowRegistry.rpcLatency,
		)
	})
	return escrowRegistry
}

// ObserveTransition records the outcome of an escrow transition attempt.
func (m *escrowMetrics) ObserveTransition(operation string, err error) {
	if m == nil || m.transitions == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.transitions.WithLabelValues(operation, outcome).Inc()
}

// ObserveRPC records a JSON-RPC request outcome and latency in seconds.
func (m *escrowMetrics) ObserveRPC(method string, err error, seconds float64) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if m.rpcRequests != nil {
		m.rpcRequests.WithLabelValues(method, outcome).Inc()
	}
	if m.rpcLatency != nil {
		m.rpcLatency.WithLabelValues(method).Observe(seconds)
	}
}
