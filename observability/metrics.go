package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OperationMetrics records ledger operations served over the API.
type OperationMetrics struct {
	operations *prometheus.CounterVec
	failures   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	throttles  *prometheus.CounterVec
}

var (
	operationsOnce sync.Once
	operations     *OperationMetrics
)

// Operations returns the process-wide recorder, registered on the default
// Prometheus registry on first use.
func Operations() *OperationMetrics {
	operationsOnce.Do(func() {
		operations = &OperationMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanledger",
				Name:      "operations_total",
				Help:      "Ledger operations by name and outcome.",
			}, []string{"operation", "outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanledger",
				Name:      "operation_failures_total",
				Help:      "Failed ledger operations by HTTP status.",
			}, []string{"operation", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "loanledger",
				Name:      "operation_duration_seconds",
				Help:      "Time spent serving ledger operations, including the state commit.",
				Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			}, []string{"operation"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanledger",
				Name:      "throttled_requests_total",
				Help:      "Requests rejected by the per-caller rate limiter.",
			}, []string{"group"}),
		}
		prometheus.MustRegister(
			operations.operations,
			operations.failures,
			operations.latency,
			operations.throttles,
		)
	})
	return operations
}

// Observe records one served operation. status is the HTTP status written to
// the client; 4xx and 5xx count as failures.
func (m *OperationMetrics) Observe(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	outcome := "ok"
	switch {
	case status >= 500:
		outcome = "error"
	case status >= 400:
		outcome = "rejected"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	if status >= 400 {
		m.failures.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	}
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordThrottle counts a rate limited request for the route group.
func (m *OperationMetrics) RecordThrottle(group string) {
	if m == nil {
		return
	}
	if group == "" {
		group = "default"
	}
	m.throttles.WithLabelValues(group).Inc()
}
