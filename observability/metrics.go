package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	operatorMetricsOnce sync.Once
	operatorRegistry    *OperatorMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// OperatorMetrics captures payment operator activity.
type OperatorMetrics struct {
	operations *prometheus.CounterVec
	failures   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	fees       *prometheus.CounterVec
}

// Operator returns the singleton metrics registry for payment operators.
func Operator() *OperatorMetrics {
	operatorMetricsOnce.Do(func() {
		operatorRegistry = &OperatorMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "operator",
				Name:      "operations_total",
				Help:      "Count of operator operations segmented by kind and outcome.",
			}, []string{"operation", "outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "operator",
				Name:      "failures_total",
				Help:      "Count of aborted operator operations segmented by kind and reason.",
			}, []string{"operation", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "operator",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for operator operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			fees: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "operator",
				Name:      "fees_distributed_total",
				Help:      "Fee units paid out segmented by token and share.",
			}, []string{"token", "share"}),
		}
		prometheus.MustRegister(
			operatorRegistry.operations,
			operatorRegistry.failures,
			operatorRegistry.latency,
			operatorRegistry.fees,
		)
	})
	return operatorRegistry
}

// Observe records the execution of an operator operation. reason should be a
// stable label derived from the error, e.g. "condition_not_met".
func (m *OperatorMetrics) Observe(operation string, duration time.Duration, reason string) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if reason != "" {
		outcome = "error"
		m.failures.WithLabelValues(op, reason).Inc()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordDistribution adds distributed fee units. Amounts above float64
// precision are approximated.
func (m *OperatorMetrics) RecordDistribution(token, share string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.fees.WithLabelValues(strings.ToLower(token), share).Add(amount)
}
