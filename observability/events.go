package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
	dropped *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking audit events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of audit events delivered segmented by type and sink.",
			}, []string{"type", "sink"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Count of audit events a sink failed to deliver.",
			}, []string{"type", "sink"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.dropped)
	})
	return eventRegistry
}

func normalizeEventType(eventType string) string {
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// RecordEmitted increments the delivery counter for the event type and sink.
func (m *eventMetrics) RecordEmitted(eventType, sink string) {
	if m == nil {
		return
	}
	m.emitted.WithLabelValues(normalizeEventType(eventType), sink).Inc()
}

// RecordDropped increments the failure counter for the event type and sink.
func (m *eventMetrics) RecordDropped(eventType, sink string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(normalizeEventType(eventType), sink).Inc()
}
