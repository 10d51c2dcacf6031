// Package metrics exposes this process's own self-observability (C11):
// webhook ingestion counts/latencies, reconciler tick health and the Go
// runtime, as a Prometheus /metrics endpoint plus a /healthz liveness check.
// This is distinct from the CloudWatch runner/rate-limit metrics the
// reconciler publishes to the cloud account (internal/cloud, internal/reconciler).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide metrics container, mirroring the teacher's
// single-struct-of-vectors shape.
type Metrics struct {
	WebhookRequestsTotal   *prometheus.CounterVec
	WebhookRequestDuration *prometheus.HistogramVec

	ReconcilerTicksTotal    *prometheus.CounterVec
	ReconcilerTickDuration  prometheus.Histogram
	ReconcilerHandlerErrors *prometheus.CounterVec

	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// Init builds the metrics container under namespace/subsystem. Call once at
// startup before Get is used.
func Init(namespace, subsystem string) *Metrics {
	m := &Metrics{
		WebhookRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_requests_total",
				Help:      "Total number of inbound webhook requests handled, by event type and outcome",
			},
			[]string{"event", "status"},
		),
		WebhookRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_request_duration_seconds",
				Help:      "Duration of webhook request handling",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"event"},
		),
		ReconcilerTicksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconciler_ticks_total",
				Help:      "Total number of reconciler poll-loop ticks run",
			},
			[]string{"status"},
		),
		ReconcilerTickDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconciler_tick_duration_seconds",
				Help:      "Duration of a full reconciler poll-loop tick across all configured ASGs",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		ReconcilerHandlerErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconciler_handler_errors_total",
				Help:      "Total number of reconciler per-handler failures swallowed during a tick",
			},
			[]string{"handler"},
		),
		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service build information",
			},
			[]string{"version"},
		),
	}
	defaultMetrics = m
	return m
}

// Get returns the process-wide metrics, lazily initializing with the
// "ciscaler" namespace and no subsystem if Init was never called.
func Get() *Metrics {
	if defaultMetrics == nil {
		return Init("ciscaler", "")
	}
	return defaultMetrics
}

// RecordWebhookRequest records one inbound webhook handling outcome.
func (m *Metrics) RecordWebhookRequest(event, status string, duration time.Duration) {
	m.WebhookRequestsTotal.WithLabelValues(event, status).Inc()
	m.WebhookRequestDuration.WithLabelValues(event).Observe(duration.Seconds())
}

// RecordReconcilerTick records one full poll-loop tick.
func (m *Metrics) RecordReconcilerTick(success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ReconcilerTicksTotal.WithLabelValues(status).Inc()
	m.ReconcilerTickDuration.Observe(duration.Seconds())
}

// RecordHandlerError records one swallowed per-handler failure within a tick.
func (m *Metrics) RecordHandlerError(handler string) {
	m.ReconcilerHandlerErrors.WithLabelValues(handler).Inc()
}

// SetServiceInfo publishes the running build's version as a constant gauge.
func (m *Metrics) SetServiceInfo(version string) {
	m.ServiceInfo.WithLabelValues(version).Set(1)
}
