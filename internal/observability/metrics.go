// Package observability wires prometheus metrics for the HTTP surface and
// orchestrator internals, grounded on the teacher's
// internal/observability.ContextMetrics shape (NewXxxWithRegisterer,
// GaugeVec/CounterVec fields, Record* methods) generalized from the
// teacher's own prompt-context-compression metrics to this module's
// request/task/subagent domain.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide metrics registry. Zero value is not usable;
// build with NewMetrics or NewMetricsWithRegisterer.
type Metrics struct {
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	toolCalls       *prometheus.CounterVec
	tasksByStatus   *prometheus.GaugeVec
	subagentsActive prometheus.Gauge
}

// NewMetrics builds a Metrics registered against the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer builds a Metrics registered against reg, so
// tests can use a fresh prometheus.NewRegistry() (teacher's
// NewContextMetricsWithRegisterer pattern).
func NewMetricsWithRegisterer(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_http_requests_total",
			Help: "HTTP requests served, by method/route/status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds, by method/route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_tool_calls_total",
			Help: "Tool invocations, by tool name/outcome.",
		}, []string{"tool", "outcome"}),
		tasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_tasks_by_status",
			Help: "Live task count per session, by status.",
		}, []string{"status"}),
		subagentsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_subagents_active",
			Help: "Subagent workers currently running.",
		}),
	}
	reg.MustRegister(m.httpRequests, m.httpDuration, m.toolCalls, m.tasksByStatus, m.subagentsActive)
	return m
}

// ObserveHTTPRequest implements server.RequestMetrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	statusLabel := strconvStatus(status)
	m.httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// RecordToolCall counts one tool invocation, outcome being "ok" or "error".
func (m *Metrics) RecordToolCall(tool string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

// SetTasksByStatus overwrites the gauge for one status label, called after
// a turn completes with a fresh count from the live graph.
func (m *Metrics) SetTasksByStatus(status string, count int) {
	m.tasksByStatus.WithLabelValues(status).Set(float64(count))
}

// SetSubagentsActive overwrites the active-subagent gauge.
func (m *Metrics) SetSubagentsActive(count int) {
	m.subagentsActive.Set(float64(count))
}

// Handler exposes the metrics in Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

func strconvStatus(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
