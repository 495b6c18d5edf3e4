// Package metrics collects Prometheus metrics for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks the orchestrator's operational counters and gauges:
// job flow through the two queues, progress event fan-out, submit
// outcomes, model and sandbox latency, and HTTP surface traffic.
type Metrics struct {
	// JobCounter tracks queue jobs by lifecycle step.
	// Labels: queue (analysis|execution), step (enqueued|claimed|succeeded|failed|retried)
	JobCounter *prometheus.CounterVec

	// JobDuration measures handler runtime per queue in seconds.
	// Labels: queue
	JobDuration *prometheus.HistogramVec

	// SubmitCounter counts intake submissions by outcome.
	// Labels: outcome (accepted|reused|clarification_needed|error)
	SubmitCounter *prometheus.CounterVec

	// EventCounter tracks progress events.
	// Labels: step (appended|delivered|dropped)
	EventCounter *prometheus.CounterVec

	// LLMRequestCounter counts model calls by component and status.
	// Labels: component (router|reuse|analysis), status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures model call latency in seconds.
	// Labels: component
	LLMRequestDuration *prometheus.HistogramVec

	// SandboxDuration measures sandbox script runtime in seconds.
	// Labels: status (success|failure|timeout)
	SandboxDuration *prometheus.HistogramVec

	// CachedSessions is a gauge of sessions currently held in memory.
	CachedSessions prometheus.Gauge

	// StreamSubscribers is a gauge of open progress subscriptions.
	StreamSubscribers prometheus.Gauge

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, path
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the given registerer.
// Pass nil to use the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		JobCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finsight_jobs_total",
				Help: "Total number of queue jobs by queue and lifecycle step",
			},
			[]string{"queue", "step"},
		),

		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "finsight_job_duration_seconds",
				Help:    "Duration of job handler execution in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"queue"},
		),

		SubmitCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finsight_submits_total",
				Help: "Total number of intake submissions by outcome",
			},
			[]string{"outcome"},
		),

		EventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finsight_progress_events_total",
				Help: "Total number of progress events by fan-out step",
			},
			[]string{"step"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finsight_llm_requests_total",
				Help: "Total number of language model calls by component and status",
			},
			[]string{"component", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "finsight_llm_request_duration_seconds",
				Help:    "Duration of language model calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"component"},
		),

		SandboxDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "finsight_sandbox_duration_seconds",
				Help:    "Duration of sandbox script executions in seconds",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),

		CachedSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "finsight_cached_sessions",
				Help: "Current number of sessions held in the in-process cache",
			},
		),

		StreamSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "finsight_stream_subscribers",
				Help: "Current number of open progress stream subscriptions",
			},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finsight_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "finsight_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),
	}
}

// RecordJob increments the job counter for a queue and lifecycle step.
func (m *Metrics) RecordJob(queue, step string) {
	m.JobCounter.WithLabelValues(queue, step).Inc()
}

// RecordJobDuration observes handler runtime for a queue.
func (m *Metrics) RecordJobDuration(queue string, seconds float64) {
	m.JobDuration.WithLabelValues(queue).Observe(seconds)
}

// RecordSubmit increments the submit counter for an outcome.
func (m *Metrics) RecordSubmit(outcome string) {
	m.SubmitCounter.WithLabelValues(outcome).Inc()
}

// RecordEvent increments the progress event counter for a fan-out step.
func (m *Metrics) RecordEvent(step string) {
	m.EventCounter.WithLabelValues(step).Inc()
}

// RecordLLMRequest records one model call.
func (m *Metrics) RecordLLMRequest(component, status string, seconds float64) {
	m.LLMRequestCounter.WithLabelValues(component, status).Inc()
	m.LLMRequestDuration.WithLabelValues(component).Observe(seconds)
}

// RecordSandboxExecution observes one sandbox run.
func (m *Metrics) RecordSandboxExecution(status string, seconds float64) {
	m.SandboxDuration.WithLabelValues(status).Observe(seconds)
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, seconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}
