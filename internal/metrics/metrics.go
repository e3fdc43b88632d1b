// Package metrics exposes Prometheus collectors for key validation, rate
// limiting, the background scheduler, and audit delivery.
//
// Every method is safe on a nil *Metrics, so components can run without
// instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	validations       *prometheus.CounterVec
	validationLatency prometheus.Histogram
	rateLimitChecks   *prometheus.CounterVec
	rateLimitHits     *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	schedulerRuns     prometheus.Counter
	schedulerErrors   *prometheus.CounterVec
	schedulerDuration prometheus.Histogram
	bucketsPurged     prometheus.Counter
	auditDropped      prometheus.Counter
	webhookDeliveries *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, plus the standard Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		validations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "akm_key_validations_total",
				Help: "API key validations by outcome. Reason is empty for accepted keys.",
			},
			[]string{"result", "reason"},
		),
		validationLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "akm_key_validation_duration_seconds",
				Help:    "Time spent validating an API key, excluding the downstream handler.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~800ms
			},
		),
		rateLimitChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "akm_rate_limit_checks_total",
				Help: "Rate limit admission checks by identifier kind and result.",
			},
			[]string{"kind", "result"},
		),
		rateLimitHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "akm_rate_limit_rejections_total",
				Help: "Requests rejected by the rate limiter, by rejecting window.",
			},
			[]string{"window"},
		),
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "akm_key_status_transitions_total",
				Help: "Key status transitions by source (request or scheduler) and target status.",
			},
			[]string{"source", "status"},
		),
		schedulerRuns: f.NewCounter(
			prometheus.CounterOpts{
				Name: "akm_scheduler_runs_total",
				Help: "Completed scheduler sweeps.",
			},
		),
		schedulerErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "akm_scheduler_phase_errors_total",
				Help: "Scheduler phases that failed, by phase.",
			},
			[]string{"phase"},
		),
		schedulerDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "akm_scheduler_run_duration_seconds",
				Help:    "Duration of a full scheduler sweep.",
				Buckets: prometheus.DefBuckets,
			},
		),
		bucketsPurged: f.NewCounter(
			prometheus.CounterOpts{
				Name: "akm_rate_limit_buckets_purged_total",
				Help: "Idle rate limit identifiers removed by the scheduler.",
			},
		),
		auditDropped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "akm_audit_dropped_total",
				Help: "Audit entries dropped because the delivery queue was full.",
			},
		),
		webhookDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "akm_webhook_deliveries_total",
				Help: "Webhook deliveries by event type and result.",
			},
			[]string{"event", "result"},
		),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordValidation records one validation outcome. An empty reason means
// the key was accepted.
func (m *Metrics) RecordValidation(reason string, d time.Duration) {
	if m == nil {
		return
	}
	result := "accepted"
	if reason != "" {
		result = "rejected"
	}
	m.validations.WithLabelValues(result, reason).Inc()
	m.validationLatency.Observe(d.Seconds())
}

// RecordRateLimit records an admission check. kind is "api_key" or "ip";
// window is the rejecting window and ignored when allowed.
func (m *Metrics) RecordRateLimit(kind string, allowed bool, window string) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "blocked"
		m.rateLimitHits.WithLabelValues(window).Inc()
	}
	m.rateLimitChecks.WithLabelValues(kind, result).Inc()
}

// RecordTransition records a key status change.
func (m *Metrics) RecordTransition(source, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(source, status).Inc()
}

// RecordSchedulerRun records a completed sweep.
func (m *Metrics) RecordSchedulerRun(d time.Duration) {
	if m == nil {
		return
	}
	m.schedulerRuns.Inc()
	m.schedulerDuration.Observe(d.Seconds())
}

// RecordSchedulerError records a failed phase.
func (m *Metrics) RecordSchedulerError(phase string) {
	if m == nil {
		return
	}
	m.schedulerErrors.WithLabelValues(phase).Inc()
}

// RecordBucketsPurged adds n purged rate limit identifiers.
func (m *Metrics) RecordBucketsPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bucketsPurged.Add(float64(n))
}

// RecordAuditDropped counts one dropped audit entry.
func (m *Metrics) RecordAuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

// RecordWebhook records a webhook delivery result.
func (m *Metrics) RecordWebhook(event string, ok bool) {
	if m == nil {
		return
	}
	result := "delivered"
	if !ok {
		result = "failed"
	}
	m.webhookDeliveries.WithLabelValues(event, result).Inc()
}
