// Package metrics defines the Prometheus metrics of the registry.
//
// Metric naming follows Prometheus conventions:
//   - butler_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every butler metric plus the standard process and Go
// collectors. Served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// WebhooksTotal counts webhook deliveries by provider and outcome.
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "butler_webhooks_total",
			Help: "Total webhook deliveries by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// VersionsPublishedTotal counts ingested versions by artifact type.
	VersionsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "butler_versions_published_total",
			Help: "Total versions created through ingestion.",
		},
		[]string{"type"},
	)

	// AutoApprovalsTotal counts policy-gated automatic approvals.
	AutoApprovalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "butler_auto_approvals_total",
			Help: "Total versions auto-approved on ingestion.",
		},
	)

	// CascadeRunsTotal counts cascade fanout decisions per outcome.
	CascadeRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "butler_cascade_runs_total",
			Help: "Total cascade targets by outcome (created, skipped_constraint, skipped_locked, skipped_inactive, error).",
		},
		[]string{"outcome"},
	)

	// RunsTotal counts module runs reaching a terminal status.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "butler_runs_total",
			Help: "Total module runs by operation and terminal status.",
		},
		[]string{"operation", "status"},
	)

	// RunDurationSeconds is a histogram of run wall-clock by operation.
	RunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "butler_run_duration_seconds",
			Help:    "Duration of module runs in seconds.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"operation"},
	)

	// DispatchesTotal counts outbound dispatches by mode and outcome.
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "butler_dispatches_total",
			Help: "Total outbound run dispatches by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	// ActiveRuns is the number of runs currently holding active slots.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "butler_active_runs",
			Help: "Number of module runs in an active status.",
		},
	)

	// RateLimitRejectionsTotal counts throttled requests by scope.
	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "butler_rate_limit_rejections_total",
			Help: "Total requests rejected by the rate limiter.",
		},
		[]string{"scope"},
	)

	// HelmIndexRequestsTotal counts helm index serves by cache result.
	HelmIndexRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "butler_helm_index_requests_total",
			Help: "Total helm index requests by cache result (hit, miss, not_modified).",
		},
		[]string{"result"},
	)

	// DownloadsTotal counts gated artifact downloads.
	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "butler_downloads_total",
			Help: "Total version downloads by artifact type.",
		},
		[]string{"type"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		WebhooksTotal,
		VersionsPublishedTotal,
		AutoApprovalsTotal,
		CascadeRunsTotal,
		RunsTotal,
		RunDurationSeconds,
		DispatchesTotal,
		ActiveRuns,
		RateLimitRejectionsTotal,
		HelmIndexRequestsTotal,
		DownloadsTotal,
	)
}

// RecordRunComplete records a terminal run with its duration.
func RecordRunComplete(operation, status string, duration time.Duration) {
	RunsTotal.WithLabelValues(operation, status).Inc()
	if duration > 0 {
		RunDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// RecordWebhook records one webhook delivery.
func RecordWebhook(provider, outcome string) {
	WebhooksTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordDispatch records one outbound dispatch attempt.
func RecordDispatch(mode, outcome string) {
	DispatchesTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordRateLimited records one throttled request.
func RecordRateLimited(scope string) {
	RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}
