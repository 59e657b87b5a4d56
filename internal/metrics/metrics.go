// Package metrics declares the Prometheus collectors shared across the
// scan pipeline, the job queue, media actions and the HTTP API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job queue.
var (
	// JobsTotal counts finished job attempts by handler and result
	// (done, retry, failed).
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasweep_jobs_total",
		Help: "Job attempts by handler and result.",
	}, []string{"handler", "result"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediasweep_job_duration_seconds",
		Help:    "Job handler run time in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"handler"})

	JobsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediasweep_jobs_pending",
		Help: "Jobs waiting to run.",
	})
)

// Scan pipeline.
var (
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasweep_scans_total",
		Help: "Scans by terminal status (complete, cancelled).",
	}, []string{"status"})

	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasweep_scan_batches_total",
		Help: "Processed scan batches by phase.",
	}, []string{"phase"})

	ItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasweep_scan_items_processed_total",
		Help: "Items processed by the scan pipeline by phase.",
	}, []string{"phase"})

	FindingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasweep_findings_total",
		Help: "Findings produced by detector type.",
	}, []string{"type"})

	HashesComputed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediasweep_hashes_computed_total",
		Help: "Attachments hashed to a non-empty digest.",
	})
)

// Media actions.
var ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mediasweep_actions_total",
	Help: "Per-attachment media actions by action and result.",
}, []string{"action", "result"})

// Webhook delivery.
var WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mediasweep_webhook_deliveries_total",
	Help: "Webhook deliveries by result (delivered, failed).",
}, []string{"result"})

// HTTP API.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasweep_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediasweep_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
