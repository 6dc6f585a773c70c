// Package metrics holds the prometheus collectors shared by the API, worker and sweeper.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UploadsTotal counts upload attempts by result (accepted, duplicate, rejected, unavailable, error).
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scene_uploads_total",
		Help: "Scene uploads by result.",
	}, []string{"result"})

	// UploadBytes observes accepted payload sizes.
	UploadBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scene_upload_bytes",
		Help:    "Size of accepted scene payloads in bytes.",
		Buckets: prometheus.ExponentialBuckets(64*1024, 4, 8),
	})

	// JobsTotal counts handled jobs by outcome (complete, requeued, failed, skipped, deferred, redelivered, error).
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scene_jobs_total",
		Help: "Processing jobs handled by outcome.",
	}, []string{"outcome"})

	// ProcessingDuration observes engine run time by format.
	ProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scene_processing_duration_seconds",
		Help:    "Processing engine duration in seconds.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	}, []string{"format"})

	// SweepRequeuesTotal counts jobs re-issued by the reconciliation sweep by prior status.
	SweepRequeuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scene_sweep_requeues_total",
		Help: "Jobs re-issued by the reconciliation sweep.",
	}, []string{"status"})

	// SweepRunsTotal counts reconciliation sweeps.
	SweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scene_sweep_runs_total",
		Help: "Reconciliation sweeps executed.",
	})

	// StatusCacheLookups counts terminal-status cache lookups by result (hit, miss).
	StatusCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scene_status_cache_lookups_total",
		Help: "Status query cache lookups.",
	}, []string{"result"})

	// HTTPRequestsTotal counts API requests.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration observes API latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// QueueDepth is sampled by the worker process.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scene_queue_depth",
		Help: "Jobs in the scene queue by state (ready, inflight).",
	}, []string{"state"})
)
