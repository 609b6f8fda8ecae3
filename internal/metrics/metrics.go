// Package metrics defines the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp4proxy_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mp4proxy_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Cache metrics
var (
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp4proxy_cache_lookups_total",
			Help: "Cache lookups by result (hit, miss, attach)",
		},
		[]string{"result"},
	)

	CacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mp4proxy_cache_evictions_total",
			Help: "Number of cached outputs evicted from the window",
		},
	)

	CacheFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mp4proxy_cache_files",
			Help: "Number of outputs currently tracked by the cache window",
		},
	)
)

// Fetch metrics
var (
	FetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp4proxy_fetch_attempts_total",
			Help: "Source download attempts by outcome",
		},
		[]string{"outcome"}, // success, retry, failed
	)

	FetchBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mp4proxy_fetch_bytes_total",
			Help: "Bytes downloaded from sources",
		},
	)
)

// Transcoder metrics
var (
	TranscodeJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp4proxy_transcode_jobs_total",
			Help: "Finished transcode jobs by final state",
		},
		[]string{"state"}, // ready, failed, cancelled
	)

	TranscodeJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mp4proxy_transcode_job_duration_seconds",
			Help:    "Transcode job duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
	)

	TranscodeJobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mp4proxy_transcode_jobs_in_progress",
			Help: "Number of transcode jobs currently fetching or encoding",
		},
	)

	TranscodeOutputBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mp4proxy_transcode_output_bytes_total",
			Help: "Bytes produced by the encoder",
		},
	)

	StreamSubscribersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mp4proxy_stream_subscribers_dropped_total",
			Help: "Live stream subscribers dropped for falling behind",
		},
	)
)

// Serving metrics
var (
	BytesServedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp4proxy_bytes_served_total",
			Help: "Bytes sent to clients by serving mode",
		},
		[]string{"mode"}, // file, partial, live
	)
)
