package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP Metrics
var (
	// HTTPRequestsTotal counts API requests by method, chi route pattern and status code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkroom_http_requests_total",
			Help: "Total HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks request latency in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "darkroom_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Editing Metrics
var (
	// FilterAppliesTotal counts single-filter applies by filter name and result (success/error)
	FilterAppliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkroom_filter_applies_total",
			Help: "Total single-filter applies by filter and result",
		},
		[]string{"filter", "result"},
	)

	// PipelineRunsTotal counts pipeline previews by result
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkroom_pipeline_runs_total",
			Help: "Total pipeline previews by result",
		},
		[]string{"result"},
	)

	// PipelineSteps tracks the number of steps per previewed pipeline
	PipelineSteps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "darkroom_pipeline_steps",
			Help:    "Number of steps per previewed pipeline",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12},
		},
	)

	// ProcessingDuration tracks time spent decoding, filtering and encoding one apply
	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "darkroom_processing_duration_seconds",
			Help:    "Image processing duration in seconds by kind (filter/pipeline)",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"kind"},
	)

	// ConfirmsTotal counts confirmed results
	ConfirmsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "darkroom_confirms_total",
			Help: "Total confirmed results",
		},
	)

	// ExportedImagesTotal counts images written by export
	ExportedImagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "darkroom_exported_images_total",
			Help: "Total images written to the export directory",
		},
	)
)

// Session Metrics
var (
	// SessionsCreatedTotal counts uploads that created a session
	SessionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "darkroom_sessions_created_total",
			Help: "Total sessions created by upload",
		},
	)

	// UploadedImagesTotal counts accepted and skipped upload files
	UploadedImagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkroom_uploaded_images_total",
			Help: "Total uploaded files by outcome (accepted/skipped)",
		},
		[]string{"outcome"},
	)
)

// Result returns the result label for err.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
