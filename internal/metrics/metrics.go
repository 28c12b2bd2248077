// Package metrics holds the Prometheus collectors shared by the HTTP
// boundary, the transform client and host, and the training loop.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "denoiser"

// HTTP metrics, recorded by InstrumentHandler.
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})

	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by a per-client rate limit.",
	}, []string{"limit"})
)

// Pipeline metrics.
var (
	ChunksReconstructedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunks_reconstructed_total",
		Help:      "Windowed chunks passed through the transform at inference.",
	})

	TransformRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transform_requests_total",
		Help:      "Calls to the transform service by outcome.",
	}, []string{"outcome"})

	TransformRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transform_request_duration_seconds",
		Help:      "Transform service round trip in seconds, retries included.",
		Buckets:   prometheus.DefBuckets,
	})

	HostPredictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "host_predictions_total",
		Help:      "Predict calls served by the transform host by outcome.",
	}, []string{"outcome"})

	EnsembleReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ensemble_reloads_total",
		Help:      "Ensemble reloads from checkpoint storage by result.",
	}, []string{"result"})

	EnsembleMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ensemble_members",
		Help:      "Fold models in the currently served ensemble.",
	})
)

// Training metrics.
var (
	TrainingEpochsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "training_epochs_total",
		Help:      "Finished training epochs per fold.",
	}, []string{"fold"})

	TrainingValLoss = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "training_val_loss",
		Help:      "Latest validation loss per fold.",
	}, []string{"fold"})

	TrainingLearningRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "training_learning_rate",
		Help:      "Current learning rate per fold.",
	}, []string{"fold"})

	TrainingFoldsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "training_folds_total",
		Help:      "Finished folds by outcome (included, diverged).",
	}, []string{"outcome"})

	CheckpointsSavedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkpoints_saved_total",
		Help:      "Fold checkpoints written on validation improvement.",
	})

	TelemetryFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "telemetry_frames_total",
		Help:      "UDP epoch frames by result (sent, dropped).",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RateLimitedTotal,
		ChunksReconstructedTotal,
		TransformRequestsTotal,
		TransformRequestDuration,
		HostPredictionsTotal,
		EnsembleReloadsTotal,
		EnsembleMembers,
		TrainingEpochsTotal,
		TrainingValLoss,
		TrainingLearningRate,
		TrainingFoldsTotal,
		CheckpointsSavedTotal,
		TelemetryFramesTotal,
	)
}

// FoldLabel formats a zero-based fold index as the 1-based label value.
func FoldLabel(fold int) string {
	return strconv.Itoa(fold + 1)
}

// InstrumentHandler returns middleware that records HTTP request metrics.
// It uses chi's route pattern as the path label to avoid cardinality explosion.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		pattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap supports http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
