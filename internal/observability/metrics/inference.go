package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tracklab/tracknet/internal/errors"
)

// InferenceMetrics contains all Prometheus metrics related to predictions.
// Methods are no-ops on a nil receiver.
type InferenceMetrics struct {
	PredictionTotal    *prometheus.CounterVec
	PredictionErrors   *prometheus.CounterVec
	PredictionDuration *prometheus.HistogramVec
	CacheHits          prometheus.Counter
	ModelLoadTotal     *prometheus.CounterVec
	ModelDegradedGauge prometheus.Gauge
}

// NewInferenceMetrics creates and registers the inference collectors.
func NewInferenceMetrics(registry *prometheus.Registry) (*InferenceMetrics, error) {
	m := &InferenceMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register inference metrics: %w", err)
	}
	return m, nil
}

func (m *InferenceMetrics) initMetrics() {
	m.PredictionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracknet_predictions_total",
			Help: "Total number of prediction requests partitioned by outcome.",
		},
		[]string{"architecture", "status"},
	)
	m.PredictionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracknet_prediction_errors_total",
			Help: "Total number of prediction errors partitioned by error category.",
		},
		[]string{"architecture", "category"},
	)
	m.PredictionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracknet_prediction_duration_seconds",
			Help:    "Time taken to decode, preprocess and classify one image.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"architecture"},
	)
	m.CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracknet_prediction_cache_hits_total",
			Help: "Predictions answered from the result cache.",
		},
	)
	m.ModelLoadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracknet_model_load_total",
			Help: "Classifier builds partitioned by outcome.",
		},
		[]string{"architecture", "status"},
	)
	m.ModelDegradedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracknet_model_degraded",
			Help: "Whether the classifier runs without fitted weights (1) or not (0).",
		},
	)
}

// RecordPrediction records metrics for a prediction operation
func (m *InferenceMetrics) RecordPrediction(arch string, seconds float64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PredictionTotal.WithLabelValues(arch, "error").Inc()
		m.PredictionErrors.WithLabelValues(arch, string(errors.CategoryOf(err))).Inc()
		return
	}
	m.PredictionTotal.WithLabelValues(arch, "success").Inc()
	m.PredictionDuration.WithLabelValues(arch).Observe(seconds)
}

// RecordCacheHit counts a cached prediction.
func (m *InferenceMetrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

// RecordModelLoad records the outcome of building the classifier.
func (m *InferenceMetrics) RecordModelLoad(arch string, degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.ModelLoadTotal.WithLabelValues(arch, "degraded").Inc()
		m.ModelDegradedGauge.Set(1)
		return
	}
	m.ModelLoadTotal.WithLabelValues(arch, "success").Inc()
	m.ModelDegradedGauge.Set(0)
}

// Describe implements the prometheus.Collector interface.
func (m *InferenceMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.PredictionTotal.Describe(ch)
	m.PredictionErrors.Describe(ch)
	m.PredictionDuration.Describe(ch)
	ch <- m.CacheHits.Desc()
	m.ModelLoadTotal.Describe(ch)
	ch <- m.ModelDegradedGauge.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *InferenceMetrics) Collect(ch chan<- prometheus.Metric) {
	m.PredictionTotal.Collect(ch)
	m.PredictionErrors.Collect(ch)
	m.PredictionDuration.Collect(ch)
	ch <- m.CacheHits
	m.ModelLoadTotal.Collect(ch)
	ch <- m.ModelDegradedGauge
}
