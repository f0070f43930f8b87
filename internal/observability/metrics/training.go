// Package metrics provides the Prometheus collectors for training and
// inference.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// TrainingMetrics contains all Prometheus metrics related to training runs.
// Methods are no-ops on a nil receiver.
type TrainingMetrics struct {
	EpochsTotal       *prometheus.CounterVec
	LossGauge         *prometheus.GaugeVec
	AccuracyGauge     *prometheus.GaugeVec
	LearningRateGauge prometheus.Gauge
	CheckpointSaves   *prometheus.CounterVec
	EpochDuration     prometheus.Histogram
	BatchDuration     prometheus.Histogram
	PatienceGauge     prometheus.Gauge
}

// NewTrainingMetrics creates and registers the training collectors.
func NewTrainingMetrics(registry *prometheus.Registry) (*TrainingMetrics, error) {
	m := &TrainingMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register training metrics: %w", err)
	}
	return m, nil
}

func (m *TrainingMetrics) initMetrics() {
	m.EpochsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracknet_training_epochs_total",
			Help: "Completed training epochs partitioned by early-stopping state.",
		},
		[]string{"state"},
	)
	m.LossGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tracknet_training_loss",
			Help: "Mean cross-entropy loss of the most recent epoch.",
		},
		[]string{"split"},
	)
	m.AccuracyGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tracknet_training_accuracy",
			Help: "Top-1 accuracy of the most recent epoch.",
		},
		[]string{"split"},
	)
	m.LearningRateGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracknet_training_learning_rate",
			Help: "Current optimizer learning rate.",
		},
	)
	m.CheckpointSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracknet_checkpoint_saves_total",
			Help: "Best-checkpoint writes partitioned by status.",
		},
		[]string{"status"},
	)
	m.EpochDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracknet_training_epoch_duration_seconds",
			Help:    "Wall time of a full training and validation epoch.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
		},
	)
	m.BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracknet_training_batch_duration_seconds",
			Help:    "Time taken for one forward, backward and optimizer step.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
	m.PatienceGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracknet_training_epochs_without_improvement",
			Help: "Consecutive epochs without a validation loss improvement.",
		},
	)
}

// RecordEpoch records the outcome of one epoch.
func (m *TrainingMetrics) RecordEpoch(state string, trainLoss, trainAcc, valLoss, valAcc, lr float64, badEpochs int, seconds float64) {
	if m == nil {
		return
	}
	m.EpochsTotal.WithLabelValues(state).Inc()
	m.LossGauge.WithLabelValues("train").Set(trainLoss)
	m.LossGauge.WithLabelValues("validation").Set(valLoss)
	m.AccuracyGauge.WithLabelValues("train").Set(trainAcc)
	m.AccuracyGauge.WithLabelValues("validation").Set(valAcc)
	m.LearningRateGauge.Set(lr)
	m.PatienceGauge.Set(float64(badEpochs))
	m.EpochDuration.Observe(seconds)
}

// RecordBatch records the duration of one optimization step.
func (m *TrainingMetrics) RecordBatch(seconds float64) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(seconds)
}

// RecordCheckpointSave records a best-checkpoint write.
func (m *TrainingMetrics) RecordCheckpointSave(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.CheckpointSaves.WithLabelValues("error").Inc()
		return
	}
	m.CheckpointSaves.WithLabelValues("success").Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *TrainingMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.EpochsTotal.Describe(ch)
	m.LossGauge.Describe(ch)
	m.AccuracyGauge.Describe(ch)
	ch <- m.LearningRateGauge.Desc()
	m.CheckpointSaves.Describe(ch)
	ch <- m.EpochDuration.Desc()
	ch <- m.BatchDuration.Desc()
	ch <- m.PatienceGauge.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *TrainingMetrics) Collect(ch chan<- prometheus.Metric) {
	m.EpochsTotal.Collect(ch)
	m.LossGauge.Collect(ch)
	m.AccuracyGauge.Collect(ch)
	ch <- m.LearningRateGauge
	m.CheckpointSaves.Collect(ch)
	ch <- m.EpochDuration
	ch <- m.BatchDuration
	ch <- m.PatienceGauge
}
