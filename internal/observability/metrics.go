// Package observability exposes the Prometheus metrics of tracknet.
package observability

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tracklab/tracknet/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry  *prometheus.Registry
	Training  *metrics.TrainingMetrics
	Inference *metrics.InferenceMetrics
}

// NewMetrics creates a registry with the training, inference, Go runtime
// and process collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	training, err := metrics.NewTrainingMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create training metrics: %w", err)
	}
	inference, err := metrics.NewInferenceMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create inference metrics: %w", err)
	}
	return &Metrics{registry: registry, Training: training, Inference: inference}, nil
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterHandlers registers the metrics endpoint with the provided http.ServeMux.
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      log.New(os.Stderr, "metrics handler: ", log.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	}))
}
