// Package metrics counts what a run did and writes the counters in the node
// exporter textfile format.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sensorpress"

// Metrics holds the Prometheus metrics of one process run.
type Metrics struct {
	registry *prometheus.Registry

	RecordsFetched  *prometheus.CounterVec
	SourceOutcomes  *prometheus.CounterVec
	PostsCreated    *prometheus.CounterVec
	PostsDeleted    prometheus.Counter
	RecordsSkipped  prometheus.Counter
	ImagesFailed    prometheus.Counter
	PublishFailures prometheus.Counter
	LastSuccess     prometheus.Gauge
}

// New registers all metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RecordsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_fetched_total",
			Help:      "Records returned by each source.",
		}, []string{"source"}),
		SourceOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_syncs_total",
			Help:      "Source sync attempts by outcome.",
		}, []string{"source", "outcome"}),
		PostsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_created_total",
			Help:      "Posts created in the content store.",
		}, []string{"source"}),
		PostsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_deleted_total",
			Help:      "Duplicate or purged posts deleted from the content store.",
		}),
		RecordsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Records dropped because they failed validation.",
		}),
		ImagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_upload_failures_total",
			Help:      "Images that could not be uploaded.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Records whose publication failed.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last cycle that finished without errors.",
		}),
	}
	m.registry.MustRegister(
		m.RecordsFetched,
		m.SourceOutcomes,
		m.PostsCreated,
		m.PostsDeleted,
		m.RecordsSkipped,
		m.ImagesFailed,
		m.PublishFailures,
		m.LastSuccess,
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveSource(source, outcome string, records int) {
	if m == nil {
		return
	}
	m.SourceOutcomes.WithLabelValues(source, outcome).Inc()
	if records > 0 {
		m.RecordsFetched.WithLabelValues(source).Add(float64(records))
	}
}

func (m *Metrics) IncCreated(source string) {
	if m == nil {
		return
	}
	m.PostsCreated.WithLabelValues(source).Inc()
}

func (m *Metrics) AddDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PostsDeleted.Add(float64(n))
}

func (m *Metrics) AddSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsSkipped.Add(float64(n))
}

func (m *Metrics) AddImagesFailed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ImagesFailed.Add(float64(n))
}

func (m *Metrics) IncPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

func (m *Metrics) MarkSuccess() {
	if m == nil {
		return
	}
	m.LastSuccess.SetToCurrentTime()
}

// WriteTextfile writes all metrics to path for the node exporter textfile
// collector. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
