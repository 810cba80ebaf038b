// Package metrics exposes pipeline counters and histograms to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/libsize/server/internal/pipeline"
)

// Sample outcome labels.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Metrics owns a private registry so tests and multiple servers do not collide.
type Metrics struct {
	registry      *prometheus.Registry
	samples       *prometheus.CounterVec
	failures      *prometheus.CounterVec
	iterations    prometheus.Histogram
	stageDuration *prometheus.HistogramVec
}

// New registers the libsize collectors plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "libsize_samples_total",
			Help: "Samples analysed, by dataset and outcome.",
		}, []string{"dataset", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "libsize_sample_failures_total",
			Help: "Failed samples, by dataset, stage and error kind.",
		}, []string{"dataset", "stage", "kind"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "libsize_irls_iterations",
			Help:    "IRLS iterations per fitted sample.",
			Buckets: []float64{2, 4, 6, 8, 10, 15, 20, 25, 50},
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "libsize_stage_duration_seconds",
			Help:    "Wall time per pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"stage"}),
	}
	m.registry.MustRegister(
		m.samples,
		m.failures,
		m.iterations,
		m.stageDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WriteTextfile writes the current metrics to path in the text format read by the
// node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// Observer returns a pipeline observer that records outcomes under dataset.
func (m *Metrics) Observer(dataset string) pipeline.Observer {
	return &observer{m: m, dataset: dataset}
}

type observer struct {
	m       *Metrics
	dataset string
}

func (o *observer) SampleDone(res *pipeline.SampleResult) {
	status := StatusOK
	if res.Failed() {
		status = StatusFailed
		o.m.failures.WithLabelValues(o.dataset, string(res.Stage), string(res.Kind)).Inc()
	}
	o.m.samples.WithLabelValues(o.dataset, status).Inc()
	if res.Model != nil {
		o.m.iterations.Observe(float64(res.Model.Iterations))
	}
	for stage, d := range res.Durations {
		o.m.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
	}
}
