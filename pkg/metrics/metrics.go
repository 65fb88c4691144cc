// Package metrics holds the Prometheus collectors of a monitor run.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	Matches          *prometheus.CounterVec
	TargetsActive    prometheus.Gauge
	PipelinesStarted prometheus.Counter
	Retirements      *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Matches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_matches_total",
				Help: "Matched lines written, by file",
			},
			[]string{"path"},
		),
		TargetsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_targets_active",
				Help: "Number of files still being followed",
			},
		),
		PipelinesStarted: f.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_pipelines_started_total",
				Help: "Pipelines started since the run began",
			},
		),
		Retirements: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_retirements_total",
				Help: "Targets retired during the run, by reason",
			},
			[]string{"reason"},
		),
	}
}

// ObserveMatch counts one written match for path.
func (m *Metrics) ObserveMatch(path string) {
	if m == nil {
		return
	}
	m.Matches.WithLabelValues(path).Inc()
}

// SetActive records the number of live targets.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.TargetsActive.Set(float64(n))
}

// PipelineStarted counts one started pipeline.
func (m *Metrics) PipelineStarted() {
	if m == nil {
		return
	}
	m.PipelinesStarted.Inc()
}

// Retired counts one retirement.
func (m *Metrics) Retired(reason string) {
	if m == nil {
		return
	}
	m.Retirements.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
