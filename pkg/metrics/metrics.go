package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for pipeline runs.
// Tracks run outcomes, failing stages and run durations.
type Metrics struct {
	registry      *prometheus.Registry
	Runs          *prometheus.CounterVec
	StageFailures *prometheus.CounterVec
	RunDuration   prometheus.Histogram
}

// New creates a new Metrics instance on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ironmap_runs_total",
			Help: "Total number of pipeline runs by outcome",
		}, []string{"outcome"}),
		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ironmap_stage_failures_total",
			Help: "Total number of failed runs by the stage that failed",
		}, []string{"stage"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ironmap_run_duration_seconds",
			Help:    "Duration of complete pipeline runs",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
	}
}

// ObserveSuccess records a completed run.
// Call with time.Now() at the start of the run.
func (m *Metrics) ObserveSuccess(start time.Time) {
	m.Runs.WithLabelValues("success").Inc()
	m.RunDuration.Observe(time.Since(start).Seconds())
}

// ObserveFailure records a run that failed at stage.
func (m *Metrics) ObserveFailure(stage string, start time.Time) {
	m.Runs.WithLabelValues("failure").Inc()
	m.StageFailures.WithLabelValues(stage).Inc()
	m.RunDuration.Observe(time.Since(start).Seconds())
}

// Gatherer exposes the registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile writes all metrics in the text exposition format, suitable
// for the node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
