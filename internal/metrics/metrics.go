// Package metrics records per-analysis Prometheus metrics.
//
// Each analysis gets its own registry so repeated analyses in one process
// (watch mode) never collide on registration. The registry is exported to a
// node-exporter textfile next to the reports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/msageha/vinetrace/internal/model"
	"github.com/msageha/vinetrace/internal/stats"
)

const namespace = "vinetrace"

// Metrics holds the collectors of one analysis.
type Metrics struct {
	Registry *prometheus.Registry

	LinesTotal          *prometheus.CounterVec
	AnomaliesTotal      *prometheus.CounterVec
	TasksTotal          *prometheus.GaugeVec
	Workers             *prometheus.GaugeVec
	Components          prometheus.Gauge
	ComponentCycles     prometheus.Counter
	NegativeEdges       prometheus.Gauge
	CriticalPathSeconds prometheus.Histogram
	StageSeconds        *prometheus.HistogramVec
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		LinesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_lines_total",
			Help:      "Lines read per log.",
		}, []string{"log"}),
		AnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Anomalies recorded while correlating, by kind.",
		}, []string{"kind"}),
		TasksTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_attempts",
			Help:      "Task attempts by outcome.",
		}, []string{"outcome"}),
		Workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Reconciled workers: total, active and max concurrent.",
		}, []string{"kind"}),
		Components: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "components",
			Help:      "Weakly connected components in the dependency graph.",
		}),
		ComponentCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "cycles_total",
			Help:      "Components whose analysis failed with a dependency cycle.",
		}),
		NegativeEdges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "negative_edges",
			Help:      "Edges whose consumer started before the producer finished.",
		}),
		CriticalPathSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "critical_path_seconds",
			Help:      "Critical path length per component.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		StageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent per analysis stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
	}
	m.Registry.MustRegister(
		m.LinesTotal,
		m.AnomaliesTotal,
		m.TasksTotal,
		m.Workers,
		m.Components,
		m.ComponentCycles,
		m.NegativeEdges,
		m.CriticalPathSeconds,
		m.StageSeconds,
	)
	return m
}

// ObserveStats sets the run-level gauges from s.
func (m *Metrics) ObserveStats(s stats.Stats) {
	mgr := s.Manager
	m.TasksTotal.WithLabelValues(string(model.OutcomeDone)).Set(float64(mgr.TasksDone))
	m.TasksTotal.WithLabelValues(string(model.OutcomeFailedOnManager)).Set(float64(mgr.TasksFailedOnManager))
	m.TasksTotal.WithLabelValues(string(model.OutcomeFailedOnWorker)).Set(float64(mgr.TasksFailedOnWorker))
	m.Workers.WithLabelValues("total").Set(float64(mgr.TotalWorkers))
	m.Workers.WithLabelValues("active").Set(float64(mgr.ActiveWorkers))
	m.Workers.WithLabelValues("max_concurrent").Set(float64(mgr.MaxConcurrentWorkers))
	for kind, n := range s.Anomalies {
		m.AnomaliesTotal.WithLabelValues(string(kind)).Add(float64(n))
	}
}

// WriteTextfile writes the registry in the Prometheus text format to path.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
