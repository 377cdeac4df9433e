package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the collection of engine Prometheus metrics. Each Metrics
// value owns its registry so tests can create them freely.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted  prometheus.Counter
	TasksCompleted  prometheus.Counter
	TasksFailed     *prometheus.CounterVec
	TasksInProgress prometheus.Gauge
	QueueDepth      prometheus.Gauge

	SandboxesProvisioned prometheus.Counter
	SandboxesTornDown    prometheus.Counter

	SweepRuns      prometheus.Counter
	SweptSandboxes prometheus.Counter
}

// New creates and registers all engine metrics.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.TasksSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aicode_tasks_submitted_total",
		Help: "Total number of tasks accepted at the submit boundary",
	})
	m.TasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aicode_tasks_completed_total",
		Help: "Total number of tasks that reached completed",
	})
	m.TasksFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aicode_tasks_failed_total",
		Help: "Total number of tasks that reached failed, by reason",
	}, []string{"reason"})
	m.TasksInProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aicode_tasks_in_progress",
		Help: "Number of tasks currently running in workers",
	})
	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aicode_queue_depth",
		Help: "Number of tasks waiting for admission",
	})
	m.SandboxesProvisioned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aicode_sandboxes_provisioned_total",
		Help: "Total number of sandboxes provisioned",
	})
	m.SandboxesTornDown = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aicode_sandboxes_torn_down_total",
		Help: "Total number of sandbox teardowns",
	})
	m.SweepRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aicode_orphan_sweep_runs_total",
		Help: "Total number of orphan sweep passes",
	})
	m.SweptSandboxes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aicode_orphan_swept_sandboxes_total",
		Help: "Total number of sandboxes removed by the orphan sweeper",
	})

	m.registry.MustRegister(
		m.TasksSubmitted,
		m.TasksCompleted,
		m.TasksFailed,
		m.TasksInProgress,
		m.QueueDepth,
		m.SandboxesProvisioned,
		m.SandboxesTornDown,
		m.SweepRuns,
		m.SweptSandboxes,
	)
	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
