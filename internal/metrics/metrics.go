// Package metrics defines the prometheus collectors exported by a running
// scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/me/cycleflow/pkg/model"
)

const namespace = "cycleflow"

// Metrics holds the scheduler collectors.
type Metrics struct {
	Tasks        *prometheus.GaugeVec
	Transitions  *prometheus.CounterVec
	Submissions  *prometheus.CounterVec
	JobEvents    *prometheus.CounterVec
	StaleEvents  prometheus.Counter
	Commands     *prometheus.CounterVec
	Broadcasts   prometheus.Gauge
	Checkpoints  prometheus.Counter
	TickDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "tasks",
			Help:      "Number of live task instances by state.",
		}, []string{"state"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "transitions_total",
			Help:      "Task state changes by target state.",
		}, []string{"state"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "submissions_total",
			Help:      "Job submissions by run mode.",
		}, []string{"run_mode"}),
		JobEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "events_total",
			Help:      "Job lifecycle events applied to the pool, by kind.",
		}, []string{"kind"}),
		StaleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "stale_events_total",
			Help:      "Job events discarded because they belong to an earlier or killed submission.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "commands_total",
			Help:      "Commands applied by the scheduler, by command and result.",
		}, []string{"command", "result"}),
		Broadcasts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "entries",
			Help:      "Number of active broadcast settings.",
		}),
		Checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "checkpoints_total",
			Help:      "Named checkpoints taken.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one scheduling pass.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Tasks, m.Transitions, m.Submissions, m.JobEvents, m.StaleEvents,
			m.Commands, m.Broadcasts, m.Checkpoints, m.TickDuration,
		)
	}
	return m
}

// SetPool replaces the per-state task gauge with the given counts. States
// with no tasks are reported as zero.
func (m *Metrics) SetPool(counts map[model.TaskState]int) {
	for s := range model.ValidTaskTransitions {
		m.Tasks.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// Command records the outcome of one command.
func (m *Metrics) Command(name string, err error) {
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	m.Commands.WithLabelValues(name, result).Inc()
}
