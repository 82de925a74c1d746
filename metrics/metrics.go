// Package metrics provides the Prometheus collectors and timing helpers shared by the
// commit engine and the command runner.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storagemgr"

// Metrics holds the collectors of one process. Each instance has its own registry so
// tests and embedded uses never collide on the default one.
type Metrics struct {
	Registry *prometheus.Registry

	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	stageDuration  *prometheus.HistogramVec
	commits        *prometheus.CounterVec
	commandRuns    *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec
	pendingActions prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Commit actions by stage, operation and outcome.",
			},
			[]string{"stage", "op", "status"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of commit actions in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage", "op"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of commit stages in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commits_total",
				Help:      "Commit runs by result.",
			},
			[]string{"result"},
		),
		commandRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "External commands run, by program and exit status.",
			},
			[]string{"command", "status"},
		),
		commandLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of external commands in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		pendingActions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_actions",
			Help:      "Actions in the most recently built plan.",
		}),
	}
	m.Registry.MustRegister(
		m.actions,
		m.actionDuration,
		m.stageDuration,
		m.commits,
		m.commandRuns,
		m.commandLatency,
		m.pendingActions,
	)
	return m
}

// ObserveAction records the outcome of one commit action.
func (m *Metrics) ObserveAction(stage, op, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(stage, op, status).Inc()
	m.actionDuration.WithLabelValues(stage, op).Observe(d.Seconds())
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveCommit counts a finished commit run.
func (m *Metrics) ObserveCommit(result string) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(result).Inc()
}

// ObserveCommand records one external command.
func (m *Metrics) ObserveCommand(command string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.commandRuns.WithLabelValues(command, status).Inc()
	m.commandLatency.WithLabelValues(command).Observe(d.Seconds())
}

// SetPending records the size of the current plan.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingActions.Set(float64(n))
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}

// contextKey is used to store metrics in context.
type contextKey struct{}

// WithMetrics adds metrics to context.
func WithMetrics(ctx context.Context, m *Metrics) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// FromContext retrieves metrics from context. The result may be nil; every Observe
// method accepts a nil receiver.
func FromContext(ctx context.Context) *Metrics {
	m, _ := ctx.Value(contextKey{}).(*Metrics)
	return m
}
