// Package metrics exposes Supervisor/Worker/PTY/Phase gauges and counters
// on the control plane's `/metrics` endpoint, using promauto registration
// against an injectable prometheus.Registerer so tests can avoid the
// global registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentctl/agentctl/internal/types"
)

// Collectors bundles every gauge/counter the controller updates.
type Collectors struct {
	QueueDepth     prometheus.Gauge
	WorkersBusy    prometheus.Gauge
	WorkersIdle    prometheus.Gauge
	TasksTerminal  *prometheus.CounterVec
	HeartbeatDrift prometheus.Histogram
	Detections     *prometheus.CounterVec
}

// New registers all collectors against reg and returns the bundle. Pass
// prometheus.DefaultRegisterer for normal use, or a fresh
// prometheus.NewRegistry() in tests to avoid cross-test registration
// panics (duplicate registration in the default registry).
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentctl",
			Name:      "queue_depth",
			Help:      "Number of tasks currently queued, awaiting assignment.",
		}),
		WorkersBusy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentctl",
			Name:      "workers_busy",
			Help:      "Number of worker slots currently executing a task.",
		}),
		WorkersIdle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentctl",
			Name:      "workers_idle",
			Help:      "Number of worker slots currently idle.",
		}),
		TasksTerminal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentctl",
			Name:      "tasks_terminal_total",
			Help:      "Tasks that reached a terminal state, labeled by state.",
		}, []string{"state"}),
		HeartbeatDrift: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentctl",
			Name:      "heartbeat_drift_seconds",
			Help:      "Observed deviation of heartbeat tick intervals from the configured cadence.",
			Buckets:   prometheus.DefBuckets,
		}),
		Detections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentctl",
			Name:      "detections_total",
			Help:      "Rule detections observed in the stream pipeline, labeled by severity.",
		}, []string{"severity"}),
	}
}

// ObserveStatus updates the gauge set from a supervisor status snapshot.
// Accepts primitive values rather than *supervisor.Supervisor so this
// package never depends on internal/supervisor.
func (c *Collectors) ObserveStatus(queueDepth, workersBusy, workersIdle int) {
	c.QueueDepth.Set(float64(queueDepth))
	c.WorkersBusy.Set(float64(workersBusy))
	c.WorkersIdle.Set(float64(workersIdle))
}

// RecordTerminal increments the terminal-state counter for one task.
func (c *Collectors) RecordTerminal(state types.TaskState) {
	c.TasksTerminal.WithLabelValues(string(state)).Inc()
}

// RecordDetection increments the detection counter for one severity.
func (c *Collectors) RecordDetection(sev types.Severity) {
	c.Detections.WithLabelValues(string(sev)).Inc()
}

// RecordHeartbeatDrift records the absolute deviation of one heartbeat
// tick from its configured interval.
func (c *Collectors) RecordHeartbeatDrift(configured, actual time.Duration) {
	drift := actual - configured
	if drift < 0 {
		drift = -drift
	}
	c.HeartbeatDrift.Observe(drift.Seconds())
}
