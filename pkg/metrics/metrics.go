// Package metrics holds the Prometheus registry and the lifecycle counters
// recorded by the task pool and the runner.
//
// All recording methods are safe to call on a nil *Metrics, so components can
// take metrics as an optional dependency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "app"

// Shutdown triggers recorded by RecordShutdown.
const (
	TriggerMainExited = "main_exited"
	TriggerExternal   = "external"
)

// Listener kinds recorded by RecordListenerFailure.
const (
	KindSignal   = "signal"
	KindShutdown = "shutdown"
)

// Metrics is a registry with the process collectors and the lifecycle metrics
// registered on it.
type Metrics struct {
	registry *prometheus.Registry

	taskCompletions  *prometheus.CounterVec
	tasksRunning     prometheus.Gauge
	shutdowns        *prometheus.CounterVec
	drainTimeouts    prometheus.Counter
	listenerFailures *prometheus.CounterVec
	startTime        prometheus.Gauge
}

// Option configures New.
type Option func(*options)

type options struct {
	namespace   string
	constLabels prometheus.Labels
	runtime     bool
}

// WithNamespace overrides DefaultNamespace.
func WithNamespace(ns string) Option {
	return func(o *options) {
		o.namespace = ns
	}
}

// WithConstLabels attaches labels to every lifecycle metric, e.g. the run id.
func WithConstLabels(l prometheus.Labels) Option {
	return func(o *options) {
		o.constLabels = l
	}
}

// WithoutRuntimeCollectors skips the Go and process collectors.
func WithoutRuntimeCollectors() Option {
	return func(o *options) {
		o.runtime = false
	}
}

// New creates a fresh registry and registers the lifecycle metrics on it.
func New(opts ...Option) *Metrics {
	o := options{namespace: DefaultNamespace, runtime: true}
	for _, opt := range opts {
		opt(&o)
	}

	reg := prometheus.NewRegistry()
	if o.runtime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		taskCompletions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   o.namespace,
			Name:        "task_completions_total",
			Help:        "Total finished tasks by task name and outcome",
			ConstLabels: o.constLabels,
		}, []string{"task", "outcome"}),
		tasksRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   o.namespace,
			Name:        "tasks_running",
			Help:        "Number of tasks currently executing on the pool",
			ConstLabels: o.constLabels,
		}),
		shutdowns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   o.namespace,
			Name:        "shutdowns_total",
			Help:        "Shutdowns by what triggered them",
			ConstLabels: o.constLabels,
		}, []string{"trigger"}),
		drainTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace:   o.namespace,
			Name:        "drain_timeouts_total",
			Help:        "Shutdowns where workers did not drain before the timeout",
			ConstLabels: o.constLabels,
		}),
		listenerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   o.namespace,
			Name:        "listener_failures_total",
			Help:        "Listener errors and panics by listener kind",
			ConstLabels: o.constLabels,
		}, []string{"kind"}),
		startTime: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   o.namespace,
			Name:        "start_time_seconds",
			Help:        "Unix time the runner started its tasks",
			ConstLabels: o.constLabels,
		}),
	}
	return m
}

// Registry returns the underlying registry, e.g. to register custom counters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Gatherer returns the registry as a prometheus.Gatherer.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// TaskStarted increments the running gauge.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksRunning.Inc()
}

// TaskFinished decrements the running gauge and counts the outcome.
func (m *Metrics) TaskFinished(task, outcome string) {
	if m == nil {
		return
	}
	m.tasksRunning.Dec()
	m.taskCompletions.WithLabelValues(task, outcome).Inc()
}

// TaskDropped counts a task that was never started.
func (m *Metrics) TaskDropped(task, outcome string) {
	if m == nil {
		return
	}
	m.taskCompletions.WithLabelValues(task, outcome).Inc()
}

// RecordShutdown counts a shutdown by trigger.
func (m *Metrics) RecordShutdown(trigger string) {
	if m == nil {
		return
	}
	m.shutdowns.WithLabelValues(trigger).Inc()
}

// RecordDrainTimeout counts a drain that exceeded the shutdown timeout.
func (m *Metrics) RecordDrainTimeout() {
	if m == nil {
		return
	}
	m.drainTimeouts.Inc()
}

// RecordListenerFailure counts a failing listener of the given kind.
func (m *Metrics) RecordListenerFailure(kind string) {
	if m == nil {
		return
	}
	m.listenerFailures.WithLabelValues(kind).Inc()
}

// SetStartTime records when the tasks were scheduled.
func (m *Metrics) SetStartTime(t time.Time) {
	if m == nil {
		return
	}
	m.startTime.Set(float64(t.UnixNano()) / 1e9)
}
