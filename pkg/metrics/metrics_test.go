package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTaskFinished(t *testing.T) {
	tests := []struct {
		name    string
		task    string
		outcome string
	}{
		{name: "completed main", task: "main", outcome: "completed"},
		{name: "failed aux", task: "aux-1", outcome: "failed"},
		{name: "cancelled aux", task: "aux-2", outcome: "cancelled"},
	}

	m := New(WithoutRuntimeCollectors())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initial := testutil.ToFloat64(m.taskCompletions.With(prometheus.Labels{
				"task":    tt.task,
				"outcome": tt.outcome,
			}))

			m.TaskStarted()
			m.TaskFinished(tt.task, tt.outcome)

			got := testutil.ToFloat64(m.taskCompletions.With(prometheus.Labels{
				"task":    tt.task,
				"outcome": tt.outcome,
			}))
			if got != initial+1 {
				t.Errorf("expected count to increment by 1, got initial=%f, new=%f", initial, got)
			}
		})
	}

	if running := testutil.ToFloat64(m.tasksRunning); running != 0 {
		t.Errorf("expected running gauge back at 0, got %f", running)
	}
}

func TestShutdownCounters(t *testing.T) {
	m := New(WithoutRuntimeCollectors())

	m.RecordShutdown(TriggerExternal)
	m.RecordShutdown(TriggerExternal)
	m.RecordShutdown(TriggerMainExited)
	m.RecordDrainTimeout()
	m.RecordListenerFailure(KindShutdown)

	if got := testutil.ToFloat64(m.shutdowns.WithLabelValues(TriggerExternal)); got != 2 {
		t.Errorf("external shutdowns = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.shutdowns.WithLabelValues(TriggerMainExited)); got != 1 {
		t.Errorf("main exited shutdowns = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.drainTimeouts); got != 1 {
		t.Errorf("drain timeouts = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.listenerFailures.WithLabelValues(KindShutdown)); got != 1 {
		t.Errorf("listener failures = %f, want 1", got)
	}
}

func TestNamespaceAndConstLabels(t *testing.T) {
	m := New(
		WithoutRuntimeCollectors(),
		WithNamespace("tortuga"),
		WithConstLabels(prometheus.Labels{"run_id": "abc"}),
	)
	m.SetStartTime(time.Unix(1700000000, 0))

	expected := `
# HELP tortuga_start_time_seconds Unix time the runner started its tasks
# TYPE tortuga_start_time_seconds gauge
tortuga_start_time_seconds{run_id="abc"} 1.7e+09
`
	if err := testutil.GatherAndCompare(m.Gatherer(), strings.NewReader(expected), "tortuga_start_time_seconds"); err != nil {
		t.Fatal(err)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.TaskStarted()
	m.TaskFinished("main", "completed")
	m.TaskDropped("aux-1", "cancelled")
	m.RecordShutdown(TriggerExternal)
	m.RecordDrainTimeout()
	m.RecordListenerFailure(KindSignal)
	m.SetStartTime(time.Now())

	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
	if _, err := m.Gatherer().Gather(); err != nil {
		t.Errorf("gather on nil metrics failed: %v", err)
	}
}

func TestRuntimeCollectorsRegistered(t *testing.T) {
	m := New()
	families, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "go_") {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected go_ collector metrics in registry")
	}
}
