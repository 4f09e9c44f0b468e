package taskpool

import (
	"context"
	"fmt"
)

// Task is a unit of work run by the pool. Long-running tasks must return
// once ctx is cancelled; the pool never stops a task by force.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc adapts an ordinary function to a Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Run(ctx context.Context) error {
	return f(ctx)
}

type namedTask struct {
	Task
	name string
}

func (n namedTask) Name() string { return n.name }

// Named attaches a name to t. The name identifies the task in logs and
// metrics.
func Named(name string, t Task) Task {
	return namedTask{Task: t, name: name}
}

// NameOf returns the name given to t with Named, or fallback.
func NameOf(t Task, fallback string) string {
	if n, ok := t.(interface{ Name() string }); ok && n.Name() != "" {
		return n.Name()
	}
	return fallback
}

// Outcome is how a task ended.
type Outcome int

const (
	// OutcomeCompleted means the task returned nil.
	OutcomeCompleted Outcome = iota
	// OutcomeFailed means the task returned an error or panicked.
	OutcomeFailed
	// OutcomeCancelled means the task returned context.Canceled or was
	// dropped from the queue before it started.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is the completion record of one task.
type Result struct {
	Task    string
	Outcome Outcome
	Err     error
	// AfterShutdown is true when the pool had already been shut down as the
	// task finished.
	AfterShutdown bool
}

// Handle observes the completion of a submitted task.
type Handle struct {
	name   string
	task   Task
	done   chan struct{}
	result Result
}

func newHandle(name string, t Task) *Handle {
	return &Handle{name: name, task: t, done: make(chan struct{})}
}

// Name is the task identity used in logs.
func (h *Handle) Name() string { return h.name }

// Done is closed once the task has finished or was dropped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result blocks until the task is done and returns its record.
func (h *Handle) Result() Result {
	<-h.done
	return h.result
}

func (h *Handle) complete(r Result) {
	h.result = r
	close(h.done)
}
