// Package taskpool runs a fixed set of long-running tasks, one worker per
// task, and records how each of them ended.
package taskpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/navikt/tortuga-nais-support/pkg/metrics"

	"github.com/go-logr/logr"
)

var (
	// ErrPoolShutdown is returned when submitting to a pool that was shut down.
	ErrPoolShutdown = errors.New("task pool is shut down")

	// ErrQueueFull is returned when more tasks are queued than there are workers.
	ErrQueueFull = errors.New("task pool queue is full")

	// ErrTaskPanic wraps the value recovered from a panicking task.
	ErrTaskPanic = errors.New("task panicked")

	// ErrNotStarted is the error recorded for tasks dropped by ShutdownNow.
	ErrNotStarted = errors.New("task was never started")
)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used for task completion records.
func WithLogger(l logr.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// WithMetrics records task starts and outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithContext sets the parent of the context handed to tasks.
func WithContext(ctx context.Context) Option {
	return func(p *Pool) {
		p.parentCtx = ctx
	}
}

// Pool is a fixed-size worker pool. Workers live until ShutdownNow is
// called and the task they are running returns.
type Pool struct {
	size      int
	logger    logr.Logger
	metrics   *metrics.Metrics
	parentCtx context.Context

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	shutdown   bool
	submitted  int
	queue      chan *Handle
	shutdownCh chan struct{}

	workers    sync.WaitGroup
	terminated chan struct{}
}

// New starts a pool with size workers.
func New(size int, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		size:       size,
		logger:     logr.Discard(),
		parentCtx:  context.Background(),
		queue:      make(chan *Handle, size),
		shutdownCh: make(chan struct{}),
		terminated: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(p.parentCtx)

	for range size {
		p.workers.Go(p.work)
	}
	go func() {
		p.workers.Wait()
		p.logger.V(1).Info("task pool terminated")
		close(p.terminated)
	}()

	return p
}

// Size is the number of workers.
func (p *Pool) Size() int { return p.size }

// Schedule submits the main task followed by every auxiliary task and
// returns the main task's handle.
func (p *Pool) Schedule(main Task, aux ...Task) (*Handle, error) {
	h, err := p.submit(main, "main")
	if err != nil {
		return nil, fmt.Errorf("schedule main task: %w", err)
	}
	for i, t := range aux {
		if _, err := p.submit(t, fmt.Sprintf("aux-%d", i+1)); err != nil {
			return h, fmt.Errorf("schedule auxiliary task %d: %w", i+1, err)
		}
	}
	return h, nil
}

// Submit queues a single task.
func (p *Pool) Submit(t Task) (*Handle, error) {
	p.mu.Lock()
	fallback := fmt.Sprintf("task-%d", p.submitted+1)
	p.mu.Unlock()
	return p.submit(t, fallback)
}

func (p *Pool) submit(t Task, fallback string) (*Handle, error) {
	h := newHandle(NameOf(t, fallback), t)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return nil, ErrPoolShutdown
	}
	select {
	case p.queue <- h:
		p.submitted++
		return h, nil
	default:
		return nil, ErrQueueFull
	}
}

// ShutdownNow cancels the context of every running task, drops queued tasks
// and returns the dropped ones. Running tasks are expected to observe the
// cancellation; nothing is stopped by force. Later calls do nothing.
func (p *Pool) ShutdownNow() []Task {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	p.cancel()
	close(p.shutdownCh)

	var dropped []*Handle
drain:
	for {
		select {
		case h := <-p.queue:
			dropped = append(dropped, h)
		default:
			break drain
		}
	}
	close(p.queue)
	p.mu.Unlock()

	p.logger.V(1).Info("task pool shutting down", "dropped", len(dropped))

	tasks := make([]Task, 0, len(dropped))
	for _, h := range dropped {
		r := Result{Task: h.name, Outcome: OutcomeCancelled, Err: ErrNotStarted, AfterShutdown: true}
		p.logger.Info("task dropped before it started", "task", h.name)
		p.metrics.TaskDropped(h.name, r.Outcome.String())
		h.complete(r)
		tasks = append(tasks, h.task)
	}
	return tasks
}

// IsShutdown reports whether ShutdownNow has been called.
func (p *Pool) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

// ShutdownRequested is closed when ShutdownNow is first called.
func (p *Pool) ShutdownRequested() <-chan struct{} {
	return p.shutdownCh
}

// Terminated is closed once every worker has exited.
func (p *Pool) Terminated() <-chan struct{} {
	return p.terminated
}

// AwaitTermination waits up to timeout for every worker to exit and reports
// whether they did.
func (p *Pool) AwaitTermination(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.terminated:
		return true
	case <-timer.C:
		return false
	}
}

func (p *Pool) work() {
	for h := range p.queue {
		p.execute(h)
	}
}

func (p *Pool) execute(h *Handle) {
	p.metrics.TaskStarted()
	err := p.supervise(h)

	r := Result{Task: h.name, Err: err, AfterShutdown: p.IsShutdown()}
	switch {
	case err == nil:
		r.Outcome = OutcomeCompleted
		p.logger.V(1).Info("task exited", "task", h.name)
	case errors.Is(err, context.Canceled):
		r.Outcome = OutcomeCancelled
		p.logger.Info("task cancelled", "task", h.name)
	default:
		r.Outcome = OutcomeFailed
		p.logger.Error(err, "task failed", "task", h.name)
	}

	p.metrics.TaskFinished(h.name, r.Outcome.String())
	h.complete(r)
}

// supervise runs the task and turns a panic into an error.
func (p *Pool) supervise(h *Handle) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.V(1).Info("recovered task panic", "task", h.name, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrTaskPanic, rec)
		}
	}()
	return h.task.Run(p.ctx)
}
