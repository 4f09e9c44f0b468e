// Package runner coordinates the lifecycle of a long-running process: a main
// task that is expected to run forever, auxiliary background tasks, OS
// shutdown signals and the listeners that must run before the process exits.
//
// The main loop ends either because the main task returned, which is always
// treated as a failure, or because shutdown was requested. Shutdown cancels
// every task, waits a bounded time for them to return and then calls the
// shutdown listeners in registration order.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/navikt/tortuga-nais-support/pkg/metrics"
	"github.com/navikt/tortuga-nais-support/pkg/signals"
	"github.com/navikt/tortuga-nais-support/pkg/taskpool"

	"github.com/go-logr/logr"
)

// DefaultShutdownTimeout bounds how long shutdown waits for tasks to return
// before the shutdown listeners are called.
const DefaultShutdownTimeout = 5000 * time.Millisecond

// Option defines a functional option for Runner.
type Option func(*Runner)

// Runner runs one main task and any number of auxiliary tasks until the main
// task exits or shutdown is requested, then shuts the tasks down and calls
// the registered shutdown listeners.
type Runner struct {
	main  taskpool.Task
	tasks []taskpool.Task

	logger    logr.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration
	onExit    func(code int)
	hook      Hook
	signalCh  <-chan os.Signal
	prompt    io.Writer
	parentCtx context.Context

	ctx    context.Context
	cancel context.CancelFunc

	pool           *taskpool.Pool
	shutdownSignal *signals.CallbackSignal
	terminated     *signals.Signal
	release        func()
	releaseDue     bool

	mu        sync.Mutex
	listeners []ShutdownListener

	// shutdownRequested is set by Shutdown before any task is cancelled.
	// mainExitedFirst is set when the main task returned before that.
	shutdownRequested atomic.Bool
	mainExitedFirst   atomic.Bool

	state   atomic.Int32
	runOnce sync.Once
	outcome Outcome
}

// New creates a runner for main and the auxiliary tasks and registers the
// shutdown hook right away. By default the hook listens for SIGINT and
// SIGTERM.
func New(main taskpool.Task, tasks []taskpool.Task, opts ...Option) *Runner {
	r := &Runner{
		main:       main,
		tasks:      tasks,
		logger:     logr.Discard(),
		timeout:    DefaultShutdownTimeout,
		onExit:     os.Exit,
		parentCtx:  context.Background(),
		terminated: signals.NewSignal(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.ctx, r.cancel = context.WithCancel(r.parentCtx)
	r.pool = taskpool.New(1+len(tasks),
		taskpool.WithLogger(r.logger.WithName("pool")),
		taskpool.WithMetrics(r.metrics),
		// tasks are only cancelled through ShutdownNow, so the pool can tell
		// whether the main task finished before or after shutdown
		taskpool.WithContext(context.WithoutCancel(r.parentCtx)),
	)

	r.shutdownSignal = signals.NewCallbackSignal(r.logger, signals.WithFailureHook(func(error) {
		r.metrics.RecordListenerFailure(metrics.KindSignal)
	}))
	r.shutdownSignal.AddListener(r.shutdownAndAwaitTermination)

	if r.hook == nil {
		r.hook = r.signalHook
	}
	release := r.hook(func() {
		r.logger.V(1).Info("shutdown hook called, signalling shutdown")
		r.Shutdown()
	})
	r.mu.Lock()
	r.release = release
	due := r.releaseDue
	r.mu.Unlock()
	// the hook called shutdown before returning and shutdown already finished
	if due && release != nil {
		release()
	}

	if done := r.parentCtx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				r.logger.Info("context canceled externally")
				r.Shutdown()
			case <-r.terminated.Done():
			}
		}()
	}

	return r
}

// WithLogger sets a custom logger.
func WithLogger(l logr.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithMetrics records task, shutdown and listener metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithOnExit replaces os.Exit as the final call of Run.
func WithOnExit(f func(code int)) Option {
	return func(r *Runner) {
		r.onExit = f
	}
}

// WithShutdownTimeout overrides DefaultShutdownTimeout.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.timeout = d
	}
}

// WithShutdownHook replaces the OS signal hook.
func WithShutdownHook(h Hook) Option {
	return func(r *Runner) {
		r.hook = h
	}
}

// WithSignalChannel makes the default hook read signals from ch instead of
// registering for OS signals (useful for tests).
func WithSignalChannel(ch <-chan os.Signal) Option {
	return func(r *Runner) {
		r.signalCh = ch
	}
}

// WithPrompt enables the force-exit prompt on the given writer, stderr by
// default.
func WithPrompt(enabled bool, w ...io.Writer) Option {
	return func(r *Runner) {
		if enabled {
			var wr io.Writer = os.Stderr
			for _, ww := range w {
				if ww != nil {
					wr = ww
					break
				}
			}
			r.prompt = wr
		}
	}
}

// WithContext sets a parent context. Cancelling it shuts the runner down.
func WithContext(ctx context.Context) Option {
	return func(r *Runner) {
		r.parentCtx = ctx
	}
}

// Context returns a context that is cancelled when shutdown begins.
func (r *Runner) Context() context.Context {
	return r.ctx
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Terminated is closed after the shutdown listeners have run.
func (r *Runner) Terminated() <-chan struct{} {
	return r.terminated.Done()
}

// Shutdown requests shutdown. It never blocks and only the first call has
// any effect.
func (r *Runner) Shutdown() {
	r.logger.V(1).Info("received shutdown signal")
	r.shutdownRequested.Store(true)
	r.cancel()
	r.shutdownSignal.Signal()
}

// AddShutdownListener registers l to be called, in registration order, once
// the tasks have been shut down. Listeners added after the listeners started
// running are not called.
func (r *Runner) AddShutdownListener(l ShutdownListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Run schedules the tasks, blocks until the main task exits or shutdown is
// requested, waits for shutdown to finish and then calls the exit function
// with 0 for a requested shutdown or 1 when the main task exited.
func (r *Runner) Run() int {
	outcome := r.RunTasksAndWait()

	if outcome == OutcomeMainExited {
		r.logger.Info("stopping because main task exited")
	} else {
		r.logger.Info("stopping because task pool was shut down")
	}

	<-r.terminated.Done()

	code := outcome.ExitCode()
	r.logger.Info("exiting main loop", "code", code)
	r.onExit(code)
	return code
}

// RunTasksAndWait schedules the tasks and blocks until the main task exits
// or the pool is shut down. If the main task exited first, shutdown is
// requested before returning. Later calls return the first outcome.
func (r *Runner) RunTasksAndWait() Outcome {
	r.runOnce.Do(func() {
		r.outcome = r.runTasksAndWait()
	})
	return r.outcome
}

func (r *Runner) runTasksAndWait() Outcome {
	r.state.CompareAndSwap(int32(StateIdle), int32(StateRunning))
	r.metrics.SetStartTime(time.Now())

	main, err := r.pool.Schedule(r.watchMain(r.main), r.tasks...)
	if main == nil {
		if r.pool.IsShutdown() {
			r.logger.Info("shutdown requested before tasks were scheduled")
			r.metrics.RecordShutdown(metrics.TriggerExternal)
			return OutcomeShutdown
		}
		r.logger.Error(err, "could not schedule main task")
		r.metrics.RecordShutdown(metrics.TriggerMainExited)
		r.Shutdown()
		return OutcomeMainExited
	}
	if err != nil {
		r.logger.Error(err, "could not schedule every auxiliary task")
	}

	select {
	case <-main.Done():
	case <-r.pool.ShutdownRequested():
	}

	// main should never return, so returning before shutdown is a failure
	select {
	case <-main.Done():
		if res := main.Result(); r.mainExitedFirst.Load() {
			r.logger.Info("main task reached a terminal state", "outcome", res.Outcome.String(), "error", errString(res.Err))
			r.metrics.RecordShutdown(metrics.TriggerMainExited)
			r.Shutdown()
			return OutcomeMainExited
		}
	default:
	}

	r.metrics.RecordShutdown(metrics.TriggerExternal)
	return OutcomeShutdown
}

// watchMain records whether main returned before Shutdown was called. A main
// task watching Context may return before the pool is marked shut down.
func (r *Runner) watchMain(main taskpool.Task) taskpool.Task {
	if main == nil {
		return nil
	}
	return taskpool.Named(taskpool.NameOf(main, "main"), taskpool.TaskFunc(func(ctx context.Context) error {
		defer func() {
			r.mainExitedFirst.Store(!r.shutdownRequested.Load())
		}()
		return main.Run(ctx)
	}))
}

func (r *Runner) shutdownAndAwaitTermination() error {
	r.state.Store(int32(StateShuttingDown))
	r.pool.ShutdownNow()

	r.logger.Info("waiting for tasks before shutting down", "timeout", r.timeout)
	if r.pool.AwaitTermination(r.timeout) {
		r.logger.Info("shut down gracefully")
	} else {
		r.logger.Info("shutdown timeout, tasks did not return in time", "timeout", r.timeout)
		r.metrics.RecordDrainTimeout()
	}

	r.logger.V(1).Info("calling shutdown listeners")
	r.mu.Lock()
	listeners := slices.Clone(r.listeners)
	release := r.release
	r.releaseDue = release == nil
	r.mu.Unlock()
	for i, l := range listeners {
		if err := callListener(l); err != nil {
			r.logger.Error(err, "shutdown listener failed", "listener", i)
			r.metrics.RecordListenerFailure(metrics.KindShutdown)
		}
	}

	if release != nil {
		release()
	}
	r.logger.Info("exiting app, goodbye")
	r.state.Store(int32(StateTerminated))
	r.terminated.Signal()
	return nil
}

func callListener(l ShutdownListener) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", signals.ErrListenerPanic, rec)
		}
	}()
	return l.OnShutdown()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
