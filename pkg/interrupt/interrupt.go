package interrupt

import (
	"context"

	"github.com/navikt/tortuga-nais-support/pkg/runner"
	"github.com/navikt/tortuga-nais-support/pkg/taskpool"
)

type InterruptConfig struct {
	baseContext context.Context
	runnerOpts  []runner.Option
}

type Option func(ic *InterruptConfig)

func WithBaseContext(ctx context.Context) Option {
	return func(ic *InterruptConfig) {
		ic.baseContext = ctx
	}
}

func WithRunnerOpts(opts ...runner.Option) Option {
	return func(ic *InterruptConfig) {
		ic.runnerOpts = append(ic.runnerOpts, opts...)
	}
}

// Cancellable builds a runner whose tasks are also stopped by the returned
// context.CancelFunc. Cancelling goes through the same graceful shutdown as a
// signal. Run still has to be called on the returned runner.
func Cancellable(main taskpool.Task, tasks []taskpool.Task, opts ...Option) (*runner.Runner, context.CancelFunc) {
	ic := InterruptConfig{
		baseContext: context.Background(),
	}
	for _, opt := range opts {
		opt(&ic)
	}
	ctx, cancel := context.WithCancel(ic.baseContext)
	r := runner.New(main, tasks, append(ic.runnerOpts, runner.WithContext(ctx))...)
	return r, cancel
}

// run in main on main thread, does not return unless the exit function was
// replaced with runner.WithOnExit
func Main(main taskpool.Task, tasks []taskpool.Task, opts ...Option) int {
	assertMainGoroutine()

	r, cancel := Cancellable(main, tasks, opts...)
	defer cancel()

	return r.Run()
}
