package interrupt

import (
	"context"
	"testing"
	"time"

	"github.com/navikt/tortuga-nais-support/pkg/runner"
	"github.com/navikt/tortuga-nais-support/pkg/taskpool"
)

func TestInterruptMain_PanicsOffMainGoroutine(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Main to panic outside goroutine 1")
		}
	}()
	Main(taskpool.TaskFunc(func(context.Context) error { return nil }), nil)
}

func TestCancellable_CancelShutsDown(t *testing.T) {
	codes := make(chan int, 1)
	main := taskpool.TaskFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	r, cancel := Cancellable(main, nil, WithRunnerOpts(
		runner.WithShutdownHook(runner.NoHook),
		runner.WithOnExit(func(code int) { codes <- code }),
	))

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if code := r.Run(); code != runner.ExitCodeSuccess {
		t.Fatalf("expected exit code 0 after cancel, got %d", code)
	}
	select {
	case code := <-codes:
		if code != runner.ExitCodeSuccess {
			t.Fatalf("exit function got %d", code)
		}
	case <-time.After(time.Second):
		t.Fatal("exit function was not called")
	}
}

func TestCancellable_BaseContext(t *testing.T) {
	base, cancelBase := context.WithCancel(t.Context())
	r, cancel := Cancellable(taskpool.TaskFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}), nil, WithBaseContext(base), WithRunnerOpts(
		runner.WithShutdownHook(runner.NoHook),
		runner.WithOnExit(func(int) {}),
	))
	defer cancel()

	cancelBase()

	select {
	case <-r.Terminated():
	case <-time.After(time.Second):
		t.Fatal("cancelling the base context should shut the runner down")
	}
}
