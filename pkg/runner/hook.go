package runner

import (
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fatih/color"
)

// Hook registers shutdown to be called when the host asks the process to
// terminate, and returns a function that undoes the registration. shutdown
// does not block, so a hook may call it from a signal handling goroutine.
type Hook func(shutdown func()) (release func())

// NoHook is a Hook that never calls shutdown.
func NoHook(func()) func() { return func() {} }

// signalHook is the default Hook. The first SIGINT or SIGTERM calls
// shutdown, a second one exits the process with ExitCodeError.
func (r *Runner) signalHook(shutdown func()) func() {
	sigCh := r.signalCh
	stop := func() {}
	if sigCh == nil {
		c := make(chan os.Signal, 2)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		stop = func() { signal.Stop(c) }
		sigCh = c
	}

	done := make(chan struct{})
	go func() {
		select {
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			r.logger.Info("received shutdown signal", "signal", sig)
			if r.prompt != nil {
				forceExitPrompt(r.prompt)
			}
			shutdown()
		case <-done:
			return
		}

		select {
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			r.logger.Info("received second shutdown signal, forcing exit", "signal", sig)
			r.onExit(ExitCodeError)
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			close(done)
		})
	}
}

const ansiClearLine = "\033[2K\n"

func forceExitPrompt(out io.Writer) {
	c := color.New(color.FgYellow, color.Bold)
	c.Fprint(out, ansiClearLine+"Shutting down gracefully. Press Ctrl+C again to forcefully exit.\n")
}
