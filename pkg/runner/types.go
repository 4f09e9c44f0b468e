package runner

import "fmt"

// Exit codes passed to the exit function by Run.
const (
	// ExitCodeSuccess is used when shutdown was requested before the main
	// task exited.
	ExitCodeSuccess = 0

	// ExitCodeError is used when the main task exited on its own, or when a
	// second signal forces the process down.
	ExitCodeError = 1
)

// State is the runner's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Outcome tells which condition ended the main loop.
type Outcome int

const (
	// OutcomeMainExited means the main task reached a terminal state before
	// shutdown was requested.
	OutcomeMainExited Outcome = iota
	// OutcomeShutdown means the pool was shut down first.
	OutcomeShutdown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMainExited:
		return "main-exited"
	case OutcomeShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// ExitCode maps the outcome to the process exit status.
func (o Outcome) ExitCode() int {
	if o == OutcomeShutdown {
		return ExitCodeSuccess
	}
	return ExitCodeError
}

// ShutdownListener is called once during shutdown, after the tasks have
// returned or the shutdown timeout passed.
type ShutdownListener interface {
	OnShutdown() error
}

// ShutdownFunc adapts a function to a ShutdownListener.
type ShutdownFunc func() error

func (f ShutdownFunc) OnShutdown() error {
	return f()
}
