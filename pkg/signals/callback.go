package signals

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// ErrListenerPanic wraps the value recovered from a panicking listener.
var ErrListenerPanic = errors.New("listener panicked")

// Listener is invoked once when a CallbackSignal fires.
type Listener func() error

// CallbackState is the lifecycle of a CallbackSignal's waiter.
type CallbackState int32

const (
	NotFired CallbackState = iota
	Firing
	Fired
)

func (s CallbackState) String() string {
	switch s {
	case NotFired:
		return "not-fired"
	case Firing:
		return "firing"
	case Fired:
		return "fired"
	default:
		return fmt.Sprintf("CallbackState(%d)", int32(s))
	}
}

// CallbackOption configures a CallbackSignal.
type CallbackOption func(*CallbackSignal)

// WithFailureHook sets a function called with every listener error, after it
// has been logged.
func WithFailureHook(f func(err error)) CallbackOption {
	return func(c *CallbackSignal) {
		c.onFailure = f
	}
}

// CallbackSignal is a Signal with listeners. A single background waiter
// invokes every registered listener once, in registration order, after the
// signal fires. Listener errors and panics are logged and do not stop the
// remaining listeners.
//
// The waiter snapshots the listener list when it starts firing. Listeners
// added after that point are not invoked.
type CallbackSignal struct {
	sig *Signal

	logger    logr.Logger
	onFailure func(err error)

	mu        sync.Mutex
	listeners []Listener

	state atomic.Int32
	stop  context.CancelFunc
	fired chan struct{}
}

// NewCallbackSignal creates the signal and starts its waiter goroutine.
func NewCallbackSignal(logger logr.Logger, opts ...CallbackOption) *CallbackSignal {
	ctx, cancel := context.WithCancel(context.Background())
	c := &CallbackSignal{
		sig:    NewSignal(),
		logger: logger,
		stop:   cancel,
		fired:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.waitAndFire(ctx)

	return c
}

// Signal fires the signal. Only the first call has an effect.
func (c *CallbackSignal) Signal() { c.sig.Signal() }

// Signalled reports whether Signal has been called.
func (c *CallbackSignal) Signalled() bool { return c.sig.Signalled() }

// Done is closed once Signal has been called. Listeners may still be running.
func (c *CallbackSignal) Done() <-chan struct{} { return c.sig.Done() }

// Wait blocks until the signal fires or ctx is done.
func (c *CallbackSignal) Wait(ctx context.Context) error { return c.sig.Wait(ctx) }

// AddListener registers l to run when the signal fires.
func (c *CallbackSignal) AddListener(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// State returns the waiter's current state.
func (c *CallbackSignal) State() CallbackState {
	return CallbackState(c.state.Load())
}

// Fired returns a channel closed when the waiter is finished, either after
// all listeners returned or after it was interrupted by Close.
func (c *CallbackSignal) Fired() <-chan struct{} {
	return c.fired
}

// Close interrupts the waiter. If the signal has not fired yet no listener
// will ever run.
func (c *CallbackSignal) Close() {
	c.stop()
}

func (c *CallbackSignal) waitAndFire(ctx context.Context) {
	defer close(c.fired)

	if err := c.sig.Wait(ctx); err != nil {
		c.logger.Error(err, "callback waiter interrupted, listeners will not be called")
		return
	}

	c.state.Store(int32(Firing))
	for i, l := range c.snapshot() {
		if err := invoke(l); err != nil {
			c.logger.Error(err, "signal listener failed", "listener", i)
			if c.onFailure != nil {
				c.onFailure(err)
			}
		}
	}
	c.state.Store(int32(Fired))
}

func (c *CallbackSignal) snapshot() []Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Listener, len(c.listeners))
	copy(out, c.listeners)
	return out
}

func invoke(l Listener) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrListenerPanic, r)
		}
	}()
	return l()
}
