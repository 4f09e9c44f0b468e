// Package signals provides one-shot broadcast primitives used to coordinate
// shutdown between goroutines.
package signals

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInterrupted is returned by Wait when the caller gives up before the
// signal fires.
var ErrInterrupted = errors.New("interrupted while waiting for signal")

// Signal becomes signalled exactly once and stays signalled forever.
// Any number of goroutines may wait for it.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal returns an unsignalled Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Signal marks the signal as fired and releases all waiters.
// Calling it again is a no-op.
func (s *Signal) Signal() {
	s.once.Do(func() {
		close(s.ch)
	})
}

// Signalled reports whether Signal has been called.
func (s *Signal) Signalled() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed once the signal fires.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// Wait blocks until the signal fires or ctx is done. It returns nil right
// away when already signalled. A cancelled wait returns an error matching
// ErrInterrupted and leaves the signal untouched.
func (s *Signal) Wait(ctx context.Context) error {
	// prefer the signal when both are ready
	if s.Signalled() {
		return nil
	}
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		if s.Signalled() {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
	}
}
