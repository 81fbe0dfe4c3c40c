// Package clock provides the cancellable countdown every job blocks on.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

type WaitResult int

const (
	Expired WaitResult = iota
	Cancelled
)

func (r WaitResult) String() string {
	if r == Cancelled {
		return "cancelled"
	}
	return "expired"
}

// Stopper is a one-shot cancellation signal with deadline waits.
// The zero value is not usable; call NewStopper.
type Stopper struct {
	once      sync.Once
	done      chan struct{}
	cancelled atomic.Bool
}

func NewStopper() *Stopper {
	return &Stopper{done: make(chan struct{})}
}

// Cancel wakes every waiter. Safe to call more than once and from any goroutine.
func (s *Stopper) Cancel() {
	s.once.Do(func() {
		s.cancelled.Store(true)
		close(s.done)
	})
}

func (s *Stopper) Cancelled() bool { return s.cancelled.Load() }

// Done is closed once Cancel has been called.
func (s *Stopper) Done() <-chan struct{} { return s.done }

// WaitUntil blocks until t or until cancelled, whichever comes first.
func (s *Stopper) WaitUntil(t time.Time) WaitResult {
	return s.WaitFor(time.Until(t))
}

// WaitFor blocks for d or until cancelled. A non-positive d returns
// immediately.
func (s *Stopper) WaitFor(d time.Duration) WaitResult {
	if s.Cancelled() {
		return Cancelled
	}
	if d <= 0 {
		return Expired
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.done:
		return Cancelled
	case <-timer.C:
		// A cancel racing the timer still wins.
		if s.Cancelled() {
			return Cancelled
		}
		return Expired
	}
}
