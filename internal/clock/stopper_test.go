package clock

import (
	"sync"
	"testing"
	"time"
)

func TestWaitForPastReturnsImmediately(t *testing.T) {
	t.Parallel()
	s := NewStopper()
	start := time.Now()
	if got := s.WaitFor(-time.Hour); got != Expired {
		t.Fatalf("WaitFor(-1h) = %v, want expired", got)
	}
	if got := s.WaitUntil(time.Now().Add(-time.Minute)); got != Expired {
		t.Fatalf("WaitUntil(past) = %v, want expired", got)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("past waits blocked")
	}
}

func TestWaitForExpires(t *testing.T) {
	t.Parallel()
	s := NewStopper()
	if got := s.WaitFor(10 * time.Millisecond); got != Expired {
		t.Fatalf("WaitFor = %v, want expired", got)
	}
}

func TestCancelWakesAllWaiters(t *testing.T) {
	t.Parallel()
	s := NewStopper()

	const waiters = 4
	results := make(chan WaitResult, waiters)
	var ready sync.WaitGroup
	ready.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			ready.Done()
			results <- s.WaitUntil(time.Now().Add(time.Hour))
		}()
	}
	ready.Wait()

	start := time.Now()
	s.Cancel()
	s.Cancel()
	for i := 0; i < waiters; i++ {
		select {
		case r := <-results:
			if r != Cancelled {
				t.Fatalf("waiter %d = %v, want cancelled", i, r)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter not woken by Cancel")
		}
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("cancel took too long to propagate")
	}
}

func TestCancelledBeforeWait(t *testing.T) {
	t.Parallel()
	s := NewStopper()
	s.Cancel()
	if !s.Cancelled() {
		t.Fatal("Cancelled() = false after Cancel")
	}
	if got := s.WaitFor(-time.Second); got != Cancelled {
		t.Fatalf("WaitFor after cancel = %v, want cancelled", got)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
}
