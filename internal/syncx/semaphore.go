// Package syncx holds the small synchronization primitives shared by the
// task queue and the worker pool.
package syncx

import (
	"context"
	"errors"
)

// ErrSemaphoreFull is returned by Post when the count is already at its cap.
var ErrSemaphoreFull = errors.New("semaphore count at capacity")

// Semaphore is a counting semaphore with a fixed upper bound on its count.
//
// Unlike golang.org/x/sync/semaphore, which guards a pool of units that are
// acquired before they are released, this one counts events: Post may be
// called by a producer that never called Wait. The count starts at zero.
//
// Thread safety:
// All methods are safe for concurrent use.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a semaphore whose count can reach at most max.
func NewSemaphore(max int) *Semaphore {
	if max <= 0 {
		panic("syncx: semaphore capacity must be positive")
	}
	return &Semaphore{slots: make(chan struct{}, max)}
}

// Post increments the count and wakes one waiter.
func (s *Semaphore) Post() error {
	select {
	case s.slots <- struct{}{}:
		return nil
	default:
		return ErrSemaphoreFull
	}
}

// Wait decrements the count, blocking while it is zero. It returns ctx.Err()
// if ctx is done first, in which case the count is unchanged.
func (s *Semaphore) Wait(ctx context.Context) error {
	select {
	case <-s.slots:
		return nil
	default:
	}

	select {
	case <-s.slots:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryWait decrements the count if it is positive and reports whether it did.
func (s *Semaphore) TryWait() bool {
	select {
	case <-s.slots:
		return true
	default:
		return false
	}
}

// Count returns the current count. It is a snapshot and may be stale as soon
// as it returns.
func (s *Semaphore) Count() int {
	return len(s.slots)
}

// Cap returns the maximum count.
func (s *Semaphore) Cap() int {
	return cap(s.slots)
}
