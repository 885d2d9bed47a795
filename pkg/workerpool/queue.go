// Package workerpool provides the bounded task queue and the fixed set of
// worker goroutines that drain it.
package workerpool

import (
	"context"
	"errors"
	"sync"

	"github.com/marmos91/dittoweb/internal/syncx"
)

// ErrQueueFull is returned by Push when the queue is at capacity.
var ErrQueueFull = errors.New("task queue full")

// Queue is a fixed-capacity FIFO.
//
// Items are stored in a ring buffer guarded by a mutex; a counting semaphore
// tracks how many items are ready so consumers can sleep until one arrives.
// Producers never block: TryPush fails immediately when the queue is full.
//
// Thread safety:
// All methods are safe for concurrent use by any number of producers and
// consumers. Each pushed item is returned by exactly one Pop.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	size  int

	ready *syncx.Semaphore
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("workerpool: queue capacity must be positive")
	}
	return &Queue[T]{
		items: make([]T, capacity),
		ready: syncx.NewSemaphore(capacity),
	}
}

// TryPush appends item and reports whether it was accepted.
func (q *Queue[T]) TryPush(item T) bool {
	q.mu.Lock()
	if q.size == len(q.items) {
		q.mu.Unlock()
		return false
	}
	q.items[(q.head+q.size)%len(q.items)] = item
	q.size++
	q.mu.Unlock()

	// The count never exceeds size, which never exceeds capacity.
	_ = q.ready.Post()
	return true
}

// Push is TryPush returning ErrQueueFull on rejection.
func (q *Queue[T]) Push(item T) error {
	if !q.TryPush(item) {
		return ErrQueueFull
	}
	return nil
}

// Pop removes the oldest item, blocking until one is available or ctx is
// done.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	if err := q.ready.Wait(ctx); err != nil {
		var zero T
		return zero, err
	}
	return q.take(), nil
}

// TryPop removes the oldest item if one is available.
func (q *Queue[T]) TryPop() (T, bool) {
	if !q.ready.TryWait() {
		var zero T
		return zero, false
	}
	return q.take(), true
}

func (q *Queue[T]) take() T {
	var zero T

	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return item
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return len(q.items)
}
