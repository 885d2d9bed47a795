// Package pool provides a generic bounded pool of reusable resources.
//
// A Pool is built from a fixed set of resources created up front. Callers
// borrow a resource with Acquire, which blocks while all resources are lent
// out, and hand it back with Release, which wakes exactly one waiter.
//
// Availability is tracked by a golang.org/x/sync/semaphore.Weighted sized to
// the number of resources; the resources themselves live in a mutex-guarded
// free list. Acquiring a semaphore unit always precedes popping the free list,
// so a caller holding a unit is guaranteed to find a resource.
//
// Example:
//
//	p, err := pool.New(8, func(i int) (Store, error) { return open(i) })
//	if err != nil { ... }
//	defer p.Close(func(s Store) error { return s.Close() })
//
//	h, err := p.Acquire(ctx)
//	if err != nil { ... }
//	defer p.Release(h)
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Acquire once the pool has been closed.
var ErrClosed = errors.New("pool closed")

// Pool is a fixed-size pool of resources of type T.
//
// Thread safety:
// All methods are safe for concurrent use.
type Pool[T any] struct {
	sem  *semaphore.Weighted
	size int

	mu     sync.Mutex
	free   []T
	closed bool
}

// New creates a pool of size resources, calling factory once per slot.
//
// If any factory call fails, New returns the error and the resources created
// so far are discarded without cleanup; factories that allocate should be
// paired with a Close on the error path by the caller.
func New[T any](size int, factory func(i int) (T, error)) (*Pool[T], error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}

	free := make([]T, 0, size)
	for i := 0; i < size; i++ {
		r, err := factory(i)
		if err != nil {
			return nil, fmt.Errorf("failed to create pool resource %d: %w", i, err)
		}
		free = append(free, r)
	}

	return &Pool[T]{
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
		free: free,
	}, nil
}

// Acquire borrows a resource, blocking until one is free or ctx is done.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.sem.Release(1)
		return zero, ErrClosed
	}

	r := p.free[len(p.free)-1]
	p.free[len(p.free)-1] = zero
	p.free = p.free[:len(p.free)-1]
	return r, nil
}

// TryAcquire borrows a resource only if one is immediately free.
func (p *Pool[T]) TryAcquire() (T, bool) {
	var zero T

	if !p.sem.TryAcquire(1) {
		return zero, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.sem.Release(1)
		return zero, false
	}

	r := p.free[len(p.free)-1]
	p.free[len(p.free)-1] = zero
	p.free = p.free[:len(p.free)-1]
	return r, true
}

// Release returns a resource previously obtained from Acquire.
//
// Releasing a resource that was not acquired from this pool, or releasing
// more resources than were acquired, panics.
func (p *Pool[T]) Release(r T) {
	p.mu.Lock()
	if len(p.free) >= p.size {
		p.mu.Unlock()
		panic("pool: release without matching acquire")
	}
	p.free = append(p.free, r)
	p.mu.Unlock()

	p.sem.Release(1)
}

// Available returns the number of resources not currently lent out.
func (p *Pool[T]) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Size returns the total number of resources managed by the pool.
func (p *Pool[T]) Size() int {
	return p.size
}

// Close waits for every lent resource to come back, then calls destroy on
// each of them. Later Acquire calls return ErrClosed.
//
// The context bounds the wait; when it expires Close returns its error and
// the resources that are still out are never destroyed.
func (p *Pool[T]) Close(ctx context.Context, destroy func(T) error) error {
	if err := p.sem.Acquire(ctx, int64(p.size)); err != nil {
		return fmt.Errorf("waiting for pooled resources: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(int64(p.size))
		return nil
	}
	p.closed = true
	resources := p.free
	p.free = nil
	p.mu.Unlock()

	// Units are handed back so blocked Acquire calls observe closed.
	p.sem.Release(int64(p.size))

	var errs []error
	if destroy != nil {
		for _, r := range resources {
			if err := destroy(r); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
