package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittoweb/internal/logger"
)

// ErrNotStarted is returned by Stop on a pool that was never started.
var ErrNotStarted = errors.New("worker pool not started")

// Handler processes one item. It runs on a worker goroutine and is not
// cancelled once started.
type Handler[T any] func(item T)

// Pool runs a fixed number of workers that take items from a Queue and pass
// them to a Handler.
//
// Lifecycle:
//  1. New creates the queue and records the handler
//  2. Start launches the workers
//  3. Submit enqueues work without blocking
//  4. Stop wakes idle workers, waits for busy ones to finish their current
//     item and discards whatever is still queued
//
// A panicking handler is recovered and logged; the worker keeps running.
type Pool[T any] struct {
	queue   *Queue[T]
	handler Handler[T]
	workers int

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started atomic.Bool
	stopped atomic.Bool

	processed atomic.Uint64
	rejected  atomic.Uint64
	panics    atomic.Uint64
}

// New creates a pool of workers goroutines draining a queue of queueSize
// items.
func New[T any](workers, queueSize int, handler Handler[T]) (*Pool[T], error) {
	if workers <= 0 {
		return nil, fmt.Errorf("invalid worker count %d: must be > 0", workers)
	}
	if queueSize <= 0 {
		return nil, fmt.Errorf("invalid queue size %d: must be > 0", queueSize)
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	return &Pool[T]{
		queue:   NewQueue[T](queueSize),
		handler: handler,
		workers: workers,
	}, nil
}

// Start launches the workers. Calling Start more than once is a no-op.
func (p *Pool[T]) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}

	logger.Debug("Worker pool started: workers=%d queue=%d", p.workers, p.queue.Cap())
}

// Submit enqueues item. It never blocks and reports false when the queue is
// full or the pool has been stopped.
func (p *Pool[T]) Submit(item T) bool {
	if p.stopped.Load() || !p.queue.TryPush(item) {
		p.rejected.Add(1)
		return false
	}
	return true
}

// Stop stops the workers and waits for in-flight handlers to return or ctx
// to be done. Items still queued are discarded and their count returned.
func (p *Pool[T]) Stop(ctx context.Context) (int, error) {
	if !p.started.Load() {
		return 0, ErrNotStarted
	}
	if !p.stopped.CompareAndSwap(false, true) {
		return 0, nil
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return 0, fmt.Errorf("waiting for workers: %w", ctx.Err())
	}

	dropped := 0
	for {
		if _, ok := p.queue.TryPop(); !ok {
			break
		}
		dropped++
	}

	logger.Debug("Worker pool stopped: processed=%d rejected=%d dropped=%d",
		p.processed.Load(), p.rejected.Load(), dropped)
	return dropped, nil
}

// Pending returns the number of queued items.
func (p *Pool[T]) Pending() int {
	return p.queue.Len()
}

// Stats returns processed, rejected and recovered-panic counters.
func (p *Pool[T]) Stats() (processed, rejected, panics uint64) {
	return p.processed.Load(), p.rejected.Load(), p.panics.Load()
}

func (p *Pool[T]) run(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		item, err := p.queue.Pop(ctx)
		if err != nil {
			return
		}
		p.handle(id, item)
	}
}

func (p *Pool[T]) handle(id int, item T) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			logger.Error("Panic in worker %d: %v\n%s", id, r, debug.Stack())
		}
	}()

	p.handler(item)
	p.processed.Add(1)
}
