package logger

import "sync"

// asyncItem is either a rendered line or a flush marker.
type asyncItem struct {
	line string
	done chan struct{}
}

// asyncWriter is a bounded line queue with a single drain goroutine.
//
// Senders hold mu for reading; close takes it for writing before closing the
// queue, so no send can reach a closed channel.
type asyncWriter struct {
	mu      sync.RWMutex
	closed  bool
	queue   chan asyncItem
	stopped chan struct{}
}

func newAsyncWriter(size int) *asyncWriter {
	a := &asyncWriter{
		queue:   make(chan asyncItem, size),
		stopped: make(chan struct{}),
	}
	go a.drain()
	return a
}

func (a *asyncWriter) drain() {
	defer close(a.stopped)

	for item := range a.queue {
		if item.done != nil {
			close(item.done)
			continue
		}
		write(item.line)
	}
}

// enqueue reports false when the queue is full or closed; the caller then
// writes the line directly.
func (a *asyncWriter) enqueue(line string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return false
	}
	select {
	case a.queue <- asyncItem{line: line}:
		return true
	default:
		return false
	}
}

// flush waits for every line queued before it. A closed writer has already
// drained, so there is nothing to wait for.
func (a *asyncWriter) flush() {
	done := make(chan struct{})

	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		<-a.stopped
		return
	}
	a.queue <- asyncItem{done: done}
	a.mu.RUnlock()

	<-done
}

func (a *asyncWriter) close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	<-a.stopped
}
