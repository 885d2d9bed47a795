//go:build linux

package web

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// action is what a worker asks the loop to do with a connection once its
// task is finished.
type action int

const (
	actionRearmRead action = iota
	actionRearmWrite
	actionClose
)

func (a action) String() string {
	switch a {
	case actionRearmRead:
		return "rearm-read"
	case actionRearmWrite:
		return "rearm-write"
	default:
		return "close"
	}
}

// completion reports a finished task. gen is the slot generation the task
// was issued for; a mismatch means the slot has since been reused.
type completion struct {
	slot   *slot
	gen    uint64
	action action
}

// completionQueue carries completions from workers back to the loop. Every
// push bumps an eventfd counter so the loop wakes from epoll_wait.
type completionQueue struct {
	mu    sync.Mutex
	items []completion
	spare []completion

	efd int
	one [8]byte
}

func newCompletionQueue() (*completionQueue, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	q := &completionQueue{efd: efd}
	binary.NativeEndian.PutUint64(q.one[:], 1)
	return q, nil
}

func (q *completionQueue) push(c completion) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()

	for {
		_, err := unix.Write(q.efd, q.one[:])
		if err != unix.EINTR {
			// EAGAIN means the counter is saturated, which still reads as
			// readable.
			return
		}
	}
}

// drain resets the eventfd counter and returns everything queued so far.
// The returned slice is valid until the next drain.
func (q *completionQueue) drain() []completion {
	var buf [8]byte
	_, _ = unix.Read(q.efd, buf[:])

	q.mu.Lock()
	out := q.items
	q.items = q.spare[:0]
	q.spare = out
	q.mu.Unlock()
	return out
}

func (q *completionQueue) close() error {
	return unix.Close(q.efd)
}
