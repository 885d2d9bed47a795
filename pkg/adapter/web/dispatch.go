//go:build linux

package web

import (
	"time"

	"github.com/marmos91/dittoweb/internal/logger"
	"github.com/marmos91/dittoweb/pkg/httpconn"
)

type taskKind int

const (
	// taskProcess parses bytes the loop already read (proactor).
	taskProcess taskKind = iota
	// taskRead reads and then parses (reactor).
	taskRead
	// taskWrite sends the pending response (reactor).
	taskWrite
)

func (k taskKind) String() string {
	switch k {
	case taskProcess:
		return "process"
	case taskRead:
		return "read"
	default:
		return "write"
	}
}

// task is one unit of worker pool work.
type task struct {
	slot *slot
	gen  uint64
	kind taskKind
}

// onReadable handles read readiness on a client socket.
func (a *WebAdapter) onReadable(s *slot) {
	if a.config.Dispatch == DispatchReactor {
		a.touch(s)
		a.submit(s, taskRead)
		return
	}

	n, err := s.conn.ReadOnce()
	if err != nil {
		logger.Debug("HTTP connection %s closing: read: %v", s.conn.Peer(), err)
		a.close(s)
		return
	}
	if n == 0 {
		a.rearm(s, actionRearmRead)
		return
	}

	a.touch(s)
	a.submit(s, taskProcess)
}

// onWritable handles write readiness on a client socket.
func (a *WebAdapter) onWritable(s *slot) {
	if a.config.Dispatch == DispatchReactor {
		a.touch(s)
		a.submit(s, taskWrite)
		return
	}

	result, err := s.conn.Write()
	a.recordWrite(&s.conn, result, err)

	switch result {
	case httpconn.WriteAgain, httpconn.WriteDone:
		a.touch(s)
		a.rearm(s, actionFor(result.Next()))
	default:
		a.close(s)
	}
}

// submit hands s to the worker pool. A full queue drops the connection.
func (a *WebAdapter) submit(s *slot, kind taskKind) {
	if !s.conn.TryAcquire() {
		logger.Warn("HTTP connection %s already has a task in flight", s.conn.Peer())
		return
	}

	if !a.pool.Submit(task{slot: s, gen: s.conn.Generation(), kind: kind}) {
		s.conn.Release()
		a.metrics.RecordQueueRejected()
		logger.Warn("HTTP connection %s dropped: task queue full (%d pending)", s.conn.Peer(), a.pool.Pending())
		a.close(s)
	}
}

// handleTask runs on a worker goroutine. It works only on the task's
// connection and reports back through the completion queue.
func (a *WebAdapter) handleTask(t task) {
	c := &t.slot.conn
	if c.Generation() != t.gen {
		return
	}

	start := time.Now()
	act := actionClose

	switch t.kind {
	case taskProcess:
		act = a.process(c)

	case taskRead:
		n, err := c.ReadOnce()
		switch {
		case err != nil:
			logger.Debug("HTTP connection %s closing: read: %v", c.Peer(), err)
		case n == 0:
			act = actionRearmRead
		default:
			act = a.process(c)
		}

	case taskWrite:
		result, err := c.Write()
		a.recordWrite(c, result, err)
		act = actionFor(result.Next())
	}

	a.metrics.RecordTaskDuration(t.kind.String(), time.Since(start))
	a.completions.push(completion{slot: t.slot, gen: t.gen, action: act})
}

func (a *WebAdapter) process(c *httpconn.Conn) action {
	outcome, next := c.Process(a.requestCtx)
	if next != httpconn.NextRead {
		logger.Debug("%s %s from %s: %s", c.Method(), c.Target(), c.Peer(), outcome)
	}
	return actionFor(next)
}

func (a *WebAdapter) recordWrite(c *httpconn.Conn, result httpconn.WriteResult, err error) {
	switch result {
	case httpconn.WriteDone, httpconn.WriteClose:
		status, sent := c.LastResponse()
		if status != 0 {
			a.metrics.RecordResponse(status)
		}
		a.metrics.RecordBytesSent(int64(sent))
	case httpconn.WriteFailed:
		logger.Debug("HTTP connection %s closing: write: %v", c.Peer(), err)
	}
}

func actionFor(next httpconn.Next) action {
	switch next {
	case httpconn.NextRead:
		return actionRearmRead
	case httpconn.NextWrite:
		return actionRearmWrite
	default:
		return actionClose
	}
}
