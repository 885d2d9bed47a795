package httpconn

import (
	"golang.org/x/sys/unix"
)

// WriteResult is the outcome of a Write call.
type WriteResult int

const (
	// WriteDone means the response was sent and the connection was reset for
	// the next keep-alive request.
	WriteDone WriteResult = iota
	// WriteAgain means the socket would block; counters are preserved and
	// the caller should wait for write readiness.
	WriteAgain
	// WriteClose means the response was sent and the connection is not
	// persistent.
	WriteClose
	// WriteFailed means the socket returned a hard error.
	WriteFailed
)

func (r WriteResult) String() string {
	switch r {
	case WriteDone:
		return "done"
	case WriteAgain:
		return "again"
	case WriteClose:
		return "close"
	default:
		return "failed"
	}
}

// Next maps r to the follow-up action for the event loop.
func (r WriteResult) Next() Next {
	switch r {
	case WriteDone:
		return NextRead
	case WriteAgain:
		return NextWrite
	default:
		return NextClose
	}
}

// Write sends as much of the pending response as the socket accepts.
//
// The response is a head segment in the write buffer and an optional file
// segment in the mapping. After each partial write the segments are
// re-sliced so the next call resumes exactly after the last byte sent. The
// mapping is released once the whole response is out or on a hard error.
func (c *Conn) Write() (WriteResult, error) {
	if c.bytesToSend == 0 {
		c.finish()
		c.Reset()
		return WriteDone, nil
	}

	for {
		n, err := unix.Writev(c.fd, c.iov[:c.iovCount])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return WriteAgain, nil
			}
			c.unmap()
			return WriteFailed, err
		}

		c.advance(n)

		if c.bytesToSend <= 0 {
			c.unmap()
			c.finish()
			if c.keepAlive {
				c.Reset()
				return WriteDone, nil
			}
			return WriteClose, nil
		}
	}
}

// finish records the response that just went out, since Reset clears the
// per-request counters.
func (c *Conn) finish() {
	c.lastStatus = c.status
	c.lastSent = c.bytesSent
}

// LastResponse returns the status code and byte count of the most recently
// completed response.
func (c *Conn) LastResponse() (status, bytes int) {
	return c.lastStatus, c.lastSent
}

// advance accounts for n more bytes written and re-slices the segments.
func (c *Conn) advance(n int) {
	c.bytesSent += n
	c.bytesToSend -= n

	head := c.writeIdx
	if c.bytesSent >= head {
		c.iov[0] = c.iov[0][:0]
		if c.iovCount == 2 {
			c.iov[1] = c.fileMap[c.bytesSent-head:]
		}
		return
	}
	c.iov[0] = c.writeBuf[c.bytesSent:head]
}
