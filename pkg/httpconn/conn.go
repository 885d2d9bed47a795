// Package httpconn implements the per-connection HTTP request parser and
// response writer.
//
// A Conn owns a fixed read buffer and a fixed write buffer. Bytes are read
// from a non-blocking socket into the read buffer, the parser advances over
// them line by line as more data arrives, and once a request is complete the
// response head is rendered into the write buffer. File bodies are never
// copied: the file is memory-mapped and sent together with the head in one
// scatter write, resuming where it left off when the socket would block.
//
// Parsed request fields are spans (start/end offsets) into the read buffer;
// the buffer itself is never modified by the parser.
//
// Concurrency model:
// A Conn is driven by one goroutine at a time. The event loop guarantees this
// with one-shot readiness interest, and TryAcquire/Release on the Conn make
// the guarantee checkable.
package httpconn

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	// ReadBufferSize bounds the size of a whole request, body included.
	ReadBufferSize = 2048

	// WriteBufferSize bounds the size of a response head plus any inline
	// error body.
	WriteBufferSize = 1024
)

var (
	// ErrPeerClosed is returned by ReadOnce when the peer closed its side.
	ErrPeerClosed = errors.New("peer closed connection")
)

// Method is the request method.
type Method int

const (
	MethodGET Method = iota
	MethodPOST
)

func (m Method) String() string {
	if m == MethodPOST {
		return "POST"
	}
	return "GET"
}

// span is a half-open [start, end) range in the read buffer.
type span struct {
	start, end int
}

func (s span) len() int { return s.end - s.start }

// Conn is the state of one client connection.
type Conn struct {
	fd   int
	peer string
	env  *Env

	gen  atomic.Uint64
	busy atomic.Bool

	readBuf    [ReadBufferSize]byte
	readIdx    int
	checkedIdx int
	startLine  int
	lineEnd    int

	state         parseState
	method        Method
	form          bool
	target        span
	version       span
	host          span
	body          span
	contentLength int
	keepAlive     bool

	realFile string
	fileMap  []byte
	fileSize int

	writeBuf    [WriteBufferSize]byte
	writeIdx    int
	iov         [2][]byte
	iovCount    int
	bytesToSend int
	bytesSent   int
	status      int

	lastStatus int
	lastSent   int
}

// Init prepares c for a freshly accepted socket and returns the new
// generation number of the slot.
func (c *Conn) Init(fd int, peer string, env *Env) uint64 {
	c.fd = fd
	c.peer = peer
	c.env = env
	c.busy.Store(false)
	c.lastStatus = 0
	c.lastSent = 0
	c.Reset()
	return c.gen.Add(1)
}

// Reset returns the parser and writer to their initial state, keeping the
// socket. It is called after every completed keep-alive exchange.
func (c *Conn) Reset() {
	c.readIdx = 0
	c.checkedIdx = 0
	c.startLine = 0
	c.lineEnd = 0

	c.state = stateRequestLine
	c.method = MethodGET
	c.form = false
	c.target = span{}
	c.version = span{}
	c.host = span{}
	c.body = span{}
	c.contentLength = 0
	c.keepAlive = false

	c.realFile = ""
	c.fileSize = 0

	c.writeIdx = 0
	c.iov = [2][]byte{}
	c.iovCount = 0
	c.bytesToSend = 0
	c.bytesSent = 0
	c.status = 0
}

// Close releases the file mapping and closes the socket. The slot's
// generation is bumped so that any late reference to it is recognizably
// stale.
func (c *Conn) Close() error {
	c.unmap()
	c.gen.Add(1)

	if c.fd < 0 {
		return nil
	}
	fd := c.fd
	c.fd = -1
	return unix.Close(fd)
}

// FD returns the socket descriptor, or -1 once closed.
func (c *Conn) FD() int { return c.fd }

// Peer returns the remote address recorded at Init.
func (c *Conn) Peer() string { return c.peer }

// Generation returns the slot's current generation.
func (c *Conn) Generation() uint64 { return c.gen.Load() }

// TryAcquire marks c as being handled and reports false if another handler
// already holds it.
func (c *Conn) TryAcquire() bool { return c.busy.CompareAndSwap(false, true) }

// Release clears the in-progress mark set by TryAcquire.
func (c *Conn) Release() { c.busy.Store(false) }

// Busy reports whether a handler currently holds c.
func (c *Conn) Busy() bool { return c.busy.Load() }

// KeepAlive reports whether the current request asked for a persistent
// connection.
func (c *Conn) KeepAlive() bool { return c.keepAlive }

// Status returns the status code of the last response composed, or 0.
func (c *Conn) Status() int { return c.status }

// BytesSent returns how much of the current response has been written.
func (c *Conn) BytesSent() int { return c.bytesSent }

// Target returns the request target as received.
func (c *Conn) Target() string {
	return string(c.readBuf[c.target.start:c.target.end])
}

// Method returns the request method.
func (c *Conn) Method() Method { return c.method }

// ReadOnce reads whatever is available on the socket into the read buffer
// and returns the number of bytes read.
//
// With a level-triggered environment a single read is performed. With an
// edge-triggered one, reads continue until the socket reports EAGAIN, the
// only point at which the next edge is guaranteed.
//
// A full read buffer is not an error: the parser reports the request as
// malformed. EAGAIN is not an error either.
func (c *Conn) ReadOnce() (int, error) {
	total := 0

	for c.readIdx < len(c.readBuf) {
		n, err := unix.Read(c.fd, c.readBuf[c.readIdx:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			return total, ErrPeerClosed
		}

		c.readIdx += n
		total += n

		if !c.env.EdgeTriggered {
			break
		}
	}

	return total, nil
}

func (c *Conn) unmap() {
	if c.fileMap != nil {
		_ = unix.Munmap(c.fileMap)
		c.fileMap = nil
	}
}
