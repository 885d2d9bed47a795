package httpconn

import (
	"bytes"
	"context"
	"strconv"

	"github.com/marmos91/dittoweb/internal/logger"
)

type parseState int

const (
	stateRequestLine parseState = iota
	stateHeaders
	stateBody
)

// LineStatus is the result of scanning for the next line terminator.
type LineStatus int

const (
	LineOK LineStatus = iota
	LineBad
	LineOpen
)

// Outcome is the result of handling the bytes received so far.
type Outcome int

const (
	NoRequest Outcome = iota
	GetRequest
	BadRequest
	NoResource
	ForbiddenRequest
	FileRequest
	InternalError
)

func (o Outcome) String() string {
	switch o {
	case NoRequest:
		return "NO_REQUEST"
	case GetRequest:
		return "GET_REQUEST"
	case BadRequest:
		return "BAD_REQUEST"
	case NoResource:
		return "NO_RESOURCE"
	case ForbiddenRequest:
		return "FORBIDDEN_REQUEST"
	case FileRequest:
		return "FILE_REQUEST"
	case InternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// parseLine scans buf[checkedIdx:readIdx] for the end of the current line.
//
// CRLF ends a line; a bare LF is accepted too. A CR that is the last byte
// received leaves the line open, and a CR followed by anything but LF is
// malformed. On LineOK, lineEnd marks the end of the line content and
// checkedIdx points past the terminator. The scan never goes past readIdx.
func (c *Conn) parseLine() LineStatus {
	for ; c.checkedIdx < c.readIdx; c.checkedIdx++ {
		switch c.readBuf[c.checkedIdx] {
		case '\r':
			if c.checkedIdx+1 == c.readIdx {
				return LineOpen
			}
			if c.readBuf[c.checkedIdx+1] == '\n' {
				c.lineEnd = c.checkedIdx
				c.checkedIdx += 2
				return LineOK
			}
			return LineBad
		case '\n':
			c.lineEnd = c.checkedIdx
			c.checkedIdx++
			return LineOK
		}
	}
	return LineOpen
}

// processRead advances the parser over every complete line received and
// returns the outcome once the request is complete, NoRequest while more
// input is needed.
func (c *Conn) processRead(ctx context.Context) Outcome {
	status := LineOK

	for (c.state == stateBody && status == LineOK) || c.nextLine(&status) {
		switch c.state {
		case stateRequestLine:
			line := span{c.startLine, c.lineEnd}
			c.startLine = c.checkedIdx
			if c.parseRequestLine(line) == BadRequest {
				return c.malformed()
			}

		case stateHeaders:
			line := span{c.startLine, c.lineEnd}
			c.startLine = c.checkedIdx
			switch c.parseHeader(line) {
			case BadRequest:
				return c.malformed()
			case GetRequest:
				return c.doRequest(ctx)
			}

		case stateBody:
			if c.parseContent() == GetRequest {
				return c.doRequest(ctx)
			}
			status = LineOpen
		}
	}

	if status == LineBad {
		return c.malformed()
	}
	if c.readIdx >= len(c.readBuf) {
		logger.Debug("Request from %s exceeds %d bytes", c.peer, len(c.readBuf))
		return c.malformed()
	}
	return NoRequest
}

// nextLine runs the line scanner outside of the body state and reports
// whether a complete line is available.
func (c *Conn) nextLine(status *LineStatus) bool {
	if c.state == stateBody {
		return false
	}
	*status = c.parseLine()
	return *status == LineOK
}

func (c *Conn) malformed() Outcome {
	c.keepAlive = false
	return BadRequest
}

func isSep(b byte) bool { return b == ' ' || b == '\t' }

// parseRequestLine parses "METHOD SP TARGET SP VERSION".
func (c *Conn) parseRequestLine(line span) Outcome {
	buf := c.readBuf[:line.end]
	i := line.start

	mStart := i
	for i < line.end && !isSep(buf[i]) {
		i++
	}
	method := buf[mStart:i]
	for i < line.end && isSep(buf[i]) {
		i++
	}
	if i == line.end {
		return BadRequest
	}

	switch {
	case bytes.EqualFold(method, []byte("GET")):
		c.method = MethodGET
	case bytes.EqualFold(method, []byte("POST")):
		c.method = MethodPOST
		c.form = true
	default:
		return BadRequest
	}

	tStart := i
	for i < line.end && !isSep(buf[i]) {
		i++
	}
	target := span{tStart, i}
	for i < line.end && isSep(buf[i]) {
		i++
	}

	c.version = span{i, line.end}
	if !bytes.EqualFold(buf[c.version.start:c.version.end], []byte("HTTP/1.1")) {
		return BadRequest
	}

	raw := buf[target.start:target.end]
	for _, scheme := range [][]byte{[]byte("http://"), []byte("https://")} {
		if len(raw) >= len(scheme) && bytes.EqualFold(raw[:len(scheme)], scheme) {
			slash := bytes.IndexByte(raw[len(scheme):], '/')
			if slash < 0 {
				return BadRequest
			}
			target.start += len(scheme) + slash
			break
		}
	}

	if target.len() == 0 || buf[target.start] != '/' {
		return BadRequest
	}

	c.target = target
	c.state = stateHeaders
	return NoRequest
}

// parseHeader handles one header line. An empty line ends the header block.
func (c *Conn) parseHeader(line span) Outcome {
	if line.len() == 0 {
		if c.contentLength != 0 {
			c.state = stateBody
			return NoRequest
		}
		return GetRequest
	}

	raw := c.readBuf[line.start:line.end]
	colon := bytes.IndexByte(raw, ':')
	if colon <= 0 {
		logger.Debug("Ignoring header line without name from %s", c.peer)
		return NoRequest
	}

	name := raw[:colon]
	vStart := line.start + colon + 1
	for vStart < line.end && isSep(c.readBuf[vStart]) {
		vStart++
	}
	vEnd := line.end
	for vEnd > vStart && isSep(c.readBuf[vEnd-1]) {
		vEnd--
	}
	value := c.readBuf[vStart:vEnd]

	switch {
	case bytes.EqualFold(name, []byte("Connection")):
		if bytes.EqualFold(value, []byte("keep-alive")) {
			c.keepAlive = true
		}
	case bytes.EqualFold(name, []byte("Content-Length")):
		n, err := strconv.Atoi(string(value))
		if err != nil || n < 0 {
			return BadRequest
		}
		// The whole body has to fit in what is left of the read buffer.
		if n > len(c.readBuf)-c.checkedIdx {
			return BadRequest
		}
		c.contentLength = n
	case bytes.EqualFold(name, []byte("Host")):
		c.host = span{vStart, vEnd}
	default:
		logger.Debug("Unknown header %q from %s", name, c.peer)
	}

	return NoRequest
}

// parseContent checks whether the whole body has arrived.
func (c *Conn) parseContent() Outcome {
	if c.readIdx >= c.checkedIdx+c.contentLength {
		c.body = span{c.checkedIdx, c.checkedIdx + c.contentLength}
		return GetRequest
	}
	return NoRequest
}

// Host returns the Host header value, if any.
func (c *Conn) Host() string {
	return string(c.readBuf[c.host.start:c.host.end])
}
