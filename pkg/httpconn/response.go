package httpconn

import (
	"context"
	"fmt"
)

const (
	title200 = "OK"
	title403 = "Forbidden"
	error403 = "You do not have permission to get file form this server.\n"
	title404 = "Not Found"
	error404 = "The requested file was not found on this server.\n"
	title500 = "Internal Error"
	error500 = "There was an unusual problem serving the request file.\n"

	emptyPage = "<html><body></body></html>"
)

// Next tells the event loop what to do with the socket after a Process or
// Write call.
type Next int

const (
	// NextRead rearms read interest.
	NextRead Next = iota
	// NextWrite rearms write interest.
	NextWrite
	// NextClose tears the connection down.
	NextClose
)

func (n Next) String() string {
	switch n {
	case NextRead:
		return "read"
	case NextWrite:
		return "write"
	default:
		return "close"
	}
}

// Process parses the bytes received so far and, once a request is complete,
// composes its response.
//
// It returns NextRead while more input is needed, NextWrite when a response
// is ready to send and NextClose when the response could not be composed.
func (c *Conn) Process(ctx context.Context) (Outcome, Next) {
	outcome := c.processRead(ctx)
	if outcome == NoRequest {
		return outcome, NextRead
	}

	if !c.processWrite(outcome) {
		c.unmap()
		return outcome, NextClose
	}
	return outcome, NextWrite
}

// processWrite renders the response for outcome into the write buffer and
// sets up the scatter segments.
func (c *Conn) processWrite(outcome Outcome) bool {
	switch outcome {
	case InternalError:
		return c.errorResponse(500, title500, error500)
	case BadRequest:
		// Malformed requests and directory targets are both answered as 404.
		return c.errorResponse(404, title404, error404)
	case NoResource:
		return c.errorResponse(404, title404, error404)
	case ForbiddenRequest:
		return c.errorResponse(403, title403, error403)
	case FileRequest:
		if !c.addStatusLine(200, title200) {
			return false
		}
		if c.fileSize == 0 {
			return c.addHeaders(len(emptyPage)) && c.addContent(emptyPage) && c.singleSegment()
		}
		if !c.addHeaders(c.fileSize) {
			return false
		}
		c.iov[0] = c.writeBuf[:c.writeIdx]
		c.iov[1] = c.fileMap
		c.iovCount = 2
		c.bytesToSend = c.writeIdx + c.fileSize
		return true
	default:
		return false
	}
}

func (c *Conn) errorResponse(code int, title, body string) bool {
	return c.addStatusLine(code, title) &&
		c.addHeaders(len(body)) &&
		c.addContent(body) &&
		c.singleSegment()
}

func (c *Conn) singleSegment() bool {
	c.iov[0] = c.writeBuf[:c.writeIdx]
	c.iov[1] = nil
	c.iovCount = 1
	c.bytesToSend = c.writeIdx
	return true
}

// addResponse appends formatted text to the write buffer. It fails, leaving
// the buffer unchanged, if the text does not fit.
func (c *Conn) addResponse(format string, args ...any) bool {
	if c.writeIdx >= len(c.writeBuf) {
		return false
	}

	free := c.writeBuf[c.writeIdx:c.writeIdx:len(c.writeBuf)]
	out := fmt.Appendf(free, format, args...)
	if len(out) > cap(free) {
		return false
	}

	c.writeIdx += len(out)
	return true
}

func (c *Conn) addStatusLine(code int, title string) bool {
	c.status = code
	return c.addResponse("HTTP/1.1 %d %s\r\n", code, title)
}

func (c *Conn) addHeaders(contentLength int) bool {
	return c.addContentLength(contentLength) && c.addLinger() && c.addBlankLine()
}

func (c *Conn) addContentLength(n int) bool {
	return c.addResponse("Content-Length:%d\r\n", n)
}

func (c *Conn) addLinger() bool {
	if c.keepAlive {
		return c.addResponse("Connection:%s\r\n", "keep-alive")
	}
	return c.addResponse("Connection:%s\r\n", "close")
}

func (c *Conn) addBlankLine() bool {
	return c.addResponse("%s", "\r\n")
}

func (c *Conn) addContent(content string) bool {
	return c.addResponse("%s", content)
}
