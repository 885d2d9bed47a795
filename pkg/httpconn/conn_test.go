package httpconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeAuth is an in-memory Authenticator.
type fakeAuth struct {
	mu    sync.Mutex
	users map[string]string
}

func (a *fakeAuth) Login(_ context.Context, name, password string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pw, ok := a.users[name]
	return ok && pw == password, nil
}

func (a *fakeAuth) Register(_ context.Context, name, password string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[name]; ok {
		return errors.New("exists")
	}
	a.users[name] = password
	return nil
}

func newDocRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	pages := map[string]string{
		PageIndex:         "<html>judge</html>",
		PageRegister:      "<html>register</html>",
		PageLogin:         "<html>log</html>",
		PageWelcome:       "<html>welcome</html>",
		PageLoginError:    "<html>logError</html>",
		PageRegisterError: "<html>registerError</html>",
		PagePicture:       "<html>picture</html>",
	}
	for name, body := range pages {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(body), 0644))
	}

	require.NoError(t, os.WriteFile(filepath.Join(root, "empty.html"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.html"), []byte("x"), 0644))
	require.NoError(t, os.Chmod(filepath.Join(root, "secret.html"), 0600))
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0755))
	return root
}

type harness struct {
	t    *testing.T
	conn *Conn
	peer int
	env  *Env
}

func newHarness(t *testing.T, env *Env) *harness {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))

	c := &Conn{}
	c.Init(fds[0], "test-peer", env)

	t.Cleanup(func() {
		_ = c.Close()
		_ = unix.Close(fds[1])
	})
	return &harness{t: t, conn: c, peer: fds[1], env: env}
}

func (h *harness) send(s string) {
	h.t.Helper()
	_, err := unix.Write(h.peer, []byte(s))
	require.NoError(h.t, err)
}

// roundTrip sends req, drives the connection until the response is out and
// returns what the peer received.
func (h *harness) roundTrip(req string) (Outcome, WriteResult, string) {
	h.t.Helper()

	h.send(req)
	_, err := h.conn.ReadOnce()
	require.NoError(h.t, err)

	outcome, next := h.conn.Process(context.Background())
	require.Equal(h.t, NextWrite, next, "outcome %v", outcome)

	res, err := h.conn.Write()
	require.NoError(h.t, err)

	return outcome, res, h.recv()
}

func (h *harness) recv() string {
	h.t.Helper()

	require.NoError(h.t, unix.SetNonblock(h.peer, true))
	defer func() { _ = unix.SetNonblock(h.peer, false) }()

	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(h.peer, buf)
		if n > 0 {
			out.Write(buf[:n])
			continue
		}
		if err == unix.EAGAIN || n == 0 {
			return out.String()
		}
		require.NoError(h.t, err)
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    LineStatus
		checked int
	}{
		{"crlf", "GET / HTTP/1.1\r\nHost", LineOK, 16},
		{"bare lf", "abc\nrest", LineOK, 4},
		{"cr at end", "abc\r", LineOpen, 3},
		{"cr then junk", "abc\rx", LineBad, 3},
		{"no terminator", "abcdef", LineOpen, 6},
		{"empty", "", LineOpen, 0},
		{"blank line", "\r\n", LineOK, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Conn{}
			c.Reset()
			c.readIdx = copy(c.readBuf[:], tt.input)

			assert.Equal(t, tt.want, c.parseLine())
			assert.Equal(t, tt.checked, c.checkedIdx)
			assert.LessOrEqual(t, c.checkedIdx, c.readIdx)
		})
	}
}

func TestParseLineResumesAfterOpenCR(t *testing.T) {
	c := &Conn{}
	c.Reset()
	c.readIdx = copy(c.readBuf[:], "abc\r")
	require.Equal(t, LineOpen, c.parseLine())

	c.readIdx += copy(c.readBuf[c.readIdx:], "\n")
	require.Equal(t, LineOK, c.parseLine())
	assert.Equal(t, 3, c.lineEnd)
	assert.Equal(t, 5, c.checkedIdx)
}

func TestGetKeepAlive(t *testing.T) {
	h := newHarness(t, &Env{DocRoot: newDocRoot(t)})

	outcome, res, resp := h.roundTrip("GET /judge.html HTTP/1.1\r\nHost: x\r\nConnection: keep-alive\r\n\r\n")

	assert.Equal(t, FileRequest, outcome)
	assert.Equal(t, WriteDone, res)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length:18\r\nConnection:keep-alive\r\n\r\n<html>judge</html>", resp)

	// The connection was reset and serves a second request.
	outcome, res, resp = h.roundTrip("GET / HTTP/1.1\r\n\r\n")
	assert.Equal(t, FileRequest, outcome)
	assert.Equal(t, WriteClose, res)
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, resp, "Connection:close\r\n")
	assert.True(t, strings.HasSuffix(resp, "<html>judge</html>"))
}

func TestIncrementalRequest(t *testing.T) {
	h := newHarness(t, &Env{DocRoot: newDocRoot(t)})
	ctx := context.Background()

	for _, part := range []string{"GE", "T /judge.html HT", "TP/1.1\r", "\nHost: x\r\n", "\r"} {
		h.send(part)
		_, err := h.conn.ReadOnce()
		require.NoError(t, err)

		outcome, next := h.conn.Process(ctx)
		require.Equal(t, NoRequest, outcome, "after %q", part)
		require.Equal(t, NextRead, next)
	}

	h.send("\n")
	_, err := h.conn.ReadOnce()
	require.NoError(t, err)
	outcome, next := h.conn.Process(ctx)
	assert.Equal(t, FileRequest, outcome)
	assert.Equal(t, NextWrite, next)
}

func TestMalformedRequests(t *testing.T) {
	tests := []struct {
		name string
		req  string
	}{
		{"unknown method", "NOTAVERB /x HTTP/1.1\r\n\r\n"},
		{"wrong version", "GET /judge.html HTTP/1.0\r\n\r\n"},
		{"relative target", "GET judge.html HTTP/1.1\r\n\r\n"},
		{"missing target", "GET\r\n\r\n"},
		{"cr without lf", "GET /judge.html HTTP/1.1\rX\r\n\r\n"},
		{"bad content length", "POST /2 HTTP/1.1\r\nContent-Length: nope\r\n\r\n"},
		{"parent traversal", "GET /../etc/passwd HTTP/1.1\r\nConnection: keep-alive\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &Env{DocRoot: newDocRoot(t)})

			outcome, res, resp := h.roundTrip(tt.req)
			assert.Equal(t, BadRequest, outcome)
			assert.Equal(t, WriteClose, res)
			assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 404 Not Found\r\n"), resp)
			assert.Contains(t, resp, "Connection:close\r\n")
			assert.True(t, strings.HasSuffix(resp, error404))
		})
	}
}

func TestOversizedRequest(t *testing.T) {
	h := newHarness(t, &Env{DocRoot: newDocRoot(t)})

	h.send("GET /" + strings.Repeat("a", ReadBufferSize))
	_, err := h.conn.ReadOnce()
	require.NoError(t, err)

	outcome, next := h.conn.Process(context.Background())
	assert.Equal(t, BadRequest, outcome)
	assert.Equal(t, NextWrite, next)
	assert.Equal(t, 404, h.conn.Status())
}

func TestResourceOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		outcome Outcome
		status  string
		result  WriteResult
	}{
		{"missing", "/nope.html", NoResource, "404 Not Found", WriteDone},
		{"not world readable", "/secret.html", ForbiddenRequest, "403 Forbidden", WriteDone},
		{"directory", "/dir", BadRequest, "404 Not Found", WriteDone},
		{"absolute url", "http://example.com/judge.html", FileRequest, "200 OK", WriteDone},
		{"route 5", "/5", FileRequest, "200 OK", WriteDone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &Env{DocRoot: newDocRoot(t)})

			req := fmt.Sprintf("GET %s HTTP/1.1\r\nConnection: keep-alive\r\n\r\n", tt.target)
			outcome, res, resp := h.roundTrip(req)

			assert.Equal(t, tt.outcome, outcome)
			assert.Equal(t, tt.result, res)
			assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 "+tt.status+"\r\n"), resp)
			assert.Contains(t, resp, "Connection:keep-alive\r\n")
		})
	}
}

func TestRoutePictureServesPage(t *testing.T) {
	h := newHarness(t, &Env{DocRoot: newDocRoot(t)})
	_, _, resp := h.roundTrip("GET /5 HTTP/1.1\r\n\r\n")
	assert.True(t, strings.HasSuffix(resp, "<html>picture</html>"))
}

func TestEmptyFile(t *testing.T) {
	h := newHarness(t, &Env{DocRoot: newDocRoot(t)})

	outcome, _, resp := h.roundTrip("GET /empty.html HTTP/1.1\r\n\r\n")
	assert.Equal(t, FileRequest, outcome)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length:26\r\nConnection:close\r\n\r\n"+emptyPage, resp)
}

func TestForms(t *testing.T) {
	auth := &fakeAuth{users: map[string]string{"alice": "pw"}}

	tests := []struct {
		name string
		path string
		body string
		page string
	}{
		{"login ok", "/2CGISQL.cgi", "user=alice&password=pw", "welcome"},
		{"login wrong password", "/2CGISQL.cgi", "user=alice&password=nope", "logError"},
		{"login unknown user", "/2CGISQL.cgi", "user=zed&password=pw", "logError"},
		{"register existing", "/3CGISQL.cgi", "user=alice&password=x", "registerError"},
		{"register new", "/3CGISQL.cgi", "user=bob&password=x", "log"},
		{"register malformed body", "/3CGISQL.cgi", "garbage", "registerError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &Env{DocRoot: newDocRoot(t), Auth: auth})

			req := fmt.Sprintf("POST %s HTTP/1.1\r\nContent-Length: %d\r\n\r\n%s", tt.path, len(tt.body), tt.body)
			outcome, _, resp := h.roundTrip(req)

			assert.Equal(t, FileRequest, outcome)
			assert.True(t, strings.HasSuffix(resp, "<html>"+tt.page+"</html>"), resp)
		})
	}

	ok, _ := auth.Login(context.Background(), "bob", "x")
	assert.True(t, ok, "registration reached the authenticator")
}

func TestBodyAcrossReads(t *testing.T) {
	auth := &fakeAuth{users: map[string]string{"alice": "pw"}}
	h := newHarness(t, &Env{DocRoot: newDocRoot(t), Auth: auth})
	ctx := context.Background()

	body := "user=alice&password=pw"
	h.send(fmt.Sprintf("POST /2 HTTP/1.1\r\nContent-Length: %d\r\n\r\nuser=al", len(body)))
	_, err := h.conn.ReadOnce()
	require.NoError(t, err)
	outcome, _ := h.conn.Process(ctx)
	require.Equal(t, NoRequest, outcome)

	h.send(body[len("user=al"):])
	_, err = h.conn.ReadOnce()
	require.NoError(t, err)
	outcome, next := h.conn.Process(ctx)
	assert.Equal(t, FileRequest, outcome)
	assert.Equal(t, NextWrite, next)
}

func TestFormWithoutAuthenticator(t *testing.T) {
	h := newHarness(t, &Env{DocRoot: newDocRoot(t)})
	_, _, resp := h.roundTrip("POST /2 HTTP/1.1\r\nContent-Length: 13\r\n\r\nuser=a&pass=b")
	assert.True(t, strings.HasSuffix(resp, "<html>logError</html>"))
}

func TestPartialWritesResume(t *testing.T) {
	root := newDocRoot(t)
	content := bytes.Repeat([]byte("0123456789abcdef"), 64*1024) // 1 MiB
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), content, 0644))

	h := newHarness(t, &Env{DocRoot: root})
	require.NoError(t, unix.SetsockoptInt(h.conn.FD(), unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))

	h.send("GET /big.bin HTTP/1.1\r\n\r\n")
	_, err := h.conn.ReadOnce()
	require.NoError(t, err)
	outcome, next := h.conn.Process(context.Background())
	require.Equal(t, FileRequest, outcome)
	require.Equal(t, NextWrite, next)

	received := make(chan []byte, 1)
	go func() {
		var data []byte
		buf := make([]byte, 64*1024)
		for {
			n, err := unix.Read(h.peer, buf)
			if n <= 0 || err != nil {
				break
			}
			data = append(data, buf[:n]...)
		}
		received <- data
	}()

	again := 0
	deadline := time.Now().Add(10 * time.Second)
	for {
		res, err := h.conn.Write()
		require.NoError(t, err)
		if res == WriteClose {
			break
		}
		require.Equal(t, WriteAgain, res)
		again++
		require.True(t, time.Now().Before(deadline), "write did not finish")
		time.Sleep(time.Millisecond)
	}
	assert.Greater(t, again, 0, "socket buffer should force partial writes")

	require.NoError(t, h.conn.Close())
	data := <-received

	head := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length:%d\r\nConnection:close\r\n\r\n", len(content))
	require.Equal(t, len(head)+len(content), len(data))
	assert.Equal(t, head, string(data[:len(head)]))
	assert.True(t, bytes.Equal(content, data[len(head):]))

	status, sent := h.conn.LastResponse()
	assert.Equal(t, 200, status)
	assert.Equal(t, len(data), sent)
}

func TestReadOncePeerClosed(t *testing.T) {
	h := newHarness(t, &Env{DocRoot: t.TempDir()})
	require.NoError(t, unix.Shutdown(h.peer, unix.SHUT_WR))

	_, err := h.conn.ReadOnce()
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestReadOnceEdgeTriggeredDrains(t *testing.T) {
	h := newHarness(t, &Env{DocRoot: t.TempDir(), EdgeTriggered: true})

	h.send("GET / HTTP/1.1\r\n")
	h.send("Host: x\r\n\r\n")

	n, err := h.conn.ReadOnce()
	require.NoError(t, err)
	assert.Equal(t, len("GET / HTTP/1.1\r\nHost: x\r\n\r\n"), n)
}

func TestReadOnceWouldBlock(t *testing.T) {
	h := newHarness(t, &Env{DocRoot: t.TempDir()})

	n, err := h.conn.ReadOnce()
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestAcquireRelease(t *testing.T) {
	c := &Conn{}
	gen := c.Init(-1, "", &Env{})

	require.True(t, c.TryAcquire())
	assert.False(t, c.TryAcquire(), "second handler is refused")
	c.Release()
	assert.True(t, c.TryAcquire())

	require.NoError(t, c.Close())
	assert.Greater(t, c.Generation(), gen)
}
