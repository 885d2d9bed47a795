//go:build linux

package web

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittoweb/pkg/httpconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pages = map[string]string{
	"judge.html":         "<html>judge</html>",
	"log.html":           "<html>login</html>",
	"welcome.html":       "<html>welcome</html>",
	"logError.html":      "<html>login failed</html>",
	"register.html":      "<html>register</html>",
	"registerError.html": "<html>register failed</html>",
}

type fakeAuth struct {
	mu    sync.Mutex
	users map[string]string
}

func (f *fakeAuth) Login(_ context.Context, name, password string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pw, ok := f.users[name]
	return ok && pw == password, nil
}

func (f *fakeAuth) Register(_ context.Context, name, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[name]; ok {
		return fmt.Errorf("user %s exists", name)
	}
	f.users[name] = password
	return nil
}

func newDocRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range pages {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dir"), 0755))
	return dir
}

// gatedAuth blocks every Login until release is closed, so a test can hold
// a worker busy for as long as it needs.
type gatedAuth struct {
	entered chan struct{}
	release chan struct{}
}

func newGatedAuth(t *testing.T) *gatedAuth {
	g := &gatedAuth{entered: make(chan struct{}, 16), release: make(chan struct{})}
	t.Cleanup(g.open)
	return g
}

func (g *gatedAuth) Login(ctx context.Context, name, password string) (bool, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return name == "alice" && password == "secret", nil
}

func (g *gatedAuth) Register(context.Context, string, string) error {
	return nil
}

func (g *gatedAuth) open() {
	select {
	case <-g.release:
	default:
		close(g.release)
	}
}

func (g *gatedAuth) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("login never reached the authenticator")
	}
}

// startAdapter runs an adapter on an ephemeral port and stops it when the
// test ends.
func startAdapter(t *testing.T, cfg WebConfig) *WebAdapter {
	t.Helper()
	return startAdapterWithAuth(t, cfg, &fakeAuth{users: map[string]string{"alice": "secret"}})
}

func startAdapterWithAuth(t *testing.T, cfg WebConfig, auth httpconn.Authenticator) *WebAdapter {
	t.Helper()

	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 64
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}

	env := &httpconn.Env{
		DocRoot: newDocRoot(t),
		Auth:    auth,
	}
	a := New(cfg, env, nil)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- a.Serve(ctx) }()

	select {
	case <-a.Ready():
	case err := <-served:
		cancel()
		t.Fatalf("Serve returned before listening: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("adapter did not start listening")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("adapter did not stop")
		}
	})
	return a
}

func dial(t *testing.T, a *WebAdapter) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(a.Port())))
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// exchange sends raw and reads one response.
func exchange(t *testing.T, conn net.Conn, r *bufio.Reader, raw string) (*http.Response, string) {
	t.Helper()

	_, err := io.WriteString(conn, raw)
	require.NoError(t, err)

	resp, err := http.ReadResponse(r, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, string(body)
}

func expectClosed(t *testing.T, r *bufio.Reader) {
	t.Helper()
	_, err := r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

// expectDropped asserts the server closed conn without sending anything.
// Unread request bytes on the server side turn the close into a reset.
func expectDropped(t *testing.T, conn net.Conn) {
	t.Helper()
	data, err := io.ReadAll(conn)
	assert.Empty(t, data)
	if err != nil {
		assert.Contains(t, err.Error(), "reset")
	}
}

const loginForm = "user=alice&password=secret"

func sendLogin(t *testing.T, conn net.Conn) {
	t.Helper()
	_, err := fmt.Fprintf(conn, "POST /2CGISQL.cgi HTTP/1.1\r\nContent-Length: %d\r\n\r\n%s",
		len(loginForm), loginForm)
	require.NoError(t, err)
}

func modes() []WebConfig {
	var out []WebConfig
	for _, dispatch := range []string{DispatchProactor, DispatchReactor} {
		for _, trig := range []string{TriggerLevel, TriggerEdge} {
			out = append(out, WebConfig{Dispatch: dispatch, ListenTrigger: trig, ConnTrigger: trig})
		}
	}
	return out
}

func modeName(c WebConfig) string {
	return c.Dispatch + "/" + c.ConnTrigger
}

func TestServeKeepAlive(t *testing.T) {
	for _, cfg := range modes() {
		t.Run(modeName(cfg), func(t *testing.T) {
			a := startAdapter(t, cfg)
			conn := dial(t, a)
			r := bufio.NewReader(conn)

			for i := 0; i < 3; i++ {
				resp, body := exchange(t, conn, r,
					"GET /judge.html HTTP/1.1\r\nHost: x\r\nConnection: keep-alive\r\n\r\n")
				assert.Equal(t, http.StatusOK, resp.StatusCode)
				assert.Equal(t, int64(len(pages["judge.html"])), resp.ContentLength)
				assert.Equal(t, pages["judge.html"], body)
				assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
			}

			assert.Equal(t, int32(1), a.GetActiveConnections())
		})
	}
}

func TestServeRootMapsToIndex(t *testing.T) {
	a := startAdapter(t, WebConfig{})
	conn := dial(t, a)
	r := bufio.NewReader(conn)

	resp, body := exchange(t, conn, r, "GET / HTTP/1.1\r\n\r\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, pages["judge.html"], body)
	assert.True(t, resp.Close, "response must carry Connection: close")
	expectClosed(t, r)
}

func TestServeMalformedClosesConnection(t *testing.T) {
	for _, cfg := range modes() {
		t.Run(modeName(cfg), func(t *testing.T) {
			a := startAdapter(t, cfg)
			conn := dial(t, a)
			r := bufio.NewReader(conn)

			resp, _ := exchange(t, conn, r, "NOTAVERB /x HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.True(t, resp.Close, "response must carry Connection: close")
			expectClosed(t, r)

			require.Eventually(t, func() bool { return a.GetActiveConnections() == 0 },
				2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestServeMissingAndDirectory(t *testing.T) {
	a := startAdapter(t, WebConfig{Dispatch: DispatchReactor})
	conn := dial(t, a)
	r := bufio.NewReader(conn)

	resp, _ := exchange(t, conn, r, "GET /nope.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = exchange(t, conn, r, "GET /dir HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := exchange(t, conn, r, "GET /0 HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, pages["register.html"], body)
}

func TestServeForms(t *testing.T) {
	tests := []struct {
		name   string
		target string
		form   string
		want   string
	}{
		{"login ok", "/2CGISQL.cgi", "user=alice&password=secret", "welcome.html"},
		{"login wrong password", "/2CGISQL.cgi", "user=alice&password=nope", "logError.html"},
		{"register new", "/3CGISQL.cgi", "user=bob&password=pw", "log.html"},
		{"register existing", "/3CGISQL.cgi", "user=alice&password=pw", "registerError.html"},
	}

	for _, dispatch := range []string{DispatchProactor, DispatchReactor} {
		t.Run(dispatch, func(t *testing.T) {
			a := startAdapter(t, WebConfig{Dispatch: dispatch})

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					conn := dial(t, a)
					r := bufio.NewReader(conn)

					req := fmt.Sprintf("POST %s HTTP/1.1\r\nContent-Length: %d\r\n\r\n%s",
						tt.target, len(tt.form), tt.form)
					resp, body := exchange(t, conn, r, req)
					assert.Equal(t, http.StatusOK, resp.StatusCode)
					assert.Equal(t, pages[tt.want], body)
				})
			}
		})
	}
}

func TestServeRequestInPieces(t *testing.T) {
	a := startAdapter(t, WebConfig{})
	conn := dial(t, a)
	r := bufio.NewReader(conn)

	for _, part := range []string{"GET /judge", ".html HTTP/1.1\r\n", "Host: x\r\n"} {
		_, err := io.WriteString(conn, part)
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
	}

	resp, body := exchange(t, conn, r, "\r\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, pages["judge.html"], body)
}

func TestServeRejectsWhenFull(t *testing.T) {
	a := startAdapter(t, WebConfig{MaxConnections: 1})

	first := dial(t, a)
	require.Eventually(t, func() bool { return a.GetActiveConnections() == 1 },
		2*time.Second, 10*time.Millisecond)

	second := dial(t, a)
	data, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.Equal(t, busyMessage, string(data))

	r := bufio.NewReader(first)
	resp, _ := exchange(t, first, r, "GET /judge.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeAcceptRateLimit(t *testing.T) {
	a := startAdapter(t, WebConfig{AcceptRate: 0.001, AcceptBurst: 1})

	first := dial(t, a)
	require.Eventually(t, func() bool { return a.GetActiveConnections() == 1 },
		2*time.Second, 10*time.Millisecond)

	second := dial(t, a)
	data, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.Equal(t, busyMessage, string(data))

	_ = first
}

func TestServeEvictsIdleConnections(t *testing.T) {
	for _, dispatch := range []string{DispatchProactor, DispatchReactor} {
		t.Run(dispatch, func(t *testing.T) {
			a := startAdapter(t, WebConfig{
				Dispatch:  dispatch,
				Timeslot:  50 * time.Millisecond,
				IdleTicks: 2,
			})

			conn := dial(t, a)
			require.Eventually(t, func() bool { return a.GetActiveConnections() == 1 },
				2*time.Second, 5*time.Millisecond)

			require.Eventually(t, func() bool { return a.GetActiveConnections() == 0 },
				2*time.Second, 10*time.Millisecond)

			expectClosed(t, bufio.NewReader(conn))
		})
	}
}

func TestServeDefersEvictionOfBusyConnection(t *testing.T) {
	for _, dispatch := range []string{DispatchProactor, DispatchReactor} {
		t.Run(dispatch, func(t *testing.T) {
			auth := newGatedAuth(t)
			a := startAdapterWithAuth(t, WebConfig{
				Dispatch:  dispatch,
				Workers:   1,
				Timeslot:  50 * time.Millisecond,
				IdleTicks: 2,
			}, auth)

			conn := dial(t, a)
			sendLogin(t, conn)
			auth.waitEntered(t)

			// Several sweeps pass while the worker holds the connection.
			time.Sleep(300 * time.Millisecond)
			assert.Equal(t, int32(1), a.GetActiveConnections())

			auth.open()
			expectDropped(t, conn)
			require.Eventually(t, func() bool { return a.GetActiveConnections() == 0 },
				2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestServeDropsConnectionWhenQueueFull(t *testing.T) {
	for _, dispatch := range []string{DispatchProactor, DispatchReactor} {
		t.Run(dispatch, func(t *testing.T) {
			auth := newGatedAuth(t)
			a := startAdapterWithAuth(t, WebConfig{
				Dispatch:    dispatch,
				Workers:     1,
				MaxRequests: 1,
			}, auth)

			busy := dial(t, a)
			sendLogin(t, busy)
			auth.waitEntered(t)

			queued := dial(t, a)
			sendLogin(t, queued)
			require.Eventually(t, func() bool { return a.pool.Pending() == 1 },
				2*time.Second, 5*time.Millisecond)

			var dropped []net.Conn
			for i := 0; i < 2; i++ {
				conn := dial(t, a)
				sendLogin(t, conn)
				dropped = append(dropped, conn)
			}
			for _, conn := range dropped {
				expectDropped(t, conn)
			}

			auth.open()
			for _, conn := range []net.Conn{busy, queued} {
				resp, body := exchange(t, conn, bufio.NewReader(conn), "")
				assert.Equal(t, http.StatusOK, resp.StatusCode)
				assert.Equal(t, pages["welcome.html"], body)
			}

			require.Eventually(t, func() bool { return a.GetActiveConnections() == 0 },
				2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestServePeerHangup(t *testing.T) {
	a := startAdapter(t, WebConfig{})

	conn := dial(t, a)
	require.Eventually(t, func() bool { return a.GetActiveConnections() == 1 },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return a.GetActiveConnections() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestStop(t *testing.T) {
	a := New(WebConfig{ShutdownTimeout: time.Second, Workers: 1, MaxRequests: 4},
		&httpconn.Env{DocRoot: newDocRoot(t)}, nil)

	served := make(chan error, 1)
	go func() { served <- a.Serve(context.Background()) }()
	<-a.Ready()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(a.Port())))
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return a.GetActiveConnections() == 1 },
		2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
	require.NoError(t, <-served)

	assert.Equal(t, int32(0), a.GetActiveConnections())
	assert.NoError(t, a.Stop(ctx), "second Stop is a no-op")

	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.True(t, err == io.EOF || strings.Contains(err.Error(), "reset"), "got %v", err)
}

func TestStopBeforeServe(t *testing.T) {
	a := New(WebConfig{}, &httpconn.Env{DocRoot: t.TempDir()}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = a.Stop(ctx)

	assert.NoError(t, a.Serve(context.Background()))
}

func TestProtocolAndPort(t *testing.T) {
	a := startAdapter(t, WebConfig{})
	assert.Equal(t, "HTTP", a.Protocol())
	assert.NotZero(t, a.Port())
}
