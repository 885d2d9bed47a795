//go:build linux

package web

import (
	"context"
	"fmt"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittoweb/internal/logger"
	"github.com/marmos91/dittoweb/internal/ratelimiter"
	"github.com/marmos91/dittoweb/pkg/httpconn"
	"github.com/marmos91/dittoweb/pkg/metrics"
	"github.com/marmos91/dittoweb/pkg/timer"
	"github.com/marmos91/dittoweb/pkg/workerpool"
	"golang.org/x/sys/unix"
)

// WebAdapter is an epoll-driven HTTP/1.1 server for static pages and the
// login/registration forms.
//
// Architecture:
// One goroutine, locked to its OS thread, owns the epoll instance, the
// listening socket, the connection table and the idle-timer registry. It
// accepts clients, watches readiness and hands work to a fixed worker pool.
// Workers never touch epoll and never close sockets: when a task finishes
// they push a completion onto a queue and poke an eventfd, and the loop
// applies it (rearm read, rearm write or close).
//
// Connection slots are indexed by file descriptor and carry a generation
// number bumped on every open and close. Tasks and completions carry the
// generation they were issued for, so a late completion for a descriptor
// number that has since been reused is recognized and dropped.
//
// Shutdown flow:
//  1. ctx cancelled, Stop called, or SIGTERM/SIGINT received
//  2. the loop leaves its wait and stops accepting
//  3. the worker pool drains (bounded by ShutdownTimeout)
//  4. every remaining client socket and the listener are closed
type WebAdapter struct {
	config WebConfig
	env    *httpconn.Env

	metrics metrics.WebMetrics
	limiter *ratelimiter.RateLimiter

	// Owned by the loop goroutine.
	poller   *poller
	listenFD int
	ctrl     *control
	slots    []*slot
	timers   *timer.Registry[*slot]
	live     int

	completions *completionQueue
	pool        *workerpool.Pool[task]

	connCount atomic.Int32
	port      atomic.Int32

	ready        chan struct{}
	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	requestCtx     context.Context
	cancelRequests context.CancelFunc
}

// slot is the loop's record of one connection.
type slot struct {
	conn  httpconn.Conn
	timer timer.Handle

	// evictPending marks a connection whose idle timer fired while a worker
	// held it. The loop closes it when that worker's completion arrives.
	evictPending bool
}

// New creates a WebAdapter serving env. Zero config values take defaults.
//
// Panics if config validation fails.
func New(config WebConfig, env *httpconn.Env, webMetrics metrics.WebMetrics) *WebAdapter {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid web config: %v", err))
	}
	if env == nil {
		panic("web adapter: env is required")
	}

	if webMetrics == nil {
		webMetrics = metrics.NewNoopWebMetrics()
	}

	env.EdgeTriggered = config.ConnTrigger == TriggerEdge

	requestCtx, cancelRequests := context.WithCancel(context.Background())

	a := &WebAdapter{
		config:         config,
		env:            env,
		metrics:        webMetrics,
		limiter:        ratelimiter.New(config.AcceptRate, config.AcceptBurst),
		listenFD:       -1,
		ready:          make(chan struct{}),
		shutdown:       make(chan struct{}),
		done:           make(chan struct{}),
		requestCtx:     requestCtx,
		cancelRequests: cancelRequests,
	}
	a.port.Store(int32(config.Port))
	return a
}

// Serve runs the event loop until ctx is cancelled, Stop is called or a
// termination signal arrives.
//
// Serve should only be called once per WebAdapter.
func (a *WebAdapter) Serve(ctx context.Context) error {
	defer close(a.done)

	select {
	case <-a.shutdown:
		return nil
	default:
	}

	if err := a.setup(ctx); err != nil {
		a.teardownResources()
		return err
	}

	logger.Info("HTTP server listening on port %d", a.Port())
	logger.Debug("HTTP config: dispatch=%s listen_trigger=%s conn_trigger=%s workers=%d queue=%d max_connections=%d idle_timeout=%v",
		a.config.Dispatch, a.config.ListenTrigger, a.config.ConnTrigger,
		a.config.Workers, a.config.MaxRequests, a.config.MaxConnections, a.config.IdleTimeout())
	close(a.ready)

	loopErr := a.loop()

	a.initiateShutdown()
	a.drain()
	a.teardownResources()

	if loopErr != nil {
		return loopErr
	}
	logger.Info("HTTP server stopped")
	return nil
}

// setup creates every kernel object the loop needs and starts the workers.
func (a *WebAdapter) setup(ctx context.Context) error {
	// Writes to a closed peer must surface as EPIPE, not kill the process.
	signal.Ignore(unix.SIGPIPE)

	var err error
	if a.poller, err = newPoller(); err != nil {
		return err
	}

	if a.listenFD, err = openListener(a.config.Port, a.config.Linger); err != nil {
		return fmt.Errorf("failed to create HTTP listener on port %d: %w", a.config.Port, err)
	}
	if port, err := boundPort(a.listenFD); err == nil {
		a.port.Store(int32(port))
	}
	if err := a.poller.add(a.listenFD, unix.EPOLLIN, a.config.ListenTrigger == TriggerEdge, false); err != nil {
		return err
	}

	if a.completions, err = newCompletionQueue(); err != nil {
		return err
	}
	if err := a.poller.add(a.completions.efd, unix.EPOLLIN, false, false); err != nil {
		return err
	}

	if a.ctrl, err = newControl(); err != nil {
		return err
	}
	go a.ctrl.relay(ctx, a.shutdown, a.config.Timeslot)
	if err := a.poller.add(a.ctrl.readFD, unix.EPOLLIN, false, false); err != nil {
		return err
	}

	a.timers = timer.New[*slot](1024)
	a.slots = make([]*slot, 0, 1024)

	if a.pool, err = workerpool.New[task](a.config.Workers, a.config.MaxRequests, a.handleTask); err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	a.pool.Start()
	return nil
}

// loop is the event loop proper.
func (a *WebAdapter) loop() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	events := make([]unix.EpollEvent, a.config.MaxEvents)
	timeout := false

	for {
		n, err := a.poller.wait(events)
		if err != nil {
			logger.Error("HTTP event loop failure: %v", err)
			return err
		}

		stop := false
		for i := 0; i < n; i++ {
			ev := &events[i]
			fd := int(ev.Fd)

			switch {
			case fd == a.listenFD:
				a.acceptReady()

			case fd == a.ctrl.readFD:
				t, s := a.ctrl.read()
				timeout = timeout || t
				stop = stop || s

			case fd == a.completions.efd:
				a.applyCompletions()

			case ev.Events&hangupMask != 0:
				if s := a.lookup(fd); s != nil {
					a.closeOrDefer(s, "peer hangup")
				}

			case ev.Events&unix.EPOLLIN != 0:
				if s := a.lookup(fd); s != nil {
					a.onReadable(s)
				}

			case ev.Events&unix.EPOLLOUT != 0:
				if s := a.lookup(fd); s != nil {
					a.onWritable(s)
				}
			}
		}

		if stop {
			logger.Info("HTTP shutdown signal received")
			return nil
		}

		if timeout {
			if expired := a.timers.Tick(time.Now()); expired > 0 {
				logger.Debug("Idle sweep: %d connection(s) expired (active: %d)", expired, a.live)
			}
			timeout = false
		}
	}
}

// acceptReady accepts one client (level-triggered listener) or every
// pending client (edge-triggered).
func (a *WebAdapter) acceptReady() {
	for {
		nfd, sa, err := unix.Accept4(a.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EINTR {
				logger.Debug("Error accepting HTTP connection: %v", err)
			}
			return
		}

		switch {
		case a.live >= a.config.MaxConnections:
			refuse(nfd)
			a.metrics.RecordConnectionRejected("busy")
			logger.Debug("HTTP connection refused: %d connections open", a.live)
		case !a.limiter.Allow():
			refuse(nfd)
			a.metrics.RecordConnectionRejected("rate")
			logger.Debug("HTTP connection refused: accept rate exceeded")
		default:
			a.open(nfd, peerString(sa))
		}

		if a.config.ListenTrigger != TriggerEdge {
			return
		}
	}
}

// open installs a freshly accepted socket in its slot.
func (a *WebAdapter) open(fd int, peer string) {
	s := a.slotFor(fd)
	s.conn.Init(fd, peer, a.env)
	s.evictPending = false

	if err := a.poller.add(fd, readInterest, a.edge(), true); err != nil {
		logger.Warn("HTTP connection from %s dropped: %v", peer, err)
		_ = s.conn.Close()
		return
	}

	s.timer = a.timers.Add(s, time.Now().Add(a.config.IdleTimeout()), a.expire)

	a.live++
	a.connCount.Store(int32(a.live))
	a.metrics.RecordConnectionAccepted()
	a.metrics.SetActiveConnections(a.live)

	logger.Debug("HTTP connection accepted from %s (active: %d)", peer, a.live)
}

// expire is the idle timer callback.
func (a *WebAdapter) expire(s *slot) {
	s.timer = timer.Handle{}
	a.metrics.RecordTimerEviction()

	if s.conn.Busy() {
		s.evictPending = true
		logger.Debug("HTTP connection %s idle timeout deferred: task in flight", s.conn.Peer())
		return
	}
	logger.Debug("HTTP connection %s idle timeout", s.conn.Peer())
	a.close(s)
}

// touch pushes the idle deadline forward after activity.
func (a *WebAdapter) touch(s *slot) {
	if !s.timer.IsZero() {
		a.timers.Adjust(s.timer, time.Now().Add(a.config.IdleTimeout()))
	}
}

// closeOrDefer closes s now, or after its in-flight task completes.
func (a *WebAdapter) closeOrDefer(s *slot, reason string) {
	if s.conn.Busy() {
		s.evictPending = true
		return
	}
	logger.Debug("HTTP connection %s closing: %s", s.conn.Peer(), reason)
	a.close(s)
}

// close tears a connection down. Only the loop calls it.
func (a *WebAdapter) close(s *slot) {
	fd := s.conn.FD()
	if fd < 0 {
		return
	}

	if !s.timer.IsZero() {
		a.timers.Delete(s.timer)
		s.timer = timer.Handle{}
	}
	s.evictPending = false

	a.poller.remove(fd)
	if err := s.conn.Close(); err != nil {
		logger.Debug("Error closing HTTP connection %s: %v", s.conn.Peer(), err)
	}

	a.live--
	a.connCount.Store(int32(a.live))
	a.metrics.RecordConnectionClosed()
	a.metrics.SetActiveConnections(a.live)
}

// rearm applies the follow-up for s.
func (a *WebAdapter) rearm(s *slot, act action) {
	var events uint32
	switch act {
	case actionRearmRead:
		events = readInterest
	case actionRearmWrite:
		events = writeInterest
	default:
		a.close(s)
		return
	}
	if err := a.poller.rearm(s.conn.FD(), events, a.edge()); err != nil {
		logger.Debug("HTTP connection %s: %v", s.conn.Peer(), err)
		a.close(s)
	}
}

// applyCompletions drains the completion queue.
func (a *WebAdapter) applyCompletions() {
	for _, c := range a.completions.drain() {
		s := c.slot
		if s.conn.Generation() != c.gen {
			logger.Debug("Discarding stale completion (%s)", c.action)
			continue
		}

		s.conn.Release()

		if s.evictPending {
			logger.Debug("HTTP connection %s closing: idle timeout", s.conn.Peer())
			a.close(s)
			continue
		}
		a.rearm(s, c.action)
	}
}

// lookup returns the live slot for fd, or nil.
func (a *WebAdapter) lookup(fd int) *slot {
	if fd < 0 || fd >= len(a.slots) {
		return nil
	}
	s := a.slots[fd]
	if s == nil || s.conn.FD() != fd {
		return nil
	}
	return s
}

// slotFor returns the slot for fd, growing the table as needed. Slots are
// allocated on first use and reused for later sockets with the same number.
func (a *WebAdapter) slotFor(fd int) *slot {
	if fd >= len(a.slots) {
		size := max(2*len(a.slots), fd+1)
		grown := make([]*slot, size)
		copy(grown, a.slots)
		a.slots = grown
	}
	if a.slots[fd] == nil {
		a.slots[fd] = &slot{}
	}
	return a.slots[fd]
}

func (a *WebAdapter) edge() bool {
	return a.config.ConnTrigger == TriggerEdge
}

// initiateShutdown signals the loop to stop and cancels in-flight logins.
//
// Safe to call more than once and from any goroutine.
func (a *WebAdapter) initiateShutdown() {
	a.shutdownOnce.Do(func() {
		logger.Debug("HTTP shutdown initiated")
		close(a.shutdown)
		a.cancelRequests()
	})
}

// drain stops the workers and closes every remaining connection. Runs on
// the loop goroutine after the loop has returned.
func (a *WebAdapter) drain() {
	if a.pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
		dropped, err := a.pool.Stop(ctx)
		cancel()
		if err != nil {
			logger.Warn("HTTP shutdown: workers did not finish within %v: %v", a.config.ShutdownTimeout, err)
		} else if dropped > 0 {
			logger.Debug("HTTP shutdown: %d queued task(s) dropped", dropped)
		}
	}

	if a.completions != nil {
		for _, c := range a.completions.drain() {
			c.slot.conn.Release()
		}
	}

	closed := 0
	for _, s := range a.slots {
		if s == nil || s.conn.FD() < 0 {
			continue
		}
		if s.conn.Busy() {
			// A worker still holds it past the shutdown timeout; leave the
			// socket to process exit rather than race the worker.
			continue
		}
		a.close(s)
		closed++
	}
	if closed > 0 {
		logger.Info("HTTP shutdown: closed %d connection(s)", closed)
	}
}

// teardownResources releases the listener and loop descriptors.
func (a *WebAdapter) teardownResources() {
	if a.listenFD >= 0 {
		_ = unix.Close(a.listenFD)
		a.listenFD = -1
	}
	if a.ctrl != nil {
		a.initiateShutdown()
		a.ctrl.close()
	}
	if a.completions != nil {
		_ = a.completions.close()
	}
	if a.poller != nil {
		_ = a.poller.close()
	}
}

// Stop initiates graceful shutdown and waits for Serve to return or ctx to
// be done.
func (a *WebAdapter) Stop(ctx context.Context) error {
	a.initiateShutdown()

	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		logger.Warn("HTTP shutdown context cancelled: %d connection(s) still active: %v",
			a.connCount.Load(), ctx.Err())
		return ctx.Err()
	}
}

// Ready is closed once Serve is listening.
func (a *WebAdapter) Ready() <-chan struct{} {
	return a.ready
}

// GetActiveConnections returns the number of open client connections.
func (a *WebAdapter) GetActiveConnections() int32 {
	return a.connCount.Load()
}

// Port returns the listening port, the bound one when configured with 0.
func (a *WebAdapter) Port() int {
	return int(a.port.Load())
}

// Protocol returns "HTTP".
func (a *WebAdapter) Protocol() string {
	return "HTTP"
}
