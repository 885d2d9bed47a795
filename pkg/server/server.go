package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittoweb/internal/logger"
	"github.com/marmos91/dittoweb/pkg/adapter"
	"github.com/marmos91/dittoweb/pkg/metrics"
)

// ErrAlreadyServed is returned by a second call to Serve.
var ErrAlreadyServed = errors.New("Serve() has already been called on this server instance")

// Server runs the registered adapters and, optionally, the metrics endpoint,
// and shuts them all down together.
//
// Lifecycle:
//  1. New
//  2. AddAdapter for each listener, SetMetricsServer if metrics are on
//  3. Serve blocks until ctx is cancelled or any component fails
//  4. On the way out every adapter is stopped in reverse registration order,
//     bounded by the shutdown timeout
//
// An adapter returning nil on its own (for instance after SIGTERM reached
// its event loop) also ends Serve.
type Server struct {
	adapters        []adapter.Adapter
	metricsServer   *metrics.Server
	shutdownTimeout time.Duration

	mu     sync.RWMutex
	served bool
}

// New creates a Server. A non-positive shutdownTimeout means 30s.
func New(shutdownTimeout time.Duration) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Server{
		adapters:        make([]adapter.Adapter, 0, 2),
		shutdownTimeout: shutdownTimeout,
	}
}

// AddAdapter registers an adapter. Duplicate protocols and port clashes are
// rejected; port 0 (ephemeral) never clashes.
//
// Panics if a is nil or Serve has already been called.
func (s *Server) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		panic("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		panic("cannot add adapter after Serve() has been called")
	}

	protocol := a.Protocol()
	port := a.Port()

	for _, existing := range s.adapters {
		if existing.Protocol() == protocol {
			return fmt.Errorf("adapter for protocol %s already registered", protocol)
		}
		if port != 0 && existing.Port() == port {
			return fmt.Errorf("port %d already in use by %s adapter", port, existing.Protocol())
		}
	}
	if s.metricsServer != nil && port != 0 && s.metricsServer.Port() == port {
		return fmt.Errorf("port %d already in use by the metrics server", port)
	}

	s.adapters = append(s.adapters, a)
	logger.Info("Registered %s adapter on port %d", protocol, port)
	return nil
}

// SetMetricsServer attaches the metrics HTTP server, started and stopped
// alongside the adapters.
func (s *Server) SetMetricsServer(m *metrics.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricsServer = m
}

// Serve runs every component until ctx is cancelled or one of them stops.
//
// Returns:
//   - nil when ctx was cancelled or an adapter stopped cleanly
//   - the first component error otherwise
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return ErrAlreadyServed
	}
	s.served = true
	if len(s.adapters) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no adapters registered; call AddAdapter() before Serve()")
	}
	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	metricsServer := s.metricsServer
	s.mu.Unlock()

	logger.Info("Starting DittoWeb with %d adapter(s)", len(adapters))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan componentResult, len(adapters)+1)
	var wg sync.WaitGroup

	for _, adp := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()
			logger.Info("Starting %s adapter on port %d", a.Protocol(), a.Port())
			results <- componentResult{name: a.Protocol() + " adapter", err: a.Serve(runCtx)}
		}(adp)
	}

	if metricsServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- componentResult{name: "metrics server", err: metricsServer.Start(runCtx)}
		}()
	}

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())

	case res := <-results:
		if res.err != nil && !errors.Is(res.err, context.Canceled) {
			logger.Error("%s failed: %v - initiating shutdown", res.name, res.err)
			shutdownErr = fmt.Errorf("%s error: %w", res.name, res.err)
		} else {
			logger.Info("%s stopped - shutting down", res.name)
		}
	}

	cancel()
	s.stopAllAdapters(adapters)

	logger.Debug("Waiting for all components to complete shutdown")
	wg.Wait()
	close(results)

	for res := range results {
		if res.err != nil && !errors.Is(res.err, context.Canceled) {
			logger.Warn("%s reported during shutdown: %v", res.name, res.err)
		}
	}

	logger.Info("DittoWeb stopped")
	return shutdownErr
}

type componentResult struct {
	name string
	err  error
}

// stopAllAdapters stops adapters in reverse registration order, all under one
// shared timeout.
func (s *Server) stopAllAdapters(adapters []adapter.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	logger.Info("Initiating graceful shutdown of %d adapter(s)", len(adapters))

	for i := len(adapters) - 1; i >= 0; i-- {
		adp := adapters[i]
		if err := adp.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Error stopping %s adapter: %v", adp.Protocol(), err)
		} else {
			logger.Debug("%s adapter stopped", adp.Protocol())
		}
	}
}

// Adapters returns a copy of the registered adapters.
func (s *Server) Adapters() []adapter.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	return adapters
}
