//go:build !linux

package web

import (
	"context"
	"fmt"

	"github.com/marmos91/dittoweb/pkg/httpconn"
	"github.com/marmos91/dittoweb/pkg/metrics"
)

// WebAdapter is unavailable off linux; Serve returns ErrNotLinux.
type WebAdapter struct {
	config WebConfig
	ready  chan struct{}
}

func New(config WebConfig, env *httpconn.Env, webMetrics metrics.WebMetrics) *WebAdapter {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid web config: %v", err))
	}
	return &WebAdapter{config: config, ready: make(chan struct{})}
}

func (a *WebAdapter) Serve(ctx context.Context) error { return ErrNotLinux }
func (a *WebAdapter) Stop(ctx context.Context) error  { return nil }
func (a *WebAdapter) Ready() <-chan struct{}          { return a.ready }
func (a *WebAdapter) GetActiveConnections() int32     { return 0 }
func (a *WebAdapter) Port() int                       { return a.config.Port }
func (a *WebAdapter) Protocol() string                { return "HTTP" }
