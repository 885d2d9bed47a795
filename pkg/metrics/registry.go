// Package metrics exposes DittoWeb's Prometheus metrics.
//
// Collection is opt-in: until InitRegistry is called every constructor hands
// back a no-op implementation, so the server runs the same with or without a
// scrape endpoint.
//
//	metrics.InitRegistry()
//	webMetrics := metrics.NewWebMetrics()
//	adapter := web.New(cfg, env, webMetrics)
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// written once by InitRegistry
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the global registry. Later calls are ignored.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
