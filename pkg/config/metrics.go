package config

import (
	"github.com/marmos91/dittoweb/pkg/metrics"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// WebMetrics is the collector for the web adapter (never nil, noop if disabled)
	WebMetrics metrics.WebMetrics
}

// InitializeMetrics creates the metrics components described by cfg.
//
// When metrics are enabled the global Prometheus registry is initialized
// before any collector is created, so collectors register against it. When
// disabled, the server is nil and collectors are no-ops.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			WebMetrics: metrics.NewNoopWebMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Metrics.Port,
	})

	return &MetricsResult{
		Server:     server,
		WebMetrics: metrics.NewWebMetrics(),
	}
}
