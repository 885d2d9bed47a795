// Package adapter defines the contract between the server orchestrator and
// the listeners it runs.
package adapter

import (
	"context"
)

// Adapter is a network front end managed by server.Server.
//
// Lifecycle:
//  1. Construction (adapter-specific New)
//  2. Serve blocks until ctx is cancelled, Stop is called or a fatal error
//     occurs
//  3. Stop requests a graceful shutdown and waits for it, bounded by ctx
//
// Stop must be safe to call more than once and concurrently with Serve.
type Adapter interface {
	// Serve runs the adapter. It returns nil after a graceful shutdown.
	Serve(ctx context.Context) error

	// Stop initiates shutdown and waits for Serve to finish or ctx to end.
	Stop(ctx context.Context) error

	// Protocol names the adapter in logs ("HTTP", ...).
	Protocol() string

	// Port returns the TCP port the adapter listens on.
	Port() int
}
