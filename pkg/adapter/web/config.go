package web

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotLinux is returned by Serve on platforms without epoll.
var ErrNotLinux = errors.New("web adapter requires linux (epoll)")

// Trigger modes for the listener and client sockets.
const (
	TriggerLevel = "level"
	TriggerEdge  = "edge"
)

// Dispatch strategies.
const (
	// DispatchProactor performs socket I/O on the event loop and hands only
	// request processing to workers.
	DispatchProactor = "proactor"

	// DispatchReactor hands readiness to workers, which perform I/O and
	// processing themselves.
	DispatchReactor = "reactor"
)

// WebConfig holds the event loop's parameters.
//
// Default values (applied by New if zero):
//   - MaxConnections: 65536
//   - MaxEvents: 10000
//   - ListenTrigger, ConnTrigger: level
//   - Dispatch: proactor
//   - Timeslot: 5s
//   - IdleTicks: 3
//   - ShutdownTimeout: 30s
//   - Workers: 8
//   - MaxRequests: 10000
//
// Port 0 binds an ephemeral port; Port() reports the bound one once Serve
// is listening.
type WebConfig struct {
	// Port is the TCP port to listen on.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`

	// MaxConnections caps live client sockets. Sockets accepted beyond it
	// receive a busy message and are closed.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// MaxEvents is the size of the epoll_wait batch.
	MaxEvents int `mapstructure:"max_events" validate:"min=0"`

	// ListenTrigger selects level- or edge-triggered accept readiness.
	ListenTrigger string `mapstructure:"listen_trigger" validate:"omitempty,oneof=level edge"`

	// ConnTrigger selects level- or edge-triggered client readiness.
	ConnTrigger string `mapstructure:"conn_trigger" validate:"omitempty,oneof=level edge"`

	// Dispatch selects who performs socket I/O: proactor or reactor.
	Dispatch string `mapstructure:"dispatch" validate:"omitempty,oneof=proactor reactor"`

	// Linger sets SO_LINGER {on, 1s} on the listening socket.
	Linger bool `mapstructure:"linger"`

	// Timeslot is the period of the idle sweep.
	Timeslot time.Duration `mapstructure:"timeslot" validate:"min=0"`

	// IdleTicks is how many timeslots a connection may stay idle.
	IdleTicks int `mapstructure:"idle_ticks" validate:"min=0"`

	// AcceptRate limits accepted connections per second. 0 disables.
	AcceptRate float64 `mapstructure:"accept_rate" validate:"min=0"`

	// AcceptBurst is the accept limiter's bucket size.
	AcceptBurst int `mapstructure:"accept_burst" validate:"min=0"`

	// ShutdownTimeout bounds how long Serve waits for busy workers on exit.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`

	// Workers and MaxRequests size the worker pool and its queue. They come
	// from the workers section of the configuration file.
	Workers     int `mapstructure:"-"`
	MaxRequests int `mapstructure:"-"`
}

func (c *WebConfig) applyDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = 65536
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = 10000
	}
	if c.ListenTrigger == "" {
		c.ListenTrigger = TriggerLevel
	}
	if c.ConnTrigger == "" {
		c.ConnTrigger = TriggerLevel
	}
	if c.Dispatch == "" {
		c.Dispatch = DispatchProactor
	}
	if c.Timeslot == 0 {
		c.Timeslot = 5 * time.Second
	}
	if c.IdleTicks == 0 {
		c.IdleTicks = 3
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.Workers == 0 {
		c.Workers = 8
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 10000
	}
	c.ListenTrigger = strings.ToLower(c.ListenTrigger)
	c.ConnTrigger = strings.ToLower(c.ConnTrigger)
	c.Dispatch = strings.ToLower(c.Dispatch)
}

func (c *WebConfig) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("invalid MaxConnections %d: must be > 0", c.MaxConnections)
	}
	if c.MaxEvents <= 0 {
		return fmt.Errorf("invalid MaxEvents %d: must be > 0", c.MaxEvents)
	}
	for name, v := range map[string]string{"ListenTrigger": c.ListenTrigger, "ConnTrigger": c.ConnTrigger} {
		if v != TriggerLevel && v != TriggerEdge {
			return fmt.Errorf("invalid %s %q: must be level or edge", name, v)
		}
	}
	if c.Dispatch != DispatchProactor && c.Dispatch != DispatchReactor {
		return fmt.Errorf("invalid Dispatch %q: must be proactor or reactor", c.Dispatch)
	}
	if c.Timeslot <= 0 {
		return fmt.Errorf("invalid Timeslot %v: must be > 0", c.Timeslot)
	}
	if c.IdleTicks <= 0 {
		return fmt.Errorf("invalid IdleTicks %d: must be > 0", c.IdleTicks)
	}
	if c.AcceptRate < 0 || c.AcceptBurst < 0 {
		return fmt.Errorf("invalid accept limit %v/%d: must be >= 0", c.AcceptRate, c.AcceptBurst)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("invalid Workers %d: must be > 0", c.Workers)
	}
	if c.MaxRequests <= 0 {
		return fmt.Errorf("invalid MaxRequests %d: must be > 0", c.MaxRequests)
	}
	return nil
}

// IdleTimeout is how long a connection may stay silent before the sweep
// closes it.
func (c *WebConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTicks) * c.Timeslot
}
