package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter bounds how fast new client connections are admitted.
//
// It wraps golang.org/x/time/rate's token bucket: tokens refill at the
// configured rate and the bucket holds at most burst tokens. Each accepted
// connection consumes one token; when the bucket is empty the connection is
// turned away with the busy response instead of queueing.
//
// A zero rate disables limiting entirely and every call to Allow succeeds
// without touching the bucket.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter admitting perSecond connections per second on
// average with bursts of up to burst connections.
//
// If perSecond is zero the limiter is disabled. If burst is zero it defaults
// to perSecond (rounded up to at least one).
func New(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		return &RateLimiter{}
	}

	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Enabled reports whether the limiter actually limits.
func (r *RateLimiter) Enabled() bool {
	return r != nil && r.limiter != nil
}

// Allow consumes one token if available. It never blocks.
func (r *RateLimiter) Allow() bool {
	if !r.Enabled() {
		return true
	}
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if !r.Enabled() {
		return ctx.Err()
	}
	return r.limiter.Wait(ctx)
}

// SetLimit changes the refill rate. It is a no-op on a disabled limiter.
func (r *RateLimiter) SetLimit(perSecond float64) {
	if r.Enabled() {
		r.limiter.SetLimit(rate.Limit(perSecond))
	}
}

// Tokens returns the number of tokens currently in the bucket, or -1 when
// the limiter is disabled.
func (r *RateLimiter) Tokens() float64 {
	if !r.Enabled() {
		return -1
	}
	return r.limiter.Tokens()
}
