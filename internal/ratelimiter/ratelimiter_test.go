package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		perSecond float64
		burst     int
		enabled   bool
	}{
		{"disabled", 0, 0, false},
		{"negative is disabled", -5, 10, false},
		{"explicit burst", 100, 20, true},
		{"default burst", 50, 0, true},
		{"fractional rate", 0.5, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := New(tt.perSecond, tt.burst)
			require.NotNil(t, rl)
			assert.Equal(t, tt.enabled, rl.Enabled())
		})
	}
}

func TestAllowBurst(t *testing.T) {
	rl := New(1, 3)

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow(), "burst exhausted")
}

func TestDisabledAlwaysAllows(t *testing.T) {
	rl := New(0, 0)
	for i := 0; i < 10000; i++ {
		require.True(t, rl.Allow())
	}
	assert.Equal(t, float64(-1), rl.Tokens())
}

func TestNilLimiterAllows(t *testing.T) {
	var rl *RateLimiter
	assert.False(t, rl.Enabled())
	assert.True(t, rl.Allow())
}

func TestWait(t *testing.T) {
	rl := New(100, 1)
	require.True(t, rl.Allow())

	start := time.Now()
	require.NoError(t, rl.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestWaitContextCancellation(t *testing.T) {
	rl := New(0.1, 1)
	require.True(t, rl.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.Error(t, rl.Wait(ctx))
}

func TestSetLimit(t *testing.T) {
	rl := New(1, 1)
	require.True(t, rl.Allow())
	require.False(t, rl.Allow())

	rl.SetLimit(1000)
	time.Sleep(5 * time.Millisecond)
	assert.True(t, rl.Allow())
}

func BenchmarkAllow(b *testing.B) {
	rl := New(1e9, 1e9)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Allow()
	}
}
