package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handle struct{ id int }

func newHandles(t *testing.T, n int) *Pool[*handle] {
	t.Helper()
	p, err := New(n, func(i int) (*handle, error) { return &handle{id: i}, nil })
	require.NoError(t, err)
	return p
}

func TestNewRejectsBadSize(t *testing.T) {
	_, err := New(0, func(int) (int, error) { return 0, nil })
	assert.Error(t, err)
}

func TestNewPropagatesFactoryError(t *testing.T) {
	boom := errors.New("boom")
	_, err := New(3, func(i int) (int, error) {
		if i == 2 {
			return 0, boom
		}
		return i, nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestAcquireRelease(t *testing.T) {
	p := newHandles(t, 2)
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, 0, p.Available())

	_, ok := p.TryAcquire()
	assert.False(t, ok)

	p.Release(a)
	assert.Equal(t, 1, p.Available())

	c, ok := p.TryAcquire()
	require.True(t, ok)
	assert.Same(t, a, c)

	p.Release(b)
	p.Release(c)
	assert.Equal(t, 2, p.Available())
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	p := newHandles(t, 1)
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *handle, 1)
	go func() {
		r, err := p.Acquire(ctx)
		if err == nil {
			got <- r
		}
	}()

	select {
	case <-got:
		t.Fatal("acquire should block while the pool is empty")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release(h)

	select {
	case r := <-got:
		assert.Same(t, h, r)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	p := newHandles(t, 1)
	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNeverExceedsSize(t *testing.T) {
	const size = 4
	p := newHandles(t, size)

	var inUse, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			n := inUse.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inUse.Add(-1)
			p.Release(h)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(size))
	assert.Equal(t, size, p.Available())
}

func TestDoubleReleasePanics(t *testing.T) {
	p := newHandles(t, 1)
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(h)

	assert.Panics(t, func() { p.Release(h) })
}

func TestClose(t *testing.T) {
	p := newHandles(t, 3)

	destroyed := 0
	require.NoError(t, p.Close(context.Background(), func(*handle) error {
		destroyed++
		return nil
	}))
	assert.Equal(t, 3, destroyed)

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseWaitsForOutstanding(t *testing.T) {
	p := newHandles(t, 1)
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Close(ctx, nil))

	p.Release(h)
	assert.NoError(t, p.Close(context.Background(), nil))
}
