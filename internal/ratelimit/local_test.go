package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flurbudurbur/Eiga/internal/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{now: at}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLocalForTest(t *testing.T, capacity int, interval time.Duration) (*LocalLimiter, *fakeClock) {
	t.Helper()

	clock := newFakeClock(time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC))
	l := NewLocalLimiter(logger.Mock(), capacity, capacity, interval)
	l.now = clock.Now
	l.lastRefill = clock.Now()
	return l, clock
}

func TestLocalLimiter_DrainAndRefill(t *testing.T) {
	l, clock := newLocalForTest(t, 3, 10*time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.Acquire(ctx), "acquire %d should be granted", i+1)
	}
	assert.False(t, l.Acquire(ctx), "bucket is empty, acquire must be denied")

	clock.Advance(9 * time.Second)
	assert.False(t, l.Acquire(ctx), "partial interval must not refill")

	clock.Advance(1 * time.Second)
	assert.True(t, l.Acquire(ctx), "one full interval refills the bucket")
}

func TestLocalLimiter_ReleaseRefundsOnFailure(t *testing.T) {
	l, _ := newLocalForTest(t, 2, time.Minute)
	ctx := context.Background()

	require.True(t, l.Acquire(ctx))
	require.True(t, l.Acquire(ctx))
	require.False(t, l.Acquire(ctx))

	l.Release(ctx, true)
	assert.False(t, l.Acquire(ctx), "a successful call spends its token for the rest of the interval")

	l.Release(ctx, false)
	assert.True(t, l.Acquire(ctx), "a failed call gives its token back")
}

func TestLocalLimiter_ReleaseNeverOverfills(t *testing.T) {
	l, _ := newLocalForTest(t, 2, time.Minute)
	ctx := context.Background()

	l.Release(ctx, false)
	l.Release(ctx, false)

	state := l.State(ctx)
	assert.Equal(t, 2, state.Tokens)
	assert.Equal(t, 0, state.InFlight)
}

func TestLocalLimiter_State(t *testing.T) {
	l, clock := newLocalForTest(t, 4, 10*time.Second)
	ctx := context.Background()
	start := clock.Now()

	require.True(t, l.Acquire(ctx))
	require.True(t, l.Acquire(ctx))

	state := l.State(ctx)
	assert.Equal(t, 2, state.Tokens)
	assert.Equal(t, 4, state.Capacity)
	assert.Equal(t, 2, state.InFlight)
	assert.False(t, state.Distributed)

	// the refill clock only moves in whole intervals
	clock.Advance(15 * time.Second)
	state = l.State(ctx)
	assert.Equal(t, 4, state.Tokens)
	assert.Equal(t, start.Add(10*time.Second), state.LastRefillAt)
}

func TestLocalLimiter_ConcurrentAcquires(t *testing.T) {
	l, _ := newLocalForTest(t, 5, time.Minute)

	var wg sync.WaitGroup
	var granted atomic.Int32
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire(context.Background()) {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), granted.Load(), "grants must never exceed capacity")
}
