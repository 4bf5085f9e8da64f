package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func TestFixedWindow_RejectsAtLimit(t *testing.T) {
	clock := newClock()
	w := NewFixedWindow(3, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		res := w.Allow()
		require.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res := w.Allow()
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, clock.Now().Add(time.Minute), res.ResetAt)
}

func TestFixedWindow_ResetsAfterWindow(t *testing.T) {
	clock := newClock()
	w := NewFixedWindow(1, WithClock(clock.Now))

	require.True(t, w.Allow().Allowed)
	require.False(t, w.Allow().Allowed)

	clock.Advance(59 * time.Second)
	assert.False(t, w.Allow().Allowed)

	clock.Advance(time.Second)
	assert.True(t, w.Allow().Allowed)
}

func TestFixedWindow_CustomWindow(t *testing.T) {
	clock := newClock()
	w := NewFixedWindow(1, WithClock(clock.Now), WithWindow(10*time.Second))

	require.True(t, w.Allow().Allowed)
	clock.Advance(10 * time.Second)
	assert.True(t, w.Allow().Allowed)
}

func TestFixedWindow_SetLimitAndUsage(t *testing.T) {
	clock := newClock()
	w := NewFixedWindow(2, WithClock(clock.Now))

	assert.Equal(t, Usage{Limit: 2}, w.Usage())

	w.Allow()
	w.Allow()
	require.False(t, w.Allow().Allowed)

	w.SetLimit(3)
	assert.True(t, w.Allow().Allowed)

	usage := w.Usage()
	assert.Equal(t, 3, usage.Limit)
	assert.Equal(t, 3, usage.Used)
	assert.Equal(t, clock.Now(), usage.WindowStart)

	clock.Advance(time.Minute)
	assert.Equal(t, 0, w.Usage().Used)
}

func TestFixedWindow_Concurrent(t *testing.T) {
	w := NewFixedWindow(60)

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.Allow().Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(60), allowed)
}
