package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiter_RollingWindowNeverExceedsMax(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(Config{MaxPerWindow: 5, Window: time.Second})
	l.now = clock.Now

	var admitted []time.Time
	// 每 100ms 尝试 3 次，共 5 秒。
	for step := 0; step < 50; step++ {
		for i := 0; i < 3; i++ {
			if l.allow() {
				admitted = append(admitted, clock.Now())
			}
		}
		clock.Advance(100 * time.Millisecond)
	}

	require.NotEmpty(t, admitted)
	for i, start := range admitted {
		count := 0
		for _, ts := range admitted[i:] {
			if ts.Sub(start) < time.Second {
				count++
			}
		}
		assert.LessOrEqual(t, count, 5, "window starting at %v", start)
	}
	// 5 秒内每个完整窗口都应被用满。
	assert.Equal(t, 25, len(admitted))
}

func TestLimiter_FixedBoundaryBurstIsBlocked(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(Config{MaxPerWindow: 5, Window: time.Second})
	l.now = clock.Now

	clock.Advance(900 * time.Millisecond)
	for i := 0; i < 5; i++ {
		require.True(t, l.allow())
	}
	clock.Advance(200 * time.Millisecond)
	assert.False(t, l.allow(), "five admissions 200ms ago still occupy the window")

	wait := l.reserve()
	assert.Equal(t, 800*time.Millisecond, wait)
}

func TestLimiter_WaitDelaysInsteadOfDropping(t *testing.T) {
	window := 150 * time.Millisecond
	l := New(Config{MaxPerWindow: 3, Window: window})

	const total = 9
	var wg sync.WaitGroup
	start := time.Now()
	errs := make(chan error, total)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Wait(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	// 9 次、每窗口 3 次，最后一批至少要等两个完整窗口。
	assert.GreaterOrEqual(t, time.Since(start), 2*window)
}

func TestLimiter_WaitHonoursContext(t *testing.T) {
	l := New(Config{MaxPerWindow: 1, Window: time.Hour})
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, l.InFlight())
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{})
	assert.Equal(t, 5, l.max)
	assert.Equal(t, time.Second, l.window)
}
