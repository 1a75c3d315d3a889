package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/models"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, clk *clock, limit int) *Limiter {
	t.Helper()
	l, err := New(config.RateLimitConfig{Rules: map[string]config.RateLimitRule{
		ResourceSearch: {Limit: limit, Window: time.Minute},
	}}, WithClock(clk.Now))
	require.NoError(t, err)
	return l
}

func TestLimiter_SlidingWindow(t *testing.T) {
	clk := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	l := newLimiter(t, clk, 3)
	ctx := context.Background()
	start := clk.Now()

	for i := 0; i < 3; i++ {
		res, err := l.CheckLimit(ctx, ResourceSearch, "user-1")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 2-i, res.Remaining)
		clk.Advance(10 * time.Second)
	}

	res, err := l.CheckLimit(ctx, ResourceSearch, "user-1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Zero(t, res.Remaining)
	assert.Equal(t, start.Add(time.Minute), res.Reset)

	rerr := ExceededError(ResourceSearch, res)
	assert.Equal(t, models.KindRateLimit, models.KindOf(rerr))
	assert.Equal(t, 30*time.Second, rerr.RetryAfter(clk.Now()))

	// Another actor has its own window.
	res, err = l.CheckLimit(ctx, ResourceSearch, "user-2")
	require.NoError(t, err)
	assert.True(t, res.Success)

	// Once the first request slides out, exactly one slot opens.
	clk.Advance(30 * time.Second)
	res, err = l.CheckLimit(ctx, ResourceSearch, "user-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	res, err = l.CheckLimit(ctx, ResourceSearch, "user-1")
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestLimiter_RejectionsAreNotRecorded(t *testing.T) {
	clk := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	l := newLimiter(t, clk, 1)
	ctx := context.Background()

	res, err := l.CheckLimit(ctx, ResourceSearch, "user-1")
	require.NoError(t, err)
	require.True(t, res.Success)

	for i := 0; i < 5; i++ {
		clk.Advance(10 * time.Second)
		res, err = l.CheckLimit(ctx, ResourceSearch, "user-1")
		require.NoError(t, err)
		require.False(t, res.Success)
	}

	clk.Advance(11 * time.Second)
	res, err = l.CheckLimit(ctx, ResourceSearch, "user-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestLimiter_Concurrent(t *testing.T) {
	clk := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	l := newLimiter(t, clk, 10)

	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.CheckLimit(context.Background(), ResourceSearch, "user-1")
			if assert.NoError(t, err) && res.Success {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), allowed)
}

func TestLimiter_Sweep(t *testing.T) {
	clk := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	l := newLimiter(t, clk, 5)
	ctx := context.Background()

	_, err := l.CheckLimit(ctx, ResourceSearch, "a")
	require.NoError(t, err)
	clk.Advance(45 * time.Second)
	_, err = l.CheckLimit(ctx, ResourceSearch, "b")
	require.NoError(t, err)
	require.Equal(t, 2, l.Len())

	clk.Advance(30 * time.Second)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())

	// A swept key starts a fresh window.
	res, err := l.CheckLimit(ctx, ResourceSearch, "a")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Remaining)
}

func TestLimiter_ConfigAndValidation(t *testing.T) {
	clk := &clock{now: time.Now()}
	l := newLimiter(t, clk, 1)

	_, err := l.CheckLimit(context.Background(), "unknown", "a")
	assert.Equal(t, models.KindConfiguration, models.KindOf(err))

	_, err = l.CheckLimit(context.Background(), ResourceSearch, " ")
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	_, err = New(config.RateLimitConfig{Rules: map[string]config.RateLimitRule{"x": {Limit: 0, Window: time.Second}}})
	assert.Error(t, err)

	disabled := false
	off, err := New(config.RateLimitConfig{Enabled: &disabled, Rules: map[string]config.RateLimitRule{
		ResourceSearch: {Limit: 1, Window: time.Minute},
	}})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		res, err := off.CheckLimit(context.Background(), ResourceSearch, "a")
		require.NoError(t, err)
		assert.True(t, res.Success)
	}
}
