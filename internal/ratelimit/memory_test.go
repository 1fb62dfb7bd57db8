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
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rate, burst, WithClock(clk.Now))
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clk
}

func allowN(t *testing.T, m *MemoryLimiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for i := 0; i < n; i++ {
		ok, err := m.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newLimiter(t, 10, 3)
	assert.Equal(t, 3, allowN(t, m, "assessment", 5))
}

func TestMemoryLimiterTokenRefill(t *testing.T) {
	m, clk := newLimiter(t, 10, 2)
	require.Equal(t, 2, allowN(t, m, "k", 3))

	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, allowN(t, m, "k", 2))
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newLimiter(t, 10, 1)
	assert.Equal(t, 1, allowN(t, m, "a", 2))
	assert.Equal(t, 1, allowN(t, m, "b", 2))
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	m, clk := newLimiter(t, 1000, 3)
	allowN(t, m, "k", 1)
	clk.Advance(time.Hour)
	assert.Equal(t, 3, allowN(t, m, "k", 4))
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newLimiter(t, 100, 50)

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := m.Allow(context.Background(), "shared")
				if err == nil && ok {
					mu.Lock()
					total++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, total, "fixed clock means no refill")
}

func TestMemoryLimiterSweepsStale(t *testing.T) {
	m, clk := newLimiter(t, 10, 5)
	allowN(t, m, "stale", 1)
	clk.Advance(5 * time.Minute)
	allowN(t, m, "recent", 1)
	clk.Advance(6 * time.Minute)

	m.sweep()
	assert.Equal(t, 1, m.Len())

	m.Forget("recent")
	assert.Equal(t, 0, m.Len())
}

func TestMemoryLimiterStaleAfterOption(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(10, 5, WithClock(clk.Now), WithStaleAfter(time.Minute))
	t.Cleanup(func() { require.NoError(t, m.Close()) })

	allowN(t, m, "analysis", 1)
	clk.Advance(2 * time.Minute)
	m.sweep()
	assert.Equal(t, 0, m.Len())
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "anything")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, l.Close())
}
