package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	defaultStaleAfter = 10 * time.Minute
	sweepEvery        = time.Minute
)

type bucket struct {
	tokens float64
	seen   time.Time
}

// take refills b for the time since it was last seen, capped at burst, then
// spends one token if it can.
func (b *bucket) take(now time.Time, rate, burst float64) bool {
	b.tokens = min(burst, b.tokens+now.Sub(b.seen).Seconds()*rate)
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// MemoryLimiter is a per-key token bucket held in process memory. Keys idle
// longer than the stale window are swept once a minute.
type MemoryLimiter struct {
	rate       float64
	burst      float64
	staleAfter time.Duration
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	closeOnce sync.Once
	done      chan struct{}
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) { m.now = now }
}

// WithStaleAfter sets how long a key may go unused before it is swept.
func WithStaleAfter(d time.Duration) MemoryOption {
	return func(m *MemoryLimiter) {
		if d > 0 {
			m.staleAfter = d
		}
	}
}

// NewMemoryLimiter allows rate sends per second per key, with bursts of up
// to burst. Close stops the sweeper.
func NewMemoryLimiter(rate float64, burst int, opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:       rate,
		burst:      float64(burst),
		staleAfter: defaultStaleAfter,
		now:        time.Now,
		buckets:    make(map[string]*bucket),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.sweepLoop()
	return m
}

// Allow spends one token of key. A key seen for the first time starts with a
// full bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, seen: now}
		m.buckets[key] = b
	}
	return b.take(now, m.rate, m.burst), nil
}

// Forget drops the bucket of key, e.g. when an agent unregisters.
func (m *MemoryLimiter) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, key)
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close stops the sweeper. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweepLoop() {
	t := time.NewTicker(sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

func (m *MemoryLimiter) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.staleAfter)
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
