package mcp

import (
	"sync"
	"time"

	"github.com/ashita-ai/mimamori/internal/model"
)

// checkTracker records recent mimamori_related_patterns calls so
// handleSendMessage can nudge agents that share analysis or learning without
// first consulting what peers already learned.
//
// Keyed on (agentID, patternType) with a time window. In-memory and
// per-process; the nudge is advisory, never a gate.
type checkTracker struct {
	mu     sync.Mutex
	checks map[checkKey]time.Time
	window time.Duration
	now    func() time.Time
}

type checkKey struct {
	agentID     string
	patternType model.PatternType
}

func newCheckTracker(window time.Duration) *checkTracker {
	return &checkTracker{
		checks: make(map[checkKey]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Record notes that agentID looked up related patterns of type t.
func (t *checkTracker) Record(agentID string, pt model.PatternType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checks[checkKey{agentID, pt}] = t.now()

	// Lazy cleanup bounds growth from many distinct (agent, type) pairs.
	if len(t.checks) > 1000 {
		t.purgeStale()
	}
}

// WasChecked reports whether agentID looked up patterns of type t within the
// window.
func (t *checkTracker) WasChecked(agentID string, pt model.PatternType) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := checkKey{agentID, pt}
	ts, ok := t.checks[k]
	if !ok {
		return false
	}
	if t.now().Sub(ts) > t.window {
		delete(t.checks, k)
		return false
	}
	return true
}

// purgeStale removes entries older than the window. Must be called with mu held.
func (t *checkTracker) purgeStale() {
	now := t.now()
	for k, ts := range t.checks {
		if now.Sub(ts) > t.window {
			delete(t.checks, k)
		}
	}
}

// Len returns the number of tracked entries.
func (t *checkTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.checks)
}
