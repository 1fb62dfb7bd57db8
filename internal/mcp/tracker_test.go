package mcp

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/mimamori/internal/model"
)

func TestCheckTracker_RecordAndExpire(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := newCheckTracker(30 * time.Minute)
	tr.now = func() time.Time { return now }

	assert.False(t, tr.WasChecked("analysis", model.PatternAnalysis))

	tr.Record("analysis", model.PatternAnalysis)
	assert.True(t, tr.WasChecked("analysis", model.PatternAnalysis))
	assert.False(t, tr.WasChecked("analysis", model.PatternOutcome), "keyed per pattern type")
	assert.False(t, tr.WasChecked("other", model.PatternAnalysis), "keyed per agent")

	now = now.Add(29 * time.Minute)
	assert.True(t, tr.WasChecked("analysis", model.PatternAnalysis))

	now = now.Add(2 * time.Minute)
	assert.False(t, tr.WasChecked("analysis", model.PatternAnalysis))
	assert.Equal(t, 0, tr.Len(), "expired entry is removed on lookup")
}

func TestCheckTracker_PurgesStaleEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := newCheckTracker(time.Minute)
	tr.now = func() time.Time { return now }

	for i := 0; i < 1000; i++ {
		tr.Record(fmt.Sprintf("agent-%d", i), model.PatternObservation)
	}
	assert.Equal(t, 1000, tr.Len())

	now = now.Add(time.Hour)
	tr.Record("fresh", model.PatternObservation)
	assert.Equal(t, 1, tr.Len())
	assert.True(t, tr.WasChecked("fresh", model.PatternObservation))
}
