package integrity

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mimamori/internal/model"
)

func sampleEvent() model.AlertEvent {
	v := 1500.0
	return model.AlertEvent{
		ID:          uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		AlertID:     "slow",
		ComponentID: "api",
		Kind:        model.AlertFired,
		Rule:        model.RuleThreshold,
		Severity:    model.SeverityCritical,
		Metric:      "response_time",
		Value:       &v,
		Message:     "response time above 1000ms",
		Timestamp:   time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
	}
}

func TestAlertEventHashDeterministic(t *testing.T) {
	h1 := AlertEventHash(sampleEvent())
	h2 := AlertEventHash(sampleEvent())
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, len("v1:")+64)
}

func TestAlertEventHashTimezoneIndependent(t *testing.T) {
	ev := sampleEvent()
	local := ev
	local.Timestamp = ev.Timestamp.In(time.FixedZone("JST", 9*3600))
	assert.Equal(t, AlertEventHash(ev), AlertEventHash(local))
}

func TestAlertEventHashDetectsChanges(t *testing.T) {
	base := AlertEventHash(sampleEvent())

	changed := sampleEvent()
	changed.Severity = model.SeverityLow
	assert.NotEqual(t, base, AlertEventHash(changed))

	noValue := sampleEvent()
	noValue.Value = nil
	assert.NotEqual(t, base, AlertEventHash(noValue))
}

func TestAlertEventHashNoDelimiterCollision(t *testing.T) {
	a := sampleEvent()
	a.AlertID = "ab"
	a.ComponentID = "c"
	b := sampleEvent()
	b.AlertID = "a"
	b.ComponentID = "bc"
	assert.NotEqual(t, AlertEventHash(a), AlertEventHash(b))
}

func TestVerifyAlertEventHash(t *testing.T) {
	ev := sampleEvent()
	stored := AlertEventHash(ev)
	assert.True(t, VerifyAlertEventHash(stored, ev))

	ev.Message = "edited"
	assert.False(t, VerifyAlertEventHash(stored, ev))
	assert.False(t, VerifyAlertEventHash(stored[len("v1:"):], sampleEvent()), "unprefixed hashes never verify")
}

func TestBuildMerkleRoot(t *testing.T) {
	assert.Empty(t, BuildMerkleRoot(nil))
	assert.Equal(t, "aa", BuildMerkleRoot([]string{"aa"}))

	two := BuildMerkleRoot([]string{"aa", "bb"})
	assert.Equal(t, hashPair("aa", "bb"), two)

	three := BuildMerkleRoot([]string{"aa", "bb", "cc"})
	require.Equal(t, hashPair(hashPair("aa", "bb"), hashPair("cc", "cc")), three)
	assert.NotEqual(t, three, BuildMerkleRoot([]string{"aa", "cc", "bb"}))
}
