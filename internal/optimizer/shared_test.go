package optimizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mimamori/internal/model"
)

func TestReceiveSharedDataDropsStale(t *testing.T) {
	clk := newClock()
	c := NewCrossAgent(Config{}, 0, nil, WithClock(clk.Now), WithThresholds(responseTime()))

	n := c.ReceiveSharedData("agentA", []model.OptimizationMetric{
		{ID: "responseTime", Value: 300, Weight: 1, Timestamp: clk.Now().Add(-6 * time.Minute)},
	})

	assert.Zero(t, n)
	_, ok := c.GetState().Metrics["responseTime"]
	assert.False(t, ok)
	assert.Empty(t, c.SharedSources())
}

func TestReceiveSharedDataFoldsFresh(t *testing.T) {
	clk := newClock()
	c := NewCrossAgent(Config{}, 0, nil, WithClock(clk.Now), WithThresholds(responseTime()))

	n := c.ReceiveSharedData("agentA", []model.OptimizationMetric{
		{ID: "responseTime", Value: 300, Weight: 1, Timestamp: clk.Now().Add(-time.Minute)},
	})
	require.Equal(t, 1, n)

	st := c.GetState()
	assert.Equal(t, 300.0, st.Metrics["responseTime"].Value)
	assert.InDelta(t, 990, st.Thresholds["responseTime"].MaxValue, 1e-9)
	assert.Equal(t, map[string]int{"agentA": 1}, c.SharedSources())
}

func TestReceiveSharedDataPrefersNewestAcrossPeers(t *testing.T) {
	clk := newClock()
	c := NewCrossAgent(Config{}, 0, nil, WithClock(clk.Now))

	c.ReceiveSharedData("agentA", []model.OptimizationMetric{
		{ID: "cpuUsage", Value: 40, Timestamp: clk.Now().Add(-30 * time.Second)},
	})
	c.ReceiveSharedData("agentB", []model.OptimizationMetric{
		{ID: "cpuUsage", Value: 70, Timestamp: clk.Now().Add(-time.Minute)},
	})
	assert.Equal(t, 40.0, c.GetState().Metrics["cpuUsage"].Value)

	clk.Advance(5 * time.Minute)
	n := c.ReceiveSharedData("agentB", nil)
	assert.Zero(t, n, "both entries aged out")
	assert.Empty(t, c.SharedSources())
}
