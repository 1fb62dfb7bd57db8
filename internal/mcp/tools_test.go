package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mimamori/internal/coordinator"
	"github.com/ashita-ai/mimamori/internal/events"
	"github.com/ashita-ai/mimamori/internal/learning"
	"github.com/ashita-ai/mimamori/internal/model"
	"github.com/ashita-ai/mimamori/internal/monitor"
	"github.com/ashita-ai/mimamori/internal/optimizer"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := events.NewBus(logger)
	svc := monitor.NewService(monitor.Config{}, bus, logger)
	opt := optimizer.NewCrossAgent(optimizer.Config{}, 0, logger)
	patterns := learning.NewDistributor(learning.Config{}, opt, bus, logger)
	coord := coordinator.New(coordinator.Config{}, patterns, opt, svc.Metrics(), bus, logger)
	t.Cleanup(func() {
		coord.Stop()
		svc.Close()
	})
	return New(Deps{Monitor: svc, Coordinator: coord, Patterns: patterns, Optimizer: opt, Logger: logger}, "test")
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func decodeResult(t *testing.T, result *mcplib.CallToolResult, v any) {
	t.Helper()
	require.False(t, result.IsError, "unexpected tool error: %s", parseToolText(t, result))
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), v))
}

func TestRegisterTools(t *testing.T) {
	s := newTestServer(t)
	tools := s.MCPServer().ListTools()
	for _, name := range []string{
		"mimamori_status", "mimamori_record_metric", "mimamori_send_message",
		"mimamori_recent_alerts", "mimamori_optimizer_state", "mimamori_related_patterns",
	} {
		assert.Contains(t, tools, name)
	}
}

func TestHandleRecordMetric(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleRecordMetric(ctx, toolRequest("mimamori_record_metric", map[string]any{
		"name":         "cpu_usage",
		"value":        72.5,
		"component_id": "web-1",
		"tags":         map[string]any{"region": "eu", "shard": 3},
	}))
	require.NoError(t, err)
	var resp struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
	}
	decodeResult(t, result, &resp)
	assert.Equal(t, "recorded", resp.Status)

	got := s.monitor.RecentMetrics("cpu_usage", time.Hour)
	require.Len(t, got, 1)
	assert.True(t, resp.Timestamp.Equal(got[0].Timestamp), "reports the stored timestamp")
	assert.Equal(t, "web-1", got[0].ComponentID)
	assert.Equal(t, map[string]string{"region": "eu", "shard": "3"}, got[0].Tags)
}

func TestHandleRecordMetric_Invalid(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]any
	}{
		{name: "missing name", args: map[string]any{"value": 1.0}},
		{name: "missing value", args: map[string]any{"name": "cpu"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.handleRecordMetric(ctx, toolRequest("mimamori_record_metric", tt.args))
			require.NoError(t, err, "handler should not return go error, only tool error")
			assert.True(t, result.IsError)
		})
	}
}

func TestHandleSendMessage(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleSendMessage(ctx, toolRequest("mimamori_send_message", map[string]any{
		"agent_id": "assessment",
		"type":     "observation",
		"payload": map[string]any{
			"category": "mobility", "environment": "home", "condition": "stairs", "confidence": 0.8,
		},
	}))
	require.NoError(t, err)
	var resp map[string]any
	decodeResult(t, result, &resp)
	assert.Equal(t, "queued", resp["status"])
	assert.NotContains(t, resp, "hint", "observations are never nudged")
	assert.Equal(t, 1, s.coordinator.QueueLen())

	require.Equal(t, 1, s.coordinator.ProcessQueue(ctx))
	assert.Len(t, s.patterns.Patterns(model.PatternObservation), 1)
}

func TestHandleSendMessage_NudgeUntilRelatedChecked(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	analysis := toolRequest("mimamori_send_message", map[string]any{
		"agent_id": "analysis",
		"type":     "analysis",
		"payload":  map[string]any{"confidence": 0.6, "patterns": map[string]any{"factors": []any{"stairs"}}},
	})

	result, err := s.handleSendMessage(ctx, analysis)
	require.NoError(t, err)
	var resp map[string]any
	decodeResult(t, result, &resp)
	assert.Contains(t, resp, "hint")

	result, err = s.handleRelatedPatterns(ctx, toolRequest("mimamori_related_patterns", map[string]any{
		"type": "analysis", "agent_id": "analysis",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	result, err = s.handleSendMessage(ctx, analysis)
	require.NoError(t, err)
	resp = nil
	decodeResult(t, result, &resp)
	assert.NotContains(t, resp, "hint")
}

func TestHandleSendMessage_Invalid(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleSendMessage(ctx, toolRequest("mimamori_send_message", map[string]any{
		"agent_id": "assessment", "type": "observation",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleSendMessage(ctx, toolRequest("mimamori_send_message", map[string]any{
		"agent_id": "has space", "type": "observation", "payload": map[string]any{},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRecentAlerts(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.monitor.AddAlertCondition("cpu_usage", 90, "gt", model.SeverityHigh, "cpu hot")
	require.NoError(t, err)
	_, err = s.monitor.AddAlertCondition("queue_depth", 10, "gt", model.SeverityLow, "")
	require.NoError(t, err)
	recordMetric(t, s, model.Metric{Name: "cpu_usage", Value: 95})
	recordMetric(t, s, model.Metric{Name: "queue_depth", Value: 20})

	result, err := s.handleRecentAlerts(ctx, toolRequest("mimamori_recent_alerts", map[string]any{}))
	require.NoError(t, err)
	var resp struct {
		Alerts []map[string]any `json:"alerts"`
		Total  int              `json:"total"`
	}
	decodeResult(t, result, &resp)
	assert.Equal(t, 2, resp.Total)

	result, err = s.handleRecentAlerts(ctx, toolRequest("mimamori_recent_alerts", map[string]any{"min_severity": "high"}))
	require.NoError(t, err)
	decodeResult(t, result, &resp)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "cpu hot", resp.Alerts[0]["message"])

	result, err = s.handleRecentAlerts(ctx, toolRequest("mimamori_recent_alerts", map[string]any{"duration": "soon"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleOptimizerState(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	s.optimizer.UpdateMetrics([]model.OptimizationMetric{{ID: "cpuUsage", Value: 40}})

	result, err := s.handleOptimizerState(ctx, toolRequest("mimamori_optimizer_state", nil))
	require.NoError(t, err)
	var st optimizer.State
	decodeResult(t, result, &st)
	assert.Equal(t, 40.0, st.Metrics["cpuUsage"].Value)

	result, err = s.handleOptimizerState(ctx, toolRequest("mimamori_optimizer_state", map[string]any{"include_history": true}))
	require.NoError(t, err)
	var exp optimizer.Export
	decodeResult(t, result, &exp)
	assert.False(t, exp.ExportedAt.IsZero())
}

func TestHandleRelatedPatterns(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	for _, id := range []string{"o1", "o2"} {
		res, err := s.patterns.AddPattern(ctx, model.LearningPattern{
			ID: id, Source: "assessment", Type: model.PatternObservation, Confidence: 0.7,
			Payload: model.ObservationPattern{Category: "mobility", Environment: "home", Condition: "stairs"},
		})
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}

	result, err := s.handleRelatedPatterns(ctx, toolRequest("mimamori_related_patterns", map[string]any{"pattern_id": "o1"}))
	require.NoError(t, err)
	var resp struct {
		Patterns []map[string]any `json:"patterns"`
		Total    int              `json:"total"`
	}
	decodeResult(t, result, &resp)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "o2", resp.Patterns[0]["id"])

	result, err = s.handleRelatedPatterns(ctx, toolRequest("mimamori_related_patterns", map[string]any{"pattern_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRelatedPatterns(ctx, toolRequest("mimamori_related_patterns", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleStatus(t *testing.T) {
	s := newTestServer(t)
	recordMetric(t, s, model.Metric{Name: "cpu_usage", Value: 1})

	result, err := s.handleStatus(context.Background(), toolRequest("mimamori_status", nil))
	require.NoError(t, err)
	var snap statusSnapshot
	decodeResult(t, result, &snap)
	assert.Equal(t, 1, snap.Monitor.MetricPoints)
	assert.Equal(t, model.HealthHealthy, snap.Monitor.Status)
}

func recordMetric(t *testing.T, s *Server, m model.Metric) {
	t.Helper()
	_, err := s.monitor.RecordMetric(m)
	require.NoError(t, err)
}
