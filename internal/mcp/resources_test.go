package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mimamori/internal/model"
)

func TestParseAgentPatternsURI(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		want    string
		wantErr string
	}{
		{name: "valid", uri: "mimamori://agent/assessment/patterns", want: "assessment"},
		{name: "dotted id", uri: "mimamori://agent/agent.v2@host/patterns", want: "agent.v2@host"},
		{name: "wrong scheme", uri: "http://agent/x/patterns", wantErr: "invalid agent patterns URI"},
		{name: "missing suffix", uri: "mimamori://agent/x", wantErr: "invalid agent patterns URI"},
		{name: "empty id", uri: "mimamori://agent//patterns", wantErr: "empty agent_id"},
		{name: "overlapping prefix and suffix", uri: "mimamori://agent/patterns", wantErr: "invalid agent patterns URI"},
		{name: "invalid character", uri: "mimamori://agent/a b/patterns", wantErr: "invalid character"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAgentPatternsURI(tt.uri)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func readText(t *testing.T, contents []mcplib.ResourceContents) string {
	t.Helper()
	require.Len(t, contents, 1)
	tc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok, "expected TextResourceContents")
	assert.Equal(t, "application/json", tc.MIMEType)
	return tc.Text
}

func TestStatusResource(t *testing.T) {
	s := newTestServer(t)
	recordMetric(t, s, model.Metric{Name: "cpu_usage", Value: 12})

	contents, err := s.handleStatusResource(context.Background(), mcplib.ReadResourceRequest{})
	require.NoError(t, err)

	var snap statusSnapshot
	require.NoError(t, json.Unmarshal([]byte(readText(t, contents)), &snap))
	assert.Equal(t, []string{"cpu_usage"}, snap.Monitor.MetricNames)
	assert.Equal(t, 0, snap.Coordinator.Queued)
}

func TestAgentPatternsResource(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.patterns.AddPattern(ctx, model.LearningPattern{
		ID: "mine", Source: "assessment", Type: model.PatternObservation, Confidence: 0.9,
		Payload: model.ObservationPattern{Category: "mobility", Environment: "home", Condition: "stairs"},
	})
	require.NoError(t, err)
	_, err = s.patterns.AddPattern(ctx, model.LearningPattern{
		ID: "theirs", Source: "analysis", Type: model.PatternAnalysis, Confidence: 0.5,
		Payload: model.AnalysisPattern{Factors: []string{"stairs"}},
	})
	require.NoError(t, err)

	req := mcplib.ReadResourceRequest{}
	req.Params.URI = "mimamori://agent/assessment/patterns"
	contents, err := s.handleAgentPatterns(ctx, req)
	require.NoError(t, err)

	var body struct {
		AgentID  string           `json:"agent_id"`
		Patterns []map[string]any `json:"patterns"`
	}
	require.NoError(t, json.Unmarshal([]byte(readText(t, contents)), &body))
	assert.Equal(t, "assessment", body.AgentID)
	require.Len(t, body.Patterns, 1)
	assert.Equal(t, "mine", body.Patterns[0]["id"])
	assert.Equal(t, "stairs", body.Patterns[0]["condition"])

	req.Params.URI = "mimamori://agent//patterns"
	_, err = s.handleAgentPatterns(ctx, req)
	assert.Error(t, err)
}

func TestRecentAlertsResource(t *testing.T) {
	s := newTestServer(t)
	_, err := s.monitor.AddAlertCondition("cpu_usage", 90, "above", model.SeverityMedium, "")
	require.NoError(t, err)
	recordMetric(t, s, model.Metric{Name: "cpu_usage", Value: 99})

	contents, err := s.handleRecentAlertsResource(context.Background(), mcplib.ReadResourceRequest{})
	require.NoError(t, err)

	var alerts []map[string]any
	require.NoError(t, json.Unmarshal([]byte(readText(t, contents)), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, "cpu_usage", alerts[0]["metric"])
	assert.Equal(t, 99.0, alerts[0]["value"])
}
