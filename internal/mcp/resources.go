package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/mimamori/internal/model"
)

const (
	statusURI        = "mimamori://status"
	recentAlertsURI  = "mimamori://alerts/recent"
	agentPatternsPfx = "mimamori://agent/"
	agentPatternsSfx = "/patterns"
)

func (s *Server) registerResources() {
	// mimamori://status: system health, queue and learning summary.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			statusURI,
			"System Status",
			mcplib.WithResourceDescription("Overall health, metric and alert counts, coordinator queue and optimizer state"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStatusResource,
	)

	// mimamori://alerts/recent: alerts fired or resolved in the last hour.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			recentAlertsURI,
			"Recent Alerts",
			mcplib.WithResourceDescription("Alert and resolution events from the last hour"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentAlertsResource,
	)

	// mimamori://agent/{id}/patterns: patterns contributed by one agent.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			agentPatternsPfx+"{id}"+agentPatternsSfx,
			"Agent Patterns",
			mcplib.WithTemplateDescription("Learning patterns contributed by a specific agent"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentPatterns,
	)
}

func (s *Server) handleStatusResource(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonResource(statusURI, s.snapshot())
}

func (s *Server) handleRecentAlertsResource(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	evs := s.monitor.RecentAlerts(time.Hour)
	out := make([]map[string]any, 0, len(evs))
	for _, ev := range evs {
		out = append(out, compactAlert(ev))
	}
	return jsonResource(recentAlertsURI, out)
}

func (s *Server) handleAgentPatterns(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	agentID, err := parseAgentPatternsURI(uri)
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for _, p := range s.patterns.Patterns("") {
		if p.Source == agentID {
			out = append(out, compactPattern(p))
		}
	}
	return jsonResource(uri, map[string]any{
		"agent_id": agentID,
		"patterns": out,
	})
}

// parseAgentPatternsURI extracts the agent ID from mimamori://agent/{id}/patterns.
func parseAgentPatternsURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, agentPatternsPfx) || !strings.HasSuffix(uri, agentPatternsSfx) ||
		len(uri) < len(agentPatternsPfx)+len(agentPatternsSfx) {
		return "", fmt.Errorf("mcp: invalid agent patterns URI: %s", uri)
	}
	agentID := uri[len(agentPatternsPfx) : len(uri)-len(agentPatternsSfx)]
	if agentID == "" {
		return "", fmt.Errorf("mcp: empty agent_id in URI: %s", uri)
	}
	if err := model.ValidateAgentID(agentID); err != nil {
		return "", fmt.Errorf("mcp: agent patterns URI: %w", err)
	}
	return agentID, nil
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
