package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// triage-alert: walks an agent through investigating one alert.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("triage-alert",
			mcplib.WithPromptDescription("Investigate an alert using current metrics, health and shared patterns"),
			mcplib.WithArgument("alert_id",
				mcplib.ArgumentDescription("ID of the alert to investigate (e.g. response_time_above_1000)"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleTriageAlertPrompt,
	)

	// agent-setup: system prompt snippet explaining the coordination workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the Mimamori observe/analyze/learn workflow"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleTriageAlertPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	alertID := request.Params.Arguments["alert_id"]
	if alertID == "" {
		return nil, fmt.Errorf("alert_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Triage alert %s", alertID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Alert %s needs triage. Follow these steps:

1. CALL mimamori_recent_alerts with duration="1h" and find the events for
   alert_id="%s". Note when it fired and whether it already resolved.

2. CALL mimamori_status to see overall health and which components are
   degraded or unhealthy.

3. CALL mimamori_optimizer_state to compare the metric against its adaptive
   threshold. A value just above a recently tightened threshold is less
   urgent than one far outside it.

4. CALL mimamori_related_patterns with type="analysis" to see what other
   agents concluded about similar situations.

5. SHARE what you found by calling mimamori_send_message with type="analysis",
   your confidence, and the contributing factors.`, alertID, alertID),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Mimamori coordination workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to Mimamori, a monitoring and coordination service shared
by several agents. It watches metrics and component health, raises alerts,
tunes thresholds adaptively, and keeps a store of validated learning patterns.

## The Pattern: Observe, Analyze, Learn

### Observe
Report what you measure with mimamori_record_metric and what you notice with
mimamori_send_message type="observation".

### Analyze
Before sending an analysis, call mimamori_related_patterns to see what peers
already concluded. Patterns that contradict stored ones are rejected.

### Learn
When an action worked (or did not), send type="learning" with its
effectiveness so every other agent receives it.

## Available Tools

- mimamori_status: Overall health, queue and optimizer summary
- mimamori_record_metric: Report one metric value
- mimamori_send_message: Send observation, analysis, recommendation or learning
- mimamori_recent_alerts: Alert and resolution history
- mimamori_optimizer_state: Adaptive thresholds and learning rate
- mimamori_related_patterns: Stored patterns related to yours

## Confidence Levels

- 0.9-1.0: Strong evidence; analyses above 0.8 become recommendations
- 0.5-0.8: Reasonable, some uncertainty
- below 0.5: A hunch; still worth sharing as an observation`,
				},
			},
		},
	}, nil
}
