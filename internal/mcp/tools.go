package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/mimamori/internal/coordinator"
	"github.com/ashita-ai/mimamori/internal/model"
)

func (s *Server) registerTools() {
	// mimamori_status: one-call overview of the monitored system.
	s.mcpServer.AddTool(
		mcplib.NewTool("mimamori_status",
			mcplib.WithDescription(`Get the current state of the monitored system.

WHEN TO USE: At the start of a task, or before deciding whether to act on
an alert. Returns overall health, metric and alert counts, the coordinator
queue, pattern store counters and the optimizer's learning rate.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleStatus,
	)

	// mimamori_record_metric: report one metric observation.
	s.mcpServer.AddTool(
		mcplib.NewTool("mimamori_record_metric",
			mcplib.WithDescription(`Record one metric observation.

Recorded metrics are evaluated against every configured alert and, when the
metric is mapped, fed to the adaptive optimizer.

EXAMPLE: name="response_time", value=420, component_id="checkout-api"`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("name",
				mcplib.Description("Metric series name, e.g. response_time, error_rate, cpu_usage"),
				mcplib.Required(),
			),
			mcplib.WithNumber("value",
				mcplib.Description("Observed value"),
				mcplib.Required(),
			),
			mcplib.WithString("component_id",
				mcplib.Description("Component that produced the metric"),
			),
			mcplib.WithObject("tags",
				mcplib.Description("Optional string key/value tags"),
			),
		),
		s.handleRecordMetric,
	)

	// mimamori_send_message: queue a message for the agent coordinator.
	s.mcpServer.AddTool(
		mcplib.NewTool("mimamori_send_message",
			mcplib.WithDescription(`Send a message to the agent coordinator.

Messages are queued and processed in order. Observations become observation
patterns and are forwarded to the analysis agent; analyses above 0.8
confidence become recommendations; learning messages are broadcast to every
other agent.

TIP: Call mimamori_related_patterns first so your analysis builds on what
other agents already learned.

PAYLOAD SHAPES:
- observation: {category, environment, condition, confidence}
- analysis: {confidence, summary, patterns: {factors: [...]}}
- recommendation: {confidence, recommendations: [...], scores: {safety, mobility, independence, comfort}}
- learning: {variables: [...], strength, effectiveness, confidence}`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("Sending agent identifier"),
				mcplib.Required(),
			),
			mcplib.WithString("type",
				mcplib.Description("Message type"),
				mcplib.Required(),
				mcplib.Enum("observation", "analysis", "recommendation", "learning"),
			),
			mcplib.WithObject("payload",
				mcplib.Description("Message payload; shape depends on type"),
				mcplib.Required(),
			),
		),
		s.handleSendMessage,
	)

	// mimamori_recent_alerts: alert history.
	s.mcpServer.AddTool(
		mcplib.NewTool("mimamori_recent_alerts",
			mcplib.WithDescription(`List alert and resolution events.

FILTER EXAMPLES:
- Last 15 minutes: duration="15m"
- Only serious alerts: min_severity="high"`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("duration",
				mcplib.Description("Lookback window as a Go duration (e.g. 15m, 1h, 24h)"),
				mcplib.DefaultString("1h"),
			),
			mcplib.WithString("min_severity",
				mcplib.Description("Lowest severity to include"),
				mcplib.Enum("low", "medium", "high", "critical"),
			),
		),
		s.handleRecentAlerts,
	)

	// mimamori_optimizer_state: adaptive thresholds.
	s.mcpServer.AddTool(
		mcplib.NewTool("mimamori_optimizer_state",
			mcplib.WithDescription(`Get the adaptive optimizer's metrics, thresholds and learning rate.

Set include_history=true for the full export including recent optimization
rounds.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithBoolean("include_history",
				mcplib.Description("Include the optimization history"),
				mcplib.DefaultBool(false),
			),
		),
		s.handleOptimizerState,
	)

	// mimamori_related_patterns: patterns similar to a stored one.
	s.mcpServer.AddTool(
		mcplib.NewTool("mimamori_related_patterns",
			mcplib.WithDescription(`Find stored learning patterns related to a pattern.

WHEN TO USE: Before sending an analysis, recommendation or learning message,
to see what peers already learned. Without pattern_id, lists the most recent
patterns of the given type.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("pattern_id",
				mcplib.Description("Stored pattern to find relatives of"),
			),
			mcplib.WithString("type",
				mcplib.Description("Pattern type to list when pattern_id is omitted"),
				mcplib.Enum("observation", "analysis", "correlation", "outcome"),
			),
			mcplib.WithString("agent_id",
				mcplib.Description("Your agent identifier"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum patterns to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleRelatedPatterns,
	)
}

func (s *Server) handleStatus(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(s.snapshot())
}

func (s *Server) handleRecordMetric(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req := model.RecordMetricRequest{
		Name:        request.GetString("name", ""),
		Value:       request.GetFloat("value", 0),
		ComponentID: request.GetString("component_id", ""),
	}
	if raw, ok := request.GetArguments()["tags"].(map[string]any); ok {
		req.Tags = make(map[string]string, len(raw))
		for k, v := range raw {
			req.Tags[k] = fmt.Sprint(v)
		}
	}
	if _, ok := request.GetArguments()["value"]; !ok {
		return errorResult("value is required"), nil
	}
	if err := model.ValidateRecordMetricRequest(req); err != nil {
		return errorResult(err.Error()), nil
	}

	m, err := s.monitor.RecordMetric(model.Metric{Name: req.Name, Value: req.Value, Tags: req.Tags, ComponentID: req.ComponentID})
	if err != nil {
		return errorResult(fmt.Sprintf("failed to record metric: %v", err)), nil
	}
	return jsonResult(map[string]any{"status": "recorded", "name": m.Name, "value": m.Value, "timestamp": m.Timestamp})
}

// nudgedTypes maps message types to the pattern type an agent should consult
// before sending them.
var nudgedTypes = map[model.MessageType]model.PatternType{
	model.MessageAnalysis:       model.PatternAnalysis,
	model.MessageRecommendation: model.PatternOutcome,
	model.MessageLearning:       model.PatternCorrelation,
}

func (s *Server) handleSendMessage(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	args := request.GetArguments()
	agentID := request.GetString("agent_id", "")
	msgType := model.MessageType(request.GetString("type", ""))
	payload, ok := args["payload"]
	if agentID == "" || msgType == "" || !ok {
		return errorResult("agent_id, type and payload are required"), nil
	}

	// Round-trip through JSON so the payload is decoded into the variant
	// named by type.
	raw, err := json.Marshal(map[string]any{"agent_id": agentID, "type": msgType, "payload": payload})
	if err != nil {
		return errorResult(fmt.Sprintf("invalid payload: %v", err)), nil
	}
	var msg model.AgentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errorResult(fmt.Sprintf("invalid payload: %v", err)), nil
	}

	queued, err := s.coordinator.SendMessage(ctx, msg)
	if err != nil {
		if errors.Is(err, coordinator.ErrRateLimited) {
			return errorResult("rate limited: slow down and retry"), nil
		}
		return errorResult(err.Error()), nil
	}

	resp := map[string]any{
		"message_id": queued.ID,
		"type":       queued.Type,
		"status":     "queued",
	}
	if pt, ok := nudgedTypes[msgType]; ok && !s.tracker.WasChecked(agentID, pt) {
		resp["hint"] = fmt.Sprintf("call mimamori_related_patterns with type=%q first to build on what other agents learned", pt)
	}
	return jsonResult(resp)
}

func (s *Server) handleRecentAlerts(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	d, err := time.ParseDuration(request.GetString("duration", "1h"))
	if err != nil || d <= 0 {
		return errorResult("duration must be a positive Go duration such as 15m or 1h"), nil
	}
	minRank := 0
	if sev := request.GetString("min_severity", ""); sev != "" {
		minRank = severityRank(model.Severity(sev))
		if minRank == 0 {
			return errorResult("min_severity must be one of low, medium, high, critical"), nil
		}
	}

	evs := s.monitor.RecentAlerts(d)
	out := make([]map[string]any, 0, len(evs))
	for _, ev := range evs {
		if severityRank(ev.Severity) < minRank {
			continue
		}
		out = append(out, compactAlert(ev))
	}
	return jsonResult(map[string]any{"alerts": out, "total": len(out)})
}

func (s *Server) handleOptimizerState(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if request.GetBool("include_history", false) {
		return jsonResult(s.optimizer.ExportOptimizationData())
	}
	return jsonResult(s.optimizer.GetState())
}

func (s *Server) handleRelatedPatterns(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 10)
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	var (
		pt      model.PatternType
		matches []model.LearningPattern
	)
	if id := request.GetString("pattern_id", ""); id != "" {
		p, ok := s.patterns.Pattern(id)
		if !ok {
			return errorResult(fmt.Sprintf("pattern %s not found", id)), nil
		}
		pt = p.Type
		matches = s.patterns.RelatedPatterns(p)
	} else {
		pt = model.PatternType(request.GetString("type", ""))
		if pt == "" {
			return errorResult("pattern_id or type is required"), nil
		}
		matches = s.patterns.Patterns(pt)
	}

	if agentID := request.GetString("agent_id", ""); agentID != "" {
		s.tracker.Record(agentID, pt)
	}

	if len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]map[string]any, 0, len(matches))
	for _, p := range matches {
		out = append(out, compactPattern(p))
	}
	return jsonResult(map[string]any{"patterns": out, "total": len(out)})
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
