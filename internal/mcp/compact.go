package mcp

import (
	"math"

	"github.com/ashita-ai/mimamori/internal/model"
)

const maxCompactText = 200

// compactPattern returns a minimal representation of a learning pattern for
// MCP responses. Metadata and free-form details are dropped.
func compactPattern(p model.LearningPattern) map[string]any {
	m := map[string]any{
		"id":         p.ID,
		"source":     p.Source,
		"type":       p.Type,
		"confidence": math.Round(p.Confidence*1000) / 1000,
		"timestamp":  p.Timestamp,
	}
	switch pl := p.Payload.(type) {
	case model.ObservationPattern:
		m["category"] = pl.Category
		m["environment"] = pl.Environment
		m["condition"] = pl.Condition
	case model.AnalysisPattern:
		m["factors"] = pl.Factors
		if pl.Summary != "" {
			m["summary"] = truncate(pl.Summary, maxCompactText)
		}
	case model.CorrelationPattern:
		m["variables"] = pl.Variables
		m["strength"] = pl.Strength
	case model.OutcomePattern:
		m["scores"] = pl.Scores
		if len(pl.Recommendations) > 0 {
			m["recommendations"] = pl.Recommendations
		}
	}
	return m
}

// compactAlert returns a minimal representation of an alert event.
func compactAlert(ev model.AlertEvent) map[string]any {
	m := map[string]any{
		"alert_id":  ev.AlertID,
		"kind":      ev.Kind,
		"severity":  ev.Severity,
		"timestamp": ev.Timestamp,
	}
	if ev.ComponentID != "" {
		m["component_id"] = ev.ComponentID
	}
	if ev.Metric != "" {
		m["metric"] = ev.Metric
	}
	if ev.Value != nil {
		m["value"] = *ev.Value
	}
	if ev.Status != "" {
		m["status"] = ev.Status
	}
	if ev.Message != "" {
		m["message"] = truncate(ev.Message, maxCompactText)
	}
	return m
}

// severityRank orders severities for filtering; unknown severities rank 0.
func severityRank(s model.Severity) int {
	switch s {
	case model.SeverityLow:
		return 1
	case model.SeverityMedium:
		return 2
	case model.SeverityHigh:
		return 3
	case model.SeverityCritical:
		return 4
	default:
		return 0
	}
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
