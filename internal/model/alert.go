package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertRule is the kind of condition an alert evaluates.
type AlertRule string

const (
	RuleThreshold AlertRule = "threshold"
	RuleHealth    AlertRule = "health"
	RulePattern   AlertRule = "pattern"
)

// Comparison is how a threshold rule compares a metric value.
type Comparison string

const (
	ComparisonAbove  Comparison = "above"
	ComparisonBelow  Comparison = "below"
	ComparisonEquals Comparison = "equals"
)

// EqualsTolerance is the absolute tolerance used by ComparisonEquals.
const EqualsTolerance = 1e-4

// ParseComparison accepts both the long form (above/below/equals) and the
// short operator form (gt/lt/eq).
func ParseComparison(s string) (Comparison, error) {
	switch s {
	case "above", "gt", ">":
		return ComparisonAbove, nil
	case "below", "lt", "<":
		return ComparisonBelow, nil
	case "equals", "eq", "==":
		return ComparisonEquals, nil
	default:
		return "", fmt.Errorf("unknown comparison %q", s)
	}
}

// Matches applies the comparison to value against threshold.
func (c Comparison) Matches(value, threshold float64) bool {
	switch c {
	case ComparisonAbove:
		return value > threshold
	case ComparisonBelow:
		return value < threshold
	case ComparisonEquals:
		d := value - threshold
		if d < 0 {
			d = -d
		}
		return d < EqualsTolerance
	default:
		return false
	}
}

// Severity ranks alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// AlertConfig is the static definition of one alert.
//
// ComponentID "*" matches every component. Metric, when set, restricts a
// threshold or pattern rule to a single metric name.
type AlertConfig struct {
	ID          string      `json:"id"`
	ComponentID string      `json:"component_id"`
	Rule        AlertRule   `json:"rule"`
	Metric      string      `json:"metric,omitempty"`
	Condition   Comparison  `json:"condition,omitempty"`
	Threshold   *float64    `json:"threshold,omitempty"`
	Status      HealthState `json:"status,omitempty"`
	Pattern     string      `json:"pattern,omitempty"`
	Priority    Severity    `json:"priority"`
	Message     string      `json:"message,omitempty"`
}

// AnyComponent is the ComponentID wildcard.
const AnyComponent = "*"

// AppliesTo reports whether the alert watches componentID.
func (c AlertConfig) AppliesTo(componentID string) bool {
	return c.ComponentID == AnyComponent || c.ComponentID == componentID
}

// AlertState is the edge-triggered state of one alert.
type AlertState struct {
	Active        bool      `json:"active"`
	LastTriggered time.Time `json:"last_triggered,omitempty"`
	LastResolved  time.Time `json:"last_resolved,omitempty"`
	Occurrences   int       `json:"occurrences"`
}

// AlertEventKind distinguishes the two edges of the alert state machine.
type AlertEventKind string

const (
	AlertFired    AlertEventKind = "alert"
	AlertResolved AlertEventKind = "resolution"
)

// AlertEvent is emitted on each inactive→active and active→inactive edge.
type AlertEvent struct {
	ID          uuid.UUID      `json:"id"`
	AlertID     string         `json:"alert_id"`
	ComponentID string         `json:"component_id"`
	Kind        AlertEventKind `json:"kind"`
	Rule        AlertRule      `json:"rule"`
	Severity    Severity       `json:"severity"`
	Message     string         `json:"message,omitempty"`
	Metric      string         `json:"metric,omitempty"`
	Value       *float64       `json:"value,omitempty"`
	Status      HealthState    `json:"status,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
