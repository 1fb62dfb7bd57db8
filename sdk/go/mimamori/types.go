package mimamori

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message types accepted by SendMessage.
const (
	MessageObservation    = "observation"
	MessageAnalysis       = "analysis"
	MessageRecommendation = "recommendation"
	MessageLearning       = "learning"
)

// Pattern types returned by ListPatterns.
const (
	PatternObservation = "observation"
	PatternAnalysis    = "analysis"
	PatternCorrelation = "correlation"
	PatternOutcome     = "outcome"
)

// Severity levels for alert conditions.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Health states.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// ---------------------------------------------------------------------------
// Monitoring
// ---------------------------------------------------------------------------

// Metric is one recorded metric value.
type Metric struct {
	Name        string            `json:"name"`
	Value       float64           `json:"value"`
	Timestamp   time.Time         `json:"timestamp"`
	Tags        map[string]string `json:"tags,omitempty"`
	ComponentID string            `json:"component_id,omitempty"`
}

// RecordMetricRequest is the input for RecordMetric. A nil Timestamp means
// the server's now.
type RecordMetricRequest struct {
	Name        string            `json:"name"`
	Value       float64           `json:"value"`
	Timestamp   *time.Time        `json:"timestamp,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	ComponentID string            `json:"component_id,omitempty"`
}

// Bucket is one aggregation interval returned by AggregateMetrics.
type Bucket struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Count     int       `json:"count"`
}

// AggregateOptions selects the aggregation for AggregateMetrics.
type AggregateOptions struct {
	Duration    time.Duration
	Aggregation string // avg, sum, min, max or count
	Interval    time.Duration
	ComponentID string
}

// HealthCheckRequest is the input for UpdateHealth.
type HealthCheckRequest struct {
	Component string         `json:"component"`
	Status    string         `json:"status"`
	LastCheck *time.Time     `json:"last_check,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HealthStatus is the stored health of one component.
type HealthStatus struct {
	ComponentID string         `json:"component_id"`
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// AlertConditionRequest is the input for AddAlertCondition. Comparison
// accepts gt/lt/eq as well as above/below/equals.
type AlertConditionRequest struct {
	MetricName string  `json:"metric_name"`
	Threshold  float64 `json:"threshold"`
	Comparison string  `json:"comparison"`
	Severity   string  `json:"severity"`
	Message    string  `json:"message,omitempty"`
}

// AlertEvent is an alert firing ("alert") or resolving ("resolution").
type AlertEvent struct {
	ID          uuid.UUID `json:"id"`
	AlertID     string    `json:"alert_id"`
	ComponentID string    `json:"component_id"`
	Kind        string    `json:"kind"`
	Rule        string    `json:"rule"`
	Severity    string    `json:"severity"`
	Message     string    `json:"message,omitempty"`
	Metric      string    `json:"metric,omitempty"`
	Value       *float64  `json:"value,omitempty"`
	Status      string    `json:"status,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// HealthResponse is returned by Health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Components     int    `json:"components"`
	SSESubscribers int    `json:"sse_subscribers"`
}

// ---------------------------------------------------------------------------
// Coordination
// ---------------------------------------------------------------------------

// Observation reports something an agent observed.
type Observation struct {
	Category    string         `json:"category"`
	Environment string         `json:"environment"`
	Condition   string         `json:"condition"`
	Confidence  float64        `json:"confidence"`
	Details     map[string]any `json:"details,omitempty"`
}

// Analysis carries the result of analysing observations. Factors become an
// analysis pattern; a confidence above 0.8 is forwarded as a recommendation.
type Analysis struct {
	Factors    []string
	Confidence float64
	Summary    string
}

// MarshalJSON nests Factors under "patterns" as the server expects.
func (a Analysis) MarshalJSON() ([]byte, error) {
	type factors struct {
		Factors []string `json:"factors"`
	}
	body := struct {
		Patterns   *factors `json:"patterns,omitempty"`
		Confidence float64  `json:"confidence"`
		Summary    string   `json:"summary,omitempty"`
	}{Confidence: a.Confidence, Summary: a.Summary}
	if a.Factors != nil {
		body.Patterns = &factors{Factors: a.Factors}
	}
	return json.Marshal(body)
}

// OutcomeScores are the expected effects of a recommendation.
type OutcomeScores struct {
	Safety       float64 `json:"safety"`
	Mobility     float64 `json:"mobility"`
	Independence float64 `json:"independence"`
	Comfort      float64 `json:"comfort"`
}

// Recommendation proposes actions with expected outcome scores.
type Recommendation struct {
	Recommendations []string      `json:"recommendations,omitempty"`
	Scores          OutcomeScores `json:"scores"`
	Confidence      float64       `json:"confidence"`
	Summary         string        `json:"summary,omitempty"`
}

// Learning shares a learned correlation with every other agent.
type Learning struct {
	Variables     []string       `json:"variables,omitempty"`
	Strength      float64        `json:"strength"`
	Effectiveness float64        `json:"effectiveness"`
	Confidence    float64        `json:"confidence"`
	Details       map[string]any `json:"details,omitempty"`
}

// QueuedMessage is the server's view of an accepted message.
type QueuedMessage struct {
	ID        uuid.UUID      `json:"id"`
	AgentID   string         `json:"agent_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// CoordinatorStats is a snapshot of coordinator activity.
type CoordinatorStats struct {
	Queued    int              `json:"queued"`
	Processed int64            `json:"processed"`
	Failed    int64            `json:"failed"`
	Dropped   int64            `json:"dropped"`
	ByType    map[string]int64 `json:"by_type"`
	Agents    int              `json:"agents"`
}

// AgentsResponse is returned by ListAgents.
type AgentsResponse struct {
	Agents []string         `json:"agents"`
	Stats  CoordinatorStats `json:"stats"`
}

// ---------------------------------------------------------------------------
// Learning patterns
// ---------------------------------------------------------------------------

// Pattern is a stored learning pattern. Body holds the type-specific fields
// (category/environment/condition, factors, variables/strength, or
// scores/recommendations).
type Pattern struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Type       string         `json:"type"`
	Body       map[string]any `json:"pattern"`
	Confidence float64        `json:"confidence"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PatternResult is the validation outcome of AddPattern.
type PatternResult struct {
	PatternID      string   `json:"pattern_id"`
	Accepted       bool     `json:"accepted"`
	Score          float64  `json:"score"`
	ConflictingIDs []string `json:"conflicting_ids,omitempty"`
}

// ---------------------------------------------------------------------------
// Optimizer
// ---------------------------------------------------------------------------

// OptimizationMetric is one input to the adaptive optimizer.
type OptimizationMetric struct {
	ID        string    `json:"id"`
	Value     float64   `json:"value"`
	Weight    float64   `json:"weight"`
	Timestamp time.Time `json:"timestamp"`
}

// Threshold is an adaptive bound on one optimizer metric.
type Threshold struct {
	Metric         string  `json:"metric"`
	MinValue       float64 `json:"min_value"`
	MaxValue       float64 `json:"max_value"`
	TargetValue    float64 `json:"target_value"`
	AdaptationRate float64 `json:"adaptation_rate"`
}

// OptimizerState is returned by OptimizerState.
type OptimizerState struct {
	Metrics          map[string]OptimizationMetric `json:"metrics"`
	Thresholds       map[string]Threshold          `json:"thresholds"`
	LearningRate     float64                       `json:"learning_rate"`
	LastOptimization time.Time                     `json:"last_optimization"`
}

// SharedDataResponse is returned by ShareMetrics.
type SharedDataResponse struct {
	Received int `json:"received"`
	Folded   int `json:"folded"`
}

type sharedDataRequest struct {
	Metrics []OptimizationMetric `json:"metrics"`
}
