package mimamori

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Well-known agent IDs. Observations are forwarded to AgentAnalysis and
// high-confidence analyses to AgentAssessment.
const (
	AgentAssessment = "assessment"
	AgentAnalysis   = "analysis"
)

// Message types an Agent may receive.
const (
	MessageObservation    = "observation"
	MessageAnalysis       = "analysis"
	MessageRecommendation = "recommendation"
	MessageLearning       = "learning"
)

// Health states reported by a HealthFunc.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Message is the public representation of an agent message forwarded to an
// Agent. Payload holds the JSON encoding of the type-specific payload.
// No internal package imports, so it is safe to use from outside the module.
type Message struct {
	ID        uuid.UUID
	AgentID   string
	Type      string
	Payload   json.RawMessage
	Timestamp time.Time
}

// Pattern is the public representation of an accepted learning pattern.
type Pattern struct {
	ID         string
	Source     string
	Type       string
	Confidence float64
	Timestamp  time.Time
	// Payload holds the JSON encoding of the type-specific pattern body.
	Payload  json.RawMessage
	Metadata map[string]any
}

// HealthStatus is what a HealthFunc reports for its component.
type HealthStatus struct {
	Status  string
	Message string
	Details map[string]any
}

// Metric is one value produced by a MetricsFunc. A zero Timestamp means now.
type Metric struct {
	Name      string
	Value     float64
	Tags      map[string]string
	Timestamp time.Time
}
