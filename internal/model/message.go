package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the variant tag of an AgentMessage.
type MessageType string

const (
	MessageObservation    MessageType = "observation"
	MessageAnalysis       MessageType = "analysis"
	MessageRecommendation MessageType = "recommendation"
	MessageLearning       MessageType = "learning"
)

// MessagePayload is the closed set of agent message payloads.
type MessagePayload interface {
	MessageType() MessageType
}

// ObservationMessage reports something an agent observed.
type ObservationMessage struct {
	Category    string         `json:"category"`
	Environment string         `json:"environment"`
	Condition   string         `json:"condition"`
	Confidence  float64        `json:"confidence"`
	Details     map[string]any `json:"details,omitempty"`
}

func (ObservationMessage) MessageType() MessageType { return MessageObservation }

// AnalysisMessage carries the result of analysing one or more observations.
// Patterns is nil when the analysis produced no factor set.
type AnalysisMessage struct {
	Patterns    *AnalysisPattern    `json:"patterns,omitempty"`
	Confidence  float64             `json:"confidence"`
	Summary     string              `json:"summary,omitempty"`
	Observation *ObservationMessage `json:"observation,omitempty"`
}

func (AnalysisMessage) MessageType() MessageType { return MessageAnalysis }

// RecommendationMessage proposes actions with expected outcome scores.
type RecommendationMessage struct {
	Recommendations []string      `json:"recommendations,omitempty"`
	Scores          OutcomeScores `json:"scores"`
	Confidence      float64       `json:"confidence"`
	Summary         string        `json:"summary,omitempty"`
}

func (RecommendationMessage) MessageType() MessageType { return MessageRecommendation }

// LearningMessage shares a learned correlation with the other agents.
type LearningMessage struct {
	Variables     []string       `json:"variables,omitempty"`
	Strength      float64        `json:"strength"`
	Effectiveness float64        `json:"effectiveness"`
	Confidence    float64        `json:"confidence"`
	Details       map[string]any `json:"details,omitempty"`
}

func (LearningMessage) MessageType() MessageType { return MessageLearning }

// AgentMessage lives only in the coordinator queue between enqueue and
// dispatch. AgentID is the sender.
type AgentMessage struct {
	ID        uuid.UUID      `json:"id"`
	AgentID   string         `json:"agent_id"`
	Type      MessageType    `json:"type"`
	Payload   MessagePayload `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage builds a message whose Type is taken from the payload.
func NewMessage(agentID string, payload MessagePayload) AgentMessage {
	return AgentMessage{
		ID:        uuid.New(),
		AgentID:   agentID,
		Type:      payload.MessageType(),
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// ValidateMessage checks the sender, that Type agrees with Payload and that
// the payload confidence lies within [0, 1].
func ValidateMessage(m AgentMessage) error {
	if err := ValidateAgentID(m.AgentID); err != nil {
		return err
	}
	if m.Payload == nil {
		return fmt.Errorf("message payload is required")
	}
	if m.Type != m.Payload.MessageType() {
		return fmt.Errorf("message type %q does not match payload %q", m.Type, m.Payload.MessageType())
	}
	if c := payloadConfidence(m.Payload); !ValidConfidence(c) {
		return fmt.Errorf("%s message: confidence must be within [0, 1]", m.Type)
	}
	return nil
}

func payloadConfidence(p MessagePayload) float64 {
	switch v := p.(type) {
	case ObservationMessage:
		return v.Confidence
	case AnalysisMessage:
		return v.Confidence
	case RecommendationMessage:
		return v.Confidence
	case LearningMessage:
		return v.Confidence
	}
	return 0
}

// UnmarshalJSON decodes the payload into the variant named by "type".
func (m *AgentMessage) UnmarshalJSON(data []byte) error {
	type alias AgentMessage
	var raw struct {
		alias
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = AgentMessage(raw.alias)
	m.Payload = nil
	if len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		return nil
	}

	var payload MessagePayload
	switch raw.Type {
	case MessageObservation:
		var v ObservationMessage
		if err := json.Unmarshal(raw.Payload, &v); err != nil {
			return fmt.Errorf("decode observation message: %w", err)
		}
		payload = v
	case MessageAnalysis:
		var v AnalysisMessage
		if err := json.Unmarshal(raw.Payload, &v); err != nil {
			return fmt.Errorf("decode analysis message: %w", err)
		}
		payload = v
	case MessageRecommendation:
		var v RecommendationMessage
		if err := json.Unmarshal(raw.Payload, &v); err != nil {
			return fmt.Errorf("decode recommendation message: %w", err)
		}
		payload = v
	case MessageLearning:
		var v LearningMessage
		if err := json.Unmarshal(raw.Payload, &v); err != nil {
			return fmt.Errorf("decode learning message: %w", err)
		}
		payload = v
	default:
		return fmt.Errorf("unknown message type %q", raw.Type)
	}
	m.Payload = payload
	return nil
}
