package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// PatternType is the variant tag of a LearningPattern.
type PatternType string

const (
	PatternObservation PatternType = "observation"
	PatternAnalysis    PatternType = "analysis"
	PatternCorrelation PatternType = "correlation"
	PatternOutcome     PatternType = "outcome"
)

// PatternTypes lists every variant in a stable order.
var PatternTypes = []PatternType{PatternObservation, PatternAnalysis, PatternCorrelation, PatternOutcome}

// PatternPayload is the closed set of pattern payload shapes. Each variant
// reports the PatternType it belongs to.
type PatternPayload interface {
	PatternType() PatternType
}

// ObservationPattern records what was observed and under which circumstances.
type ObservationPattern struct {
	Category    string         `json:"category"`
	Environment string         `json:"environment"`
	Condition   string         `json:"condition"`
	Details     map[string]any `json:"details,omitempty"`
}

func (ObservationPattern) PatternType() PatternType { return PatternObservation }

// AnalysisPattern is the set of contributing factors an analysis identified.
type AnalysisPattern struct {
	Factors []string `json:"factors"`
	Summary string   `json:"summary,omitempty"`
}

func (AnalysisPattern) PatternType() PatternType { return PatternAnalysis }

// CorrelationPattern links variables with a signed strength in [-1, 1].
type CorrelationPattern struct {
	Variables []string `json:"variables,omitempty"`
	Strength  float64  `json:"strength"`
}

func (CorrelationPattern) PatternType() PatternType { return PatternCorrelation }

// OutcomeScores are 0-100 assessment scores.
type OutcomeScores struct {
	Safety       float64 `json:"safety"`
	Mobility     float64 `json:"mobility"`
	Independence float64 `json:"independence"`
	Comfort      float64 `json:"comfort"`
}

// OutcomePattern captures the scored result of a recommendation.
type OutcomePattern struct {
	Scores          OutcomeScores `json:"scores"`
	Recommendations []string      `json:"recommendations,omitempty"`
}

func (OutcomePattern) PatternType() PatternType { return PatternOutcome }

// LearningPattern is a unit of learned knowledge shared across agents.
// ID never changes; Confidence may be revised in place.
type LearningPattern struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Type       PatternType    `json:"type"`
	Payload    PatternPayload `json:"pattern"`
	Confidence float64        `json:"confidence"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ValidatePattern checks structural consistency. It does not judge whether
// the pattern conflicts with others.
func ValidatePattern(p LearningPattern) error {
	if p.ID == "" {
		return fmt.Errorf("pattern id is required")
	}
	if p.Payload == nil {
		return fmt.Errorf("pattern %s: payload is required", p.ID)
	}
	if p.Type != p.Payload.PatternType() {
		return fmt.Errorf("pattern %s: type %q does not match payload %q", p.ID, p.Type, p.Payload.PatternType())
	}
	if !ValidConfidence(p.Confidence) {
		return fmt.Errorf("pattern %s: confidence must be within [0, 1]", p.ID)
	}
	return nil
}

// ValidConfidence reports whether c lies within [0, 1]. NaN does not.
func ValidConfidence(c float64) bool {
	return c >= 0 && c <= 1
}

// UnmarshalJSON decodes the payload into the variant named by "type".
func (p *LearningPattern) UnmarshalJSON(data []byte) error {
	type alias LearningPattern
	var raw struct {
		alias
		Payload json.RawMessage `json:"pattern"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := decodePatternPayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	*p = LearningPattern(raw.alias)
	p.Payload = payload
	return nil
}

func decodePatternPayload(t PatternType, data json.RawMessage) (PatternPayload, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	switch t {
	case PatternObservation:
		var v ObservationPattern
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode observation pattern: %w", err)
		}
		return v, nil
	case PatternAnalysis:
		var v AnalysisPattern
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode analysis pattern: %w", err)
		}
		return v, nil
	case PatternCorrelation:
		var v CorrelationPattern
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode correlation pattern: %w", err)
		}
		return v, nil
	case PatternOutcome:
		var v OutcomePattern
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode outcome pattern: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown pattern type %q", t)
	}
}
