package model

import (
	"fmt"
	"math"
	"time"
)

// Metric is a single observation of a named series.
// Immutable once recorded.
type Metric struct {
	Name        string            `json:"name"`
	Value       float64           `json:"value"`
	Timestamp   time.Time         `json:"timestamp"`
	Tags        map[string]string `json:"tags,omitempty"`
	ComponentID string            `json:"component_id,omitempty"`
}

// ValidateMetric checks the fields a collaborator must supply when recording.
func ValidateMetric(m Metric) error {
	if m.Name == "" {
		return fmt.Errorf("metric name is required")
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return fmt.Errorf("metric %q has non-finite value", m.Name)
	}
	return nil
}

// OptimizationMetric is one input to the adaptive optimizer.
// Weight scales the threshold adjustment computed from this metric.
type OptimizationMetric struct {
	ID        string    `json:"id"`
	Value     float64   `json:"value"`
	Weight    float64   `json:"weight"`
	Timestamp time.Time `json:"timestamp"`
}

// ValidateOptimizationMetric rejects metrics the optimizer cannot fold.
func ValidateOptimizationMetric(m OptimizationMetric) error {
	if m.ID == "" {
		return fmt.Errorf("metric id is required")
	}
	if len(m.ID) > MaxMetricNameLen {
		return fmt.Errorf("metric id exceeds maximum length of %d characters", MaxMetricNameLen)
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return fmt.Errorf("metric %q: value must be finite", m.ID)
	}
	if m.Weight < 0 || math.IsNaN(m.Weight) || math.IsInf(m.Weight, 0) {
		return fmt.Errorf("metric %q: weight must be a finite non-negative number", m.ID)
	}
	return nil
}

// Threshold is the adaptively tuned bound and target for one metric.
// Invariant: MinValue >= 0 and MaxValue >= MinValue+MinThresholdSpread.
type Threshold struct {
	Metric         string  `json:"metric"`
	MinValue       float64 `json:"min_value"`
	MaxValue       float64 `json:"max_value"`
	TargetValue    float64 `json:"target_value"`
	AdaptationRate float64 `json:"adaptation_rate"`
}

// MinThresholdSpread is the smallest allowed gap between MinValue and MaxValue.
const MinThresholdSpread = 0.1

// Validate checks the threshold invariants.
func (t Threshold) Validate() error {
	if t.Metric == "" {
		return fmt.Errorf("threshold metric is required")
	}
	if t.MinValue < 0 {
		return fmt.Errorf("threshold %q: min_value must be >= 0", t.Metric)
	}
	if t.MaxValue < t.MinValue+MinThresholdSpread {
		return fmt.Errorf("threshold %q: max_value must be at least min_value+%.1f", t.Metric, MinThresholdSpread)
	}
	return nil
}

// Aggregation selects how a metric query folds values.
type Aggregation string

const (
	AggregationNone  Aggregation = ""
	AggregationAvg   Aggregation = "avg"
	AggregationSum   Aggregation = "sum"
	AggregationMin   Aggregation = "min"
	AggregationMax   Aggregation = "max"
	AggregationCount Aggregation = "count"
)

// Bucket is one aggregated point of a metric query.
type Bucket struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Count     int       `json:"count"`
}
