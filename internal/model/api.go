package model

import (
	"fmt"
	"time"
)

// Field length limits for caller-supplied identifiers and free text.
const (
	MaxMetricNameLen = 200
	MaxMessageLen    = 4 * 1024
	MaxTagCount      = 32
)

// ValidateRecordMetricRequest enforces size limits on a metric submitted over
// HTTP or MCP before it reaches the store.
func ValidateRecordMetricRequest(r RecordMetricRequest) error {
	if len(r.Name) > MaxMetricNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxMetricNameLen)
	}
	if len(r.Tags) > MaxTagCount {
		return fmt.Errorf("at most %d tags are allowed", MaxTagCount)
	}
	return ValidateMetric(Metric{Name: r.Name, Value: r.Value})
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// RecordMetricRequest is the request body for POST /v1/metrics.
type RecordMetricRequest struct {
	Name        string            `json:"name"`
	Value       float64           `json:"value"`
	Timestamp   *time.Time        `json:"timestamp,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	ComponentID string            `json:"component_id,omitempty"`
}

// HealthCheckRequest is the request body for POST /v1/health.
type HealthCheckRequest struct {
	Component string         `json:"component"`
	Status    HealthState    `json:"status"`
	LastCheck *time.Time     `json:"last_check,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AlertConditionRequest is the request body for POST /v1/alerts/conditions.
type AlertConditionRequest struct {
	MetricName string   `json:"metric_name"`
	Threshold  float64  `json:"threshold"`
	Comparison string   `json:"comparison"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message,omitempty"`
}

// SharedDataRequest is the request body for POST /v1/optimizer/shared/{agent_id}.
type SharedDataRequest struct {
	Metrics []OptimizationMetric `json:"metrics"`
}
