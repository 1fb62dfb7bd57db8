package model

import (
	"fmt"
	"time"
)

// HealthState is the coarse health of a component.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// Valid reports whether s is one of the known states.
func (s HealthState) Valid() bool {
	switch s {
	case HealthHealthy, HealthDegraded, HealthUnhealthy:
		return true
	default:
		return false
	}
}

// HealthStatus is the last-known health of one component.
// The registry keeps one per ComponentID, last write wins.
type HealthStatus struct {
	ComponentID string         `json:"component_id"`
	Status      HealthState    `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// ValidateHealthStatus checks the fields every health update must carry.
func ValidateHealthStatus(s HealthStatus) error {
	if s.ComponentID == "" {
		return fmt.Errorf("component_id is required")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("invalid health status %q", s.Status)
	}
	return nil
}
