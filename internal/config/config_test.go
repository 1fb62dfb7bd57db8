package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.25")
	v, err := envFloat("TEST_FLOAT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0.25 {
		t.Fatalf("expected 0.25, got %v", v)
	}

	t.Setenv("TEST_FLOAT_BAD", "quarter")
	if _, err := envFloat("TEST_FLOAT_BAD", 0); err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("MIMAMORI_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid MIMAMORI_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "MIMAMORI_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention MIMAMORI_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("MIMAMORI_PORT", "abc")
	t.Setenv("MIMAMORI_QUEUE_TICK", "soon")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "MIMAMORI_PORT") {
		t.Fatalf("error should mention MIMAMORI_PORT, got: %s", got)
	}
	if !strings.Contains(got, "MIMAMORI_QUEUE_TICK") {
		t.Fatalf("error should mention MIMAMORI_QUEUE_TICK, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.QueueTick != 100*time.Millisecond {
		t.Fatalf("expected default queue tick 100ms, got %s", cfg.QueueTick)
	}
	if cfg.ValidationThreshold != 0.7 {
		t.Fatalf("expected default validation threshold 0.7, got %v", cfg.ValidationThreshold)
	}
	if cfg.ArchivePath != "" {
		t.Fatalf("archive should be disabled by default, got %q", cfg.ArchivePath)
	}
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"validation threshold above one", map[string]string{"MIMAMORI_VALIDATION_THRESHOLD": "1.5"}},
		{"validation threshold zero", map[string]string{"MIMAMORI_VALIDATION_THRESHOLD": "0"}},
		{"learning rate too high", map[string]string{"MIMAMORI_INITIAL_LEARNING_RATE": "0.9"}},
		{"zero queue tick", map[string]string{"MIMAMORI_QUEUE_TICK": "0s"}},
		{"negative max patterns", map[string]string{"MIMAMORI_MAX_PATTERNS": "-1"}},
		{"port out of range", map[string]string{"MIMAMORI_PORT": "70000"}},
		{"negative http rate", map[string]string{"MIMAMORI_HTTP_RATE": "-1"}},
		{"http burst zero with rate on", map[string]string{"MIMAMORI_HTTP_BURST": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected Load() to fail")
			}
		})
	}
}
