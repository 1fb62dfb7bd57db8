package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mimamori/internal/alerts"
	"github.com/ashita-ai/mimamori/internal/events"
	"github.com/ashita-ai/mimamori/internal/model"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newService(t *testing.T, clk *clock) *Service {
	t.Helper()
	s := NewService(Config{CollectionInterval: time.Second, RetentionPeriod: time.Hour}, events.NewBus(nil), nil, WithClock(clk.Now))
	t.Cleanup(s.Close)
	return s
}

func TestAlertConditionIsEdgeTriggered(t *testing.T) {
	clk := newClock()
	s := newService(t, clk)

	var fired, bridged, resolved []model.AlertEvent
	s.Subscribe(events.Alert, func(e events.Event) { fired = append(fired, e.Payload.(model.AlertEvent)) })
	s.Subscribe(events.NewAlert, func(e events.Event) { bridged = append(bridged, e.Payload.(model.AlertEvent)) })
	s.Subscribe(events.Resolution, func(e events.Event) { resolved = append(resolved, e.Payload.(model.AlertEvent)) })

	id, err := s.AddAlertCondition("response_time", 1000, "gt", model.SeverityCritical, "slow")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	record := func(v float64) {
		t.Helper()
		recordMetric(t, s, model.Metric{Name: "response_time", Value: v})
	}

	record(2000)
	require.Len(t, fired, 1)
	assert.Equal(t, model.SeverityCritical, fired[0].Severity)
	assert.Equal(t, id, fired[0].AlertID)
	assert.Len(t, bridged, 1)

	record(2500)
	assert.Len(t, fired, 1, "no repeat fire while violating")

	record(500)
	assert.Len(t, resolved, 1)

	record(1500)
	assert.Len(t, fired, 2)
	assert.Len(t, s.RecentAlerts(time.Minute), 3)
}

func TestOtherMetricsDoNotTouchAlert(t *testing.T) {
	s := newService(t, newClock())
	_, err := s.AddAlertCondition("response_time", 1000, "gt", model.SeverityCritical, "")
	require.NoError(t, err)
	recordMetric(t, s, model.Metric{Name: "cpu_usage", Value: 5000})
	assert.Empty(t, s.RecentAlerts(time.Minute))
}

func TestAddAlertConditionRejectsBadComparison(t *testing.T) {
	s := newService(t, newClock())
	_, err := s.AddAlertCondition("x", 1, "approximately", model.SeverityLow, "")
	assert.ErrorIs(t, err, alerts.ErrInvalidConfig)

	err = s.ConfigureAlert(model.AlertConfig{ID: "h", ComponentID: "db", Rule: model.RuleHealth})
	assert.ErrorIs(t, err, alerts.ErrInvalidConfig)
}

func TestHealthAlert(t *testing.T) {
	s := newService(t, newClock())
	require.NoError(t, s.ConfigureAlert(model.AlertConfig{
		ID: "db_down", ComponentID: "db", Rule: model.RuleHealth, Status: model.HealthUnhealthy, Priority: model.SeverityHigh,
	}))

	_, err := s.UpdateHealthCheck(model.HealthStatus{ComponentID: "db", Status: model.HealthUnhealthy, Message: "refused"})
	require.NoError(t, err)
	_, st, _ := s.Alerts().Alert("db_down")
	assert.True(t, st.Active)

	_, err = s.UpdateHealthCheck(model.HealthStatus{ComponentID: "db", Status: model.HealthHealthy})
	require.NoError(t, err)
	_, st, _ = s.Alerts().Alert("db_down")
	assert.False(t, st.Active)

	_, err = s.UpdateHealthCheck(model.HealthStatus{ComponentID: "db", Status: "sideways"})
	assert.Error(t, err)
}

func TestRecordMetricReturnsStored(t *testing.T) {
	clk := newClock()
	s := newService(t, clk)

	stored := recordMetric(t, s, model.Metric{Name: "cpu_usage", Value: 12, ComponentID: "web-1"})
	assert.Equal(t, clk.Now(), stored.Timestamp)
	assert.Equal(t, "web-1", stored.ComponentID)

	_, err := s.RecordMetric(model.Metric{Value: 1})
	assert.Error(t, err)
}

func TestRetention(t *testing.T) {
	clk := newClock()
	s := newService(t, clk)

	recordMetric(t, s, model.Metric{Name: "m", Value: 1, Timestamp: clk.Now().Add(-time.Hour - time.Millisecond)})
	recordMetric(t, s, model.Metric{Name: "m", Value: 2, Timestamp: clk.Now()})
	s.Metrics().Cleanup()

	got := s.RecentMetrics("m", 2*time.Hour)
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].Value)
}

func TestRegisterComponentCollectsAndPolls(t *testing.T) {
	clk := newClock()
	s := newService(t, clk)
	ctx := context.Background()

	require.NoError(t, s.RegisterComponent("api",
		func(context.Context) (model.HealthStatus, error) {
			return model.HealthStatus{Status: model.HealthDegraded, Message: "slow"}, nil
		},
		func(context.Context) ([]model.Metric, error) {
			return []model.Metric{{Name: "response_time", Value: 120}}, nil
		},
	))
	require.NoError(t, s.RegisterComponent("broken", nil, func(context.Context) ([]model.Metric, error) {
		return nil, errors.New("scrape failed")
	}))
	assert.Error(t, s.RegisterComponent("", nil, nil))

	s.Metrics().Collect(ctx)
	got := s.RecentMetrics("response_time", time.Minute)
	require.Len(t, got, 1)
	assert.Equal(t, "api", got[0].ComponentID)
	assert.Len(t, s.RecentMetrics("metric_collection_error", time.Minute), 1)

	s.Health().Poll(ctx)
	checks := s.HealthChecks()
	require.Len(t, checks, 1)
	assert.Equal(t, model.HealthDegraded, checks[0].Status)

	st := s.Status()
	assert.Equal(t, model.HealthDegraded, st.Status)
	assert.Equal(t, 1, st.Components)
	assert.Equal(t, 2, st.MetricPoints)

	s.UnregisterComponent("api")
	s.Metrics().Collect(ctx)
	assert.Len(t, s.RecentMetrics("response_time", time.Minute), 1)
}

func TestSystemOverview(t *testing.T) {
	s := newService(t, newClock())
	_, err := s.AddAlertCondition("error_rate", 0.05, "gt", model.SeverityHigh, "")
	require.NoError(t, err)
	recordMetric(t, s, model.Metric{Name: "error_rate", Value: 0.2})

	ov := s.SystemOverview()
	assert.Equal(t, 1, ov.ActiveAlerts)
	assert.Equal(t, 1, ov.AlertStats.FiredTotal[model.SeverityHigh])
	assert.Len(t, ov.RecentAlerts, 1)
	assert.Equal(t, []string{"error_rate"}, ov.MetricNames)
}

func recordMetric(t *testing.T, s *Service, m model.Metric) model.Metric {
	t.Helper()
	stored, err := s.RecordMetric(m)
	require.NoError(t, err)
	return stored
}
