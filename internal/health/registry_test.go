package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mimamori/internal/events"
	"github.com/ashita-ai/mimamori/internal/model"
)

func TestUpdateLastWriteWins(t *testing.T) {
	bus := events.NewBus(nil)
	updates := 0
	bus.Subscribe(events.HealthCheckUpdate, func(events.Event) { updates++ })

	r := NewRegistry(bus, nil)
	_, err := r.Update(model.HealthStatus{ComponentID: "api", Status: model.HealthHealthy})
	require.NoError(t, err)
	_, err = r.Update(model.HealthStatus{ComponentID: "api", Status: model.HealthDegraded, Message: "slow"})
	require.NoError(t, err)

	s, ok := r.Status("api")
	require.True(t, ok)
	assert.Equal(t, model.HealthDegraded, s.Status)
	assert.False(t, s.Timestamp.IsZero())
	assert.Equal(t, 2, updates)
	assert.Equal(t, model.HealthDegraded, r.Overall())
}

func TestUpdateRejectsInvalid(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, err := r.Update(model.HealthStatus{ComponentID: "api", Status: "sleepy"})
	assert.Error(t, err)
	_, err = r.Update(model.HealthStatus{Status: model.HealthHealthy})
	assert.Error(t, err)
	assert.Empty(t, r.Statuses())
}

func TestPollRunsChecks(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register("api", func(context.Context) (model.HealthStatus, error) {
		return model.HealthStatus{Status: model.HealthHealthy}, nil
	})
	r.Register("db", func(context.Context) (model.HealthStatus, error) {
		return model.HealthStatus{}, errors.New("connection refused")
	})
	r.Register("cache", func(context.Context) (model.HealthStatus, error) {
		panic("nil map")
	})

	got := r.Poll(context.Background())
	require.Len(t, got, 3)
	assert.Equal(t, "api", got[0].ComponentID)

	db, ok := r.Status("db")
	require.True(t, ok)
	assert.Equal(t, model.HealthUnhealthy, db.Status)
	assert.Equal(t, "connection refused", db.Message)

	cache, _ := r.Status("cache")
	assert.Equal(t, model.HealthUnhealthy, cache.Status)
	assert.Equal(t, model.HealthUnhealthy, r.Overall())
}

func TestPollTimesOutSlowCheck(t *testing.T) {
	r := NewRegistry(nil, nil, WithCheckTimeout(10*time.Millisecond))
	r.Register("slow", func(ctx context.Context) (model.HealthStatus, error) {
		<-ctx.Done()
		return model.HealthStatus{}, ctx.Err()
	})

	got := r.Poll(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, model.HealthUnhealthy, got[0].Status)
}

func TestUnregister(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register("api", func(context.Context) (model.HealthStatus, error) {
		return model.HealthStatus{Status: model.HealthHealthy}, nil
	})
	r.Poll(context.Background())
	r.Unregister("api")

	assert.Empty(t, r.Statuses())
	assert.Empty(t, r.Poll(context.Background()))
	assert.Equal(t, model.HealthHealthy, r.Overall())
}
