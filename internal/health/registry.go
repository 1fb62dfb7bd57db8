// Package health keeps the last-known health of every component and polls
// registered health-check callbacks on the health tick.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/mimamori/internal/events"
	"github.com/ashita-ai/mimamori/internal/model"
)

const (
	defaultCheckTimeout = 5 * time.Second
	maxConcurrentChecks = 8
)

// Check reports the current health of one component. ComponentID and
// Timestamp of the returned status are filled in by the registry.
type Check func(ctx context.Context) (model.HealthStatus, error)

// Registry is a last-write-wins cache of component health plus the set of
// callbacks polled to refresh it. Safe for concurrent use.
type Registry struct {
	bus     *events.Bus
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration

	mu       sync.RWMutex
	order    []string
	checks   map[string]Check
	statuses map[string]model.HealthStatus

	poll singleflight.Group
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithCheckTimeout bounds each health-check callback.
func WithCheckTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// NewRegistry creates an empty registry. bus may be nil.
func NewRegistry(bus *events.Bus, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		bus:      bus,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		timeout:  defaultCheckTimeout,
		checks:   make(map[string]Check),
		statuses: make(map[string]model.HealthStatus),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds or replaces the health check of componentID.
func (r *Registry) Register(componentID string, check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[componentID]; !ok {
		r.order = append(r.order, componentID)
	}
	r.checks[componentID] = check
}

// Unregister removes the check and the cached status of componentID.
func (r *Registry) Unregister(componentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checks, componentID)
	delete(r.statuses, componentID)
	for i, id := range r.order {
		if id == componentID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Update stores s as the current health of its component and publishes a
// healthCheckUpdate event. A zero Timestamp is replaced with now.
func (r *Registry) Update(s model.HealthStatus) (model.HealthStatus, error) {
	if err := model.ValidateHealthStatus(s); err != nil {
		return model.HealthStatus{}, err
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = r.now()
	}

	r.mu.Lock()
	r.statuses[s.ComponentID] = s
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(events.HealthCheckUpdate, s)
	}
	return s, nil
}

// Poll runs every registered check concurrently and stores the results. A
// check that errors, panics or times out marks its component unhealthy.
// Overlapping calls share one poll.
func (r *Registry) Poll(ctx context.Context) []model.HealthStatus {
	v, _, _ := r.poll.Do("poll", func() (any, error) {
		return r.pollOnce(ctx), nil
	})
	return v.([]model.HealthStatus)
}

func (r *Registry) pollOnce(ctx context.Context) []model.HealthStatus {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	checks := make([]Check, len(ids))
	for i, id := range ids {
		checks[i] = r.checks[id]
	}
	r.mu.RUnlock()

	results := make([]model.HealthStatus, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChecks)
	for i := range ids {
		g.Go(func() error {
			results[i] = r.runCheck(gctx, ids[i], checks[i])
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.HealthStatus, 0, len(results))
	for _, s := range results {
		stored, err := r.Update(s)
		if err != nil {
			r.logger.Warn("health: dropping invalid status", "component_id", s.ComponentID, "error", err)
			continue
		}
		out = append(out, stored)
	}
	return out
}

func (r *Registry) runCheck(ctx context.Context, id string, check Check) (s model.HealthStatus) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("health: check panicked", "component_id", id, "panic", rec)
			s = unhealthy(id, fmt.Sprintf("health check panicked: %v", rec), r.now())
		}
	}()

	s, err := check(ctx)
	if err != nil {
		r.logger.Warn("health: check failed", "component_id", id, "error", err)
		return unhealthy(id, err.Error(), r.now())
	}
	s.ComponentID = id
	if s.Status == "" {
		s.Status = model.HealthHealthy
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = r.now()
	}
	return s
}

func unhealthy(id, msg string, at time.Time) model.HealthStatus {
	return model.HealthStatus{ComponentID: id, Status: model.HealthUnhealthy, Message: msg, Timestamp: at}
}

// Status returns the last-known health of componentID.
func (r *Registry) Status(componentID string) (model.HealthStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.statuses[componentID]
	return s, ok
}

// Statuses returns every cached status sorted by component ID.
func (r *Registry) Statuses() []model.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.HealthStatus, 0, len(r.statuses))
	for _, s := range r.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComponentID < out[j].ComponentID })
	return out
}

// Overall returns the worst cached state, or healthy when nothing is known.
func (r *Registry) Overall() model.HealthState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	worst := model.HealthHealthy
	for _, s := range r.statuses {
		switch s.Status {
		case model.HealthUnhealthy:
			return model.HealthUnhealthy
		case model.HealthDegraded:
			worst = model.HealthDegraded
		}
	}
	return worst
}
