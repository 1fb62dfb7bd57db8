// Package alerts evaluates threshold, health and pattern rules against
// metrics and health statuses. Each alert is an edge-triggered two-state
// machine: it fires once when its rule starts matching and resolves once the
// rule stops matching.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mimamori/internal/events"
	"github.com/ashita-ai/mimamori/internal/model"
	"github.com/ashita-ai/mimamori/internal/telemetry"
)

// ErrInvalidConfig is returned when an alert definition is structurally
// invalid. It is a caller error; fix the config and register again.
var ErrInvalidConfig = errors.New("alerts: invalid alert config")

// maxHistory bounds the fired/resolved event history.
const maxHistory = 1000

type entry struct {
	cfg   model.AlertConfig
	re    *regexp.Regexp
	state model.AlertState
}

// Engine holds alert definitions and their states. Safe for concurrent use.
type Engine struct {
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	order   []string
	alerts  map[string]*entry
	history []model.AlertEvent
	fired   map[model.Severity]int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine with no alerts. bus may be nil.
func NewEngine(bus *events.Bus, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		bus:    bus,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		alerts: make(map[string]*entry),
		fired:  make(map[model.Severity]int),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// AddAlert registers cfg, replacing any alert with the same ID and resetting
// its state. Returns an error wrapping ErrInvalidConfig when required fields
// are missing or do not fit the rule.
func (e *Engine) AddAlert(cfg model.AlertConfig) error {
	if cfg.ID == "" {
		return invalid("id is required")
	}
	if cfg.ComponentID == "" {
		return invalid("alert %s: component_id is required", cfg.ID)
	}
	if cfg.Priority == "" {
		cfg.Priority = model.SeverityMedium
	}
	if !cfg.Priority.Valid() {
		return invalid("alert %s: unknown priority %q", cfg.ID, cfg.Priority)
	}

	ent := &entry{cfg: cfg}
	switch cfg.Rule {
	case model.RuleThreshold:
		if cfg.Threshold == nil {
			return invalid("alert %s: threshold rule requires a numeric threshold", cfg.ID)
		}
		if cfg.Condition == "" {
			cfg.Condition = model.ComparisonAbove
		}
		c, err := model.ParseComparison(string(cfg.Condition))
		if err != nil {
			return invalid("alert %s: %v", cfg.ID, err)
		}
		ent.cfg.Condition = c
	case model.RuleHealth:
		if !cfg.Status.Valid() {
			return invalid("alert %s: health rule requires a status, got %q", cfg.ID, cfg.Status)
		}
	case model.RulePattern:
		if cfg.Pattern == "" {
			return invalid("alert %s: pattern rule requires a pattern", cfg.ID)
		}
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return invalid("alert %s: bad pattern: %v", cfg.ID, err)
		}
		ent.re = re
	case "":
		return invalid("alert %s: rule is required", cfg.ID)
	default:
		return invalid("alert %s: unknown rule %q", cfg.ID, cfg.Rule)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.alerts[cfg.ID]; !exists {
		e.order = append(e.order, cfg.ID)
	}
	e.alerts[cfg.ID] = ent
	e.logger.Debug("alerts: alert registered", "alert_id", cfg.ID, "rule", cfg.Rule, "component_id", cfg.ComponentID)
	return nil
}

// RemoveAlert deletes the alert and its state. Reports whether it existed.
func (e *Engine) RemoveAlert(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.alerts[id]; !ok {
		return false
	}
	delete(e.alerts, id)
	for i, v := range e.order {
		if v == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return true
}

// CheckMetric evaluates every threshold and pattern alert watching m's
// component. Threshold rules compare m.Value; pattern rules match m.Name.
// Returns the events emitted by this check.
func (e *Engine) CheckMetric(m model.Metric) []model.AlertEvent {
	value := m.Value
	return e.evaluate(m.ComponentID, func(ent *entry) (bool, bool) {
		if ent.cfg.Metric != "" && ent.cfg.Metric != m.Name {
			return false, false
		}
		switch ent.cfg.Rule {
		case model.RuleThreshold:
			return ent.cfg.Condition.Matches(m.Value, *ent.cfg.Threshold), true
		case model.RulePattern:
			return ent.re.MatchString(m.Name), true
		default:
			return false, false
		}
	}, func(ev *model.AlertEvent) {
		ev.Metric = m.Name
		ev.Value = &value
	})
}

// CheckHealth evaluates every health alert, and every pattern alert not bound
// to a metric, watching s's component. Pattern rules match s.Message.
func (e *Engine) CheckHealth(s model.HealthStatus) []model.AlertEvent {
	return e.evaluate(s.ComponentID, func(ent *entry) (bool, bool) {
		switch ent.cfg.Rule {
		case model.RuleHealth:
			return s.Status == ent.cfg.Status, true
		case model.RulePattern:
			if ent.cfg.Metric != "" {
				return false, false
			}
			return ent.re.MatchString(s.Message), true
		default:
			return false, false
		}
	}, func(ev *model.AlertEvent) {
		ev.Status = s.Status
	})
}

// evaluate runs match against every alert applying to componentID. match
// returns (matched, applicable); inapplicable alerts keep their state.
func (e *Engine) evaluate(componentID string, match func(*entry) (bool, bool), decorate func(*model.AlertEvent)) []model.AlertEvent {
	now := e.now()
	var emitted []model.AlertEvent

	e.mu.Lock()
	for _, id := range e.order {
		ent := e.alerts[id]
		if !ent.cfg.AppliesTo(componentID) {
			continue
		}
		matched, applicable := match(ent)
		if !applicable {
			continue
		}

		var kind model.AlertEventKind
		switch {
		case matched && !ent.state.Active:
			ent.state.Active = true
			ent.state.LastTriggered = now
			ent.state.Occurrences++
			e.fired[ent.cfg.Priority]++
			kind = model.AlertFired
		case !matched && ent.state.Active:
			ent.state.Active = false
			ent.state.LastResolved = now
			kind = model.AlertResolved
		default:
			continue
		}

		ev := model.AlertEvent{
			ID:          uuid.New(),
			AlertID:     ent.cfg.ID,
			ComponentID: componentID,
			Kind:        kind,
			Rule:        ent.cfg.Rule,
			Severity:    ent.cfg.Priority,
			Message:     ent.cfg.Message,
			Timestamp:   now,
		}
		decorate(&ev)
		emitted = append(emitted, ev)
		e.history = append(e.history, ev)
	}
	if over := len(e.history) - maxHistory; over > 0 {
		e.history = append([]model.AlertEvent(nil), e.history[over:]...)
	}
	e.mu.Unlock()

	for _, ev := range emitted {
		if ev.Kind == model.AlertFired {
			e.logger.Warn("alerts: alert fired", "alert_id", ev.AlertID, "severity", ev.Severity, "component_id", ev.ComponentID)
			e.publish(events.Alert, ev)
		} else {
			e.logger.Info("alerts: alert resolved", "alert_id", ev.AlertID, "component_id", ev.ComponentID)
			e.publish(events.Resolution, ev)
		}
	}
	return emitted
}

func (e *Engine) publish(name events.Name, ev model.AlertEvent) {
	if e.bus != nil {
		e.bus.Publish(name, ev)
	}
}

// Recent returns fired and resolved events newer than d, oldest first.
func (e *Engine) Recent(d time.Duration) []model.AlertEvent {
	cutoff := e.now().Add(-d)
	e.mu.Lock()
	defer e.mu.Unlock()
	i := sort.Search(len(e.history), func(i int) bool { return !e.history[i].Timestamp.Before(cutoff) })
	return append([]model.AlertEvent(nil), e.history[i:]...)
}

// Alert returns one alert's config and current state.
func (e *Engine) Alert(id string) (model.AlertConfig, model.AlertState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.alerts[id]
	if !ok {
		return model.AlertConfig{}, model.AlertState{}, false
	}
	return ent.cfg, ent.state, true
}

// Active returns the configs of every currently active alert.
func (e *Engine) Active() []model.AlertConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.AlertConfig
	for _, id := range e.order {
		if ent := e.alerts[id]; ent.state.Active {
			out = append(out, ent.cfg)
		}
	}
	return out
}

// Stats summarises alert activity.
type Stats struct {
	Configured  int                    `json:"configured"`
	Active      int                    `json:"active"`
	FiredTotal  map[model.Severity]int `json:"fired_total"`
	Occurrences map[string]int         `json:"occurrences"`
}

// Stats returns counts across every registered alert.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{
		Configured:  len(e.alerts),
		FiredTotal:  make(map[model.Severity]int, len(e.fired)),
		Occurrences: make(map[string]int, len(e.alerts)),
	}
	for sev, n := range e.fired {
		st.FiredTotal[sev] = n
	}
	for id, ent := range e.alerts {
		if ent.state.Active {
			st.Active++
		}
		st.Occurrences[id] = ent.state.Occurrences
	}
	return st
}

// RegisterMetrics registers observable OTEL gauges for alert activity.
func (e *Engine) RegisterMetrics() {
	meter := telemetry.Meter("mimamori/alerts")

	_, _ = meter.Int64ObservableGauge("mimamori.alerts.active",
		metric.WithDescription("Number of alerts currently in the active state"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(e.Active())))
			return nil
		}),
	)
}
