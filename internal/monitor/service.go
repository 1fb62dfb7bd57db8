// Package monitor is the composition root of the monitoring core. Service
// wires the metrics store, alert engine and health registry onto one event
// bus; Integration bridges monitoring metrics into the adaptive optimizer and
// reports on the optimizer's own health.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/mimamori/internal/alerts"
	"github.com/ashita-ai/mimamori/internal/events"
	"github.com/ashita-ai/mimamori/internal/health"
	"github.com/ashita-ai/mimamori/internal/metrics"
	"github.com/ashita-ai/mimamori/internal/model"
	"github.com/ashita-ai/mimamori/internal/scheduler"
)

// Config holds the monitoring intervals. Zero values take the defaults.
type Config struct {
	CollectionInterval  time.Duration
	RetentionPeriod     time.Duration
	HealthCheckInterval time.Duration
}

const (
	DefaultCollectionInterval  = 10 * time.Second
	DefaultRetentionPeriod     = 24 * time.Hour
	DefaultHealthCheckInterval = 30 * time.Second
)

// Service is safe for concurrent use.
type Service struct {
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	metrics *metrics.Store
	alerts  *alerts.Engine
	health  *health.Registry

	subs []*events.Subscription
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	now          func() time.Time
	checkTimeout time.Duration
}

// WithClock replaces time.Now in the service and every subcomponent.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) { o.now = now }
}

// WithCheckTimeout bounds each registered health check.
func WithCheckTimeout(d time.Duration) Option {
	return func(o *serviceOptions) { o.checkTimeout = d }
}

// NewService builds the metrics store, alert engine and health registry on
// bus. Every recorded metric and health update is evaluated against the
// configured alerts, and each fired alert is republished as newAlert.
func NewService(cfg Config, bus *events.Bus, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	if cfg.CollectionInterval <= 0 {
		cfg.CollectionInterval = DefaultCollectionInterval
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = DefaultRetentionPeriod
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	o := serviceOptions{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}

	healthOpts := []health.Option{health.WithClock(o.now)}
	if o.checkTimeout > 0 {
		healthOpts = append(healthOpts, health.WithCheckTimeout(o.checkTimeout))
	}

	s := &Service{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		now:    o.now,
		metrics: metrics.NewStore(metrics.Config{
			CollectionInterval: cfg.CollectionInterval,
			RetentionPeriod:    cfg.RetentionPeriod,
		}, bus, logger, metrics.WithClock(o.now)),
		alerts: alerts.NewEngine(bus, logger, alerts.WithClock(o.now)),
		health: health.NewRegistry(bus, logger, healthOpts...),
	}

	s.subs = append(s.subs,
		bus.Subscribe(events.NewMetric, func(e events.Event) {
			if m, ok := e.Payload.(model.Metric); ok {
				s.alerts.CheckMetric(m)
			}
		}),
		bus.Subscribe(events.HealthCheckUpdate, func(e events.Event) {
			if st, ok := e.Payload.(model.HealthStatus); ok {
				s.alerts.CheckHealth(st)
			}
		}),
		bus.Subscribe(events.Alert, func(e events.Event) {
			bus.Publish(events.NewAlert, e.Payload)
		}),
	)
	return s
}

// Bus returns the event bus the service publishes on.
func (s *Service) Bus() *events.Bus { return s.bus }

// Metrics returns the underlying metrics store.
func (s *Service) Metrics() *metrics.Store { return s.metrics }

// Alerts returns the underlying alert engine.
func (s *Service) Alerts() *alerts.Engine { return s.alerts }

// Health returns the underlying health registry.
func (s *Service) Health() *health.Registry { return s.health }

// RecordMetric stores m and evaluates it against the alerts. It returns
// the stored metric without waiting for any downstream consumer beyond the
// synchronous event handlers.
func (s *Service) RecordMetric(m model.Metric) (model.Metric, error) {
	stored, err := s.metrics.Record(m)
	if err != nil {
		return model.Metric{}, fmt.Errorf("monitor: record metric: %w", err)
	}
	return stored, nil
}

// UpdateHealthCheck stores the health of one component.
func (s *Service) UpdateHealthCheck(st model.HealthStatus) (model.HealthStatus, error) {
	stored, err := s.health.Update(st)
	if err != nil {
		return model.HealthStatus{}, fmt.Errorf("monitor: update health check: %w", err)
	}
	return stored, nil
}

// AddAlertCondition registers a threshold alert on metricName for every
// component. comparison accepts gt/lt/eq as well as above/below/equals.
// Returns the generated alert ID.
func (s *Service) AddAlertCondition(metricName string, threshold float64, comparison string, severity model.Severity, message string) (string, error) {
	cmp, err := model.ParseComparison(comparison)
	if err != nil {
		return "", fmt.Errorf("monitor: add alert condition: %w: %v", alerts.ErrInvalidConfig, err)
	}
	id := fmt.Sprintf("%s_%s_%g", metricName, cmp, threshold)
	th := threshold
	err = s.alerts.AddAlert(model.AlertConfig{
		ID:          id,
		ComponentID: model.AnyComponent,
		Rule:        model.RuleThreshold,
		Metric:      metricName,
		Condition:   cmp,
		Threshold:   &th,
		Priority:    severity,
		Message:     message,
	})
	if err != nil {
		return "", fmt.Errorf("monitor: add alert condition: %w", err)
	}
	return id, nil
}

// ConfigureAlert registers or replaces a full alert definition.
func (s *Service) ConfigureAlert(cfg model.AlertConfig) error {
	if err := s.alerts.AddAlert(cfg); err != nil {
		return fmt.Errorf("monitor: configure alert: %w", err)
	}
	return nil
}

// Subscribe registers h for events named name.
func (s *Service) Subscribe(name events.Name, h events.Handler) *events.Subscription {
	return s.bus.Subscribe(name, h)
}

// RecentMetrics returns the observations of name within d, oldest first.
func (s *Service) RecentMetrics(name string, d time.Duration) []model.Metric {
	return s.metrics.Recent(name, d)
}

// RecentAlerts returns alert transitions within d, oldest first.
func (s *Service) RecentAlerts(d time.Duration) []model.AlertEvent {
	return s.alerts.Recent(d)
}

// HealthChecks returns every known component status.
func (s *Service) HealthChecks() []model.HealthStatus {
	return s.health.Statuses()
}

// RegisterComponent attaches a health check and a metrics source to id.
// Either may be nil.
func (s *Service) RegisterComponent(id string, check health.Check, source metrics.Source) error {
	if id == "" {
		return fmt.Errorf("monitor: register component: id is required")
	}
	if check != nil {
		s.health.Register(id, check)
	}
	if source != nil {
		s.metrics.RegisterSource(id, source)
	}
	s.logger.Info("monitor: component registered", "component_id", id, "health_check", check != nil, "metrics_source", source != nil)
	return nil
}

// UnregisterComponent detaches id's health check and metrics source.
func (s *Service) UnregisterComponent(id string) {
	s.health.Unregister(id)
	s.metrics.UnregisterSource(id)
}

// Status is a point-in-time summary of the monitoring core.
type Status struct {
	Status       model.HealthState `json:"status"`
	Components   int               `json:"components"`
	MetricPoints int               `json:"metric_points"`
	MetricNames  []string          `json:"metric_names"`
	ActiveAlerts int               `json:"active_alerts"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Overview extends Status with the full health table, alert statistics and
// the alerts of the last hour.
type Overview struct {
	Status
	HealthChecks []model.HealthStatus `json:"health_checks"`
	AlertStats   alerts.Stats         `json:"alert_stats"`
	RecentAlerts []model.AlertEvent   `json:"recent_alerts"`
}

// Status returns a summary snapshot.
func (s *Service) Status() Status {
	return Status{
		Status:       s.health.Overall(),
		Components:   len(s.health.Statuses()),
		MetricPoints: s.metrics.Len(),
		MetricNames:  s.metrics.Names(),
		ActiveAlerts: len(s.alerts.Active()),
		Timestamp:    s.now(),
	}
}

// SystemOverview returns a detailed snapshot.
func (s *Service) SystemOverview() Overview {
	return Overview{
		Status:       s.Status(),
		HealthChecks: s.health.Statuses(),
		AlertStats:   s.alerts.Stats(),
		RecentAlerts: s.alerts.Recent(time.Hour),
	}
}

// Schedule registers the collection and health ticks on sch.
func (s *Service) Schedule(sch *scheduler.Scheduler) error {
	if err := sch.Every("monitor.collect", s.cfg.CollectionInterval, s.metrics.Collect); err != nil {
		return err
	}
	return sch.Every("monitor.health", s.cfg.HealthCheckInterval, func(ctx context.Context) {
		s.health.Poll(ctx)
	})
}

// RegisterMetrics registers the OTEL gauges of every subcomponent.
func (s *Service) RegisterMetrics() {
	s.metrics.RegisterMetrics()
	s.alerts.RegisterMetrics()
}

// Close detaches the service's bus subscriptions.
func (s *Service) Close() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}
