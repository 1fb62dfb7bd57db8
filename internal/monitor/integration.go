package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/mimamori/internal/events"
	"github.com/ashita-ai/mimamori/internal/model"
	"github.com/ashita-ai/mimamori/internal/optimizer"
	"github.com/ashita-ai/mimamori/internal/scheduler"
)

// ErrInvalidTransform is returned when a mapping names an unknown transform.
var ErrInvalidTransform = errors.New("monitor: invalid transform")

const (
	// OptimizerComponent is the component ID the optimizer health is
	// reported under.
	OptimizerComponent = "adaptive_optimizer"

	// OptimizerErrorMetric is the mean absolute target error recorded on
	// every optimizer health tick.
	OptimizerErrorMetric = "optimizer_error"

	DefaultOptimizerHealthInterval = time.Minute
	DefaultIdleThreshold           = 5 * time.Minute
)

// Transform names.
const (
	TransformIdentity       = "identity"
	TransformMsToSeconds    = "ms_to_seconds"
	TransformPercentToRatio = "percent_to_ratio"
	TransformInvert         = "invert"
)

var transforms = map[string]func(float64) float64{
	TransformIdentity:       func(v float64) float64 { return v },
	TransformMsToSeconds:    func(v float64) float64 { return v / 1000 },
	TransformPercentToRatio: func(v float64) float64 { return v / 100 },
	TransformInvert:         func(v float64) float64 { return 1 - v },
}

// Mapping routes a monitoring metric into the optimizer.
type Mapping struct {
	Metric      string  `yaml:"metric" json:"metric"`
	OptimizerID string  `yaml:"optimizer_id" json:"optimizer_id"`
	Transform   string  `yaml:"transform,omitempty" json:"transform,omitempty"`
	Weight      float64 `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// ThresholdSpec seeds one optimizer threshold.
type ThresholdSpec struct {
	Metric string  `yaml:"metric"`
	Min    float64 `yaml:"min"`
	Max    float64 `yaml:"max"`
	Target float64 `yaml:"target"`
}

func (t ThresholdSpec) threshold() model.Threshold {
	return model.Threshold{Metric: t.Metric, MinValue: t.Min, MaxValue: t.Max, TargetValue: t.Target}
}

// AlertSpec is a threshold alert installed through AddAlertCondition.
type AlertSpec struct {
	Metric     string         `yaml:"metric"`
	Threshold  float64        `yaml:"threshold"`
	Comparison string         `yaml:"comparison"`
	Severity   model.Severity `yaml:"severity"`
	Message    string         `yaml:"message,omitempty"`
}

// IntegrationConfig describes how monitoring feeds the optimizer.
type IntegrationConfig struct {
	Mappings                []Mapping       `yaml:"mappings"`
	Thresholds              []ThresholdSpec `yaml:"thresholds"`
	Alerts                  []AlertSpec     `yaml:"alerts"`
	OptimizerHealthInterval time.Duration   `yaml:"optimizer_health_interval"`
	IdleThreshold           time.Duration   `yaml:"idle_threshold"`
}

// DefaultIntegrationConfig returns the built-in mappings, thresholds and
// alerts.
func DefaultIntegrationConfig() IntegrationConfig {
	return IntegrationConfig{
		Mappings: []Mapping{
			{Metric: "response_time", OptimizerID: "responseTime", Transform: TransformIdentity},
			{Metric: "error_rate", OptimizerID: "errorRate", Transform: TransformIdentity},
			{Metric: "cpu_usage", OptimizerID: "cpuUsage", Transform: TransformIdentity},
			{Metric: "memory_usage", OptimizerID: "memoryUsage", Transform: TransformIdentity},
		},
		Thresholds: []ThresholdSpec{
			{Metric: "responseTime", Min: 0, Max: 1000, Target: 200},
			{Metric: "errorRate", Min: 0, Max: 0.1, Target: 0.01},
			{Metric: "cpuUsage", Min: 0, Max: 80, Target: 50},
			{Metric: "memoryUsage", Min: 0, Max: 85, Target: 60},
		},
		Alerts: []AlertSpec{
			{Metric: "response_time", Threshold: 1000, Comparison: "gt", Severity: model.SeverityCritical, Message: "response time above 1s"},
			{Metric: "error_rate", Threshold: 0.05, Comparison: "gt", Severity: model.SeverityHigh, Message: "error rate above 5%"},
		},
		OptimizerHealthInterval: DefaultOptimizerHealthInterval,
		IdleThreshold:           DefaultIdleThreshold,
	}
}

// LoadIntegrationConfig reads a YAML integration file. Fields the file leaves
// out keep their defaults; a file that lists mappings replaces the default
// mappings entirely.
func LoadIntegrationConfig(path string) (IntegrationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return IntegrationConfig{}, fmt.Errorf("monitor: read integration config: %w", err)
	}
	cfg := DefaultIntegrationConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return IntegrationConfig{}, fmt.Errorf("monitor: parse integration config %s: %w", path, err)
	}
	for _, m := range cfg.Mappings {
		if err := validateMapping(m); err != nil {
			return IntegrationConfig{}, err
		}
	}
	return cfg, nil
}

func validateMapping(m Mapping) error {
	if m.Metric == "" || m.OptimizerID == "" {
		return fmt.Errorf("monitor: mapping requires metric and optimizer_id")
	}
	if m.Transform == "" {
		return nil
	}
	if _, ok := transforms[m.Transform]; !ok {
		return fmt.Errorf("%w: %q for metric %s", ErrInvalidTransform, m.Transform, m.Metric)
	}
	return nil
}

// Optimizer is what the integration needs from the adaptive optimizer.
// *optimizer.Optimizer and *optimizer.CrossAgent satisfy it.
type Optimizer interface {
	UpdateMetrics(batch []model.OptimizationMetric) bool
	SetThreshold(t model.Threshold) error
	MeanAbsoluteError() (float64, int)
	ActiveMetrics() int
	LastOptimization() time.Time
	LearningRate() float64
	ExportOptimizationData() optimizer.Export
}

// ExportArchiver receives an optimizer snapshot on every health tick.
type ExportArchiver interface {
	ArchiveExport(exp optimizer.Export) error
}

// Integration feeds mapped monitoring metrics to the optimizer and reports
// the optimizer's health back into monitoring.
type Integration struct {
	svc      *Service
	opt      Optimizer
	logger   *slog.Logger
	interval time.Duration
	idle     time.Duration

	mu       sync.RWMutex
	mappings map[string]Mapping
	archiver ExportArchiver

	sub *events.Subscription
}

// NewIntegration installs cfg's thresholds, alerts and mappings and starts
// forwarding mapped metrics from svc to opt. Any invalid entry fails the
// whole call.
func NewIntegration(svc *Service, opt Optimizer, cfg IntegrationConfig, logger *slog.Logger) (*Integration, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OptimizerHealthInterval <= 0 {
		cfg.OptimizerHealthInterval = DefaultOptimizerHealthInterval
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = DefaultIdleThreshold
	}
	i := &Integration{
		svc:      svc,
		opt:      opt,
		logger:   logger,
		interval: cfg.OptimizerHealthInterval,
		idle:     cfg.IdleThreshold,
		mappings: make(map[string]Mapping),
	}
	for _, t := range cfg.Thresholds {
		if err := opt.SetThreshold(t.threshold()); err != nil {
			return nil, fmt.Errorf("monitor: integration: %w", err)
		}
	}
	for _, a := range cfg.Alerts {
		if _, err := svc.AddAlertCondition(a.Metric, a.Threshold, a.Comparison, a.Severity, a.Message); err != nil {
			return nil, fmt.Errorf("monitor: integration: %w", err)
		}
	}
	for _, m := range cfg.Mappings {
		if err := i.AddMapping(m); err != nil {
			return nil, err
		}
	}
	i.sub = svc.Subscribe(events.NewMetric, func(e events.Event) {
		if m, ok := e.Payload.(model.Metric); ok {
			i.forward(m)
		}
	})
	return i, nil
}

// SetArchiver attaches an archive for optimizer snapshots.
func (i *Integration) SetArchiver(a ExportArchiver) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.archiver = a
}

// AddMapping routes monitoring metric m.Metric to optimizer metric
// m.OptimizerID, replacing any mapping of the same metric.
func (i *Integration) AddMapping(m Mapping) error {
	if err := validateMapping(m); err != nil {
		return err
	}
	if m.Transform == "" {
		m.Transform = TransformIdentity
	}
	if m.Weight == 0 {
		m.Weight = 1
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.mappings[m.Metric] = m
	return nil
}

// RemoveMapping stops forwarding metric.
func (i *Integration) RemoveMapping(metric string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.mappings, metric)
}

// Mappings returns the active mappings sorted by metric name.
func (i *Integration) Mappings() []Mapping {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]Mapping, 0, len(i.mappings))
	for _, m := range i.mappings {
		out = append(out, m)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Metric < out[b].Metric })
	return out
}

// forward sends a mapped metric to the optimizer. Unmapped metrics are
// ignored.
func (i *Integration) forward(m model.Metric) {
	i.mu.RLock()
	mp, ok := i.mappings[m.Name]
	i.mu.RUnlock()
	if !ok {
		return
	}
	i.opt.UpdateMetrics([]model.OptimizationMetric{{
		ID:        mp.OptimizerID,
		Value:     transforms[mp.Transform](m.Value),
		Weight:    mp.Weight,
		Timestamp: m.Timestamp,
	}})
}

// CheckOptimizerHealth reports the optimizer as unhealthy when it tracks no
// metrics and degraded when it has not optimized within the idle threshold.
// It also records the optimizer_error metric and archives a snapshot.
func (i *Integration) CheckOptimizerHealth() model.HealthStatus {
	now := i.svc.now()
	last := i.opt.LastOptimization()
	active := i.opt.ActiveMetrics()
	mae, matched := i.opt.MeanAbsoluteError()

	st := model.HealthStatus{
		ComponentID: OptimizerComponent,
		Status:      model.HealthHealthy,
		Timestamp:   now,
		Details: map[string]any{
			"active_metrics": active,
			"learning_rate":  i.opt.LearningRate(),
			"matched":        matched,
		},
	}
	if !last.IsZero() {
		st.Details["last_optimization"] = last
	}
	switch {
	case active == 0:
		st.Status = model.HealthUnhealthy
		st.Message = "optimizer has no active metrics"
	case last.IsZero() || now.Sub(last) > i.idle:
		st.Status = model.HealthDegraded
		st.Message = fmt.Sprintf("optimizer idle for more than %s", i.idle)
	}

	if _, err := i.svc.UpdateHealthCheck(st); err != nil {
		i.logger.Error("monitor: store optimizer health", "error", err)
	}
	if _, err := i.svc.RecordMetric(model.Metric{
		Name:        OptimizerErrorMetric,
		Value:       mae,
		Timestamp:   now,
		ComponentID: OptimizerComponent,
	}); err != nil {
		i.logger.Error("monitor: record optimizer error", "error", err)
	}

	i.mu.RLock()
	archiver := i.archiver
	i.mu.RUnlock()
	if archiver != nil {
		if err := archiver.ArchiveExport(i.opt.ExportOptimizationData()); err != nil {
			i.logger.Warn("monitor: archive optimizer export", "error", err)
		}
	}
	return st
}

// Schedule registers the optimizer health tick on sch.
func (i *Integration) Schedule(sch *scheduler.Scheduler) error {
	return sch.Every("monitor.optimizer_health", i.interval, func(context.Context) {
		i.CheckOptimizerHealth()
	})
}

// Close stops forwarding metrics.
func (i *Integration) Close() {
	i.sub.Unsubscribe()
}
