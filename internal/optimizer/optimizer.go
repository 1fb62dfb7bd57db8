// Package optimizer adapts per-metric thresholds and a global learning rate
// from observed metrics using proportional error feedback.
//
// For every threshold whose metric has a value newer than the previous
// optimization:
//
//	error          = target - value
//	adjustment     = learningRate * error * weight
//	min            = max(0, min + adjustment)
//	max            = max(min + 0.1, max + adjustment)
//	adaptationRate = 0.1 * (1 + min(|error|, 1))
//
// after which the learning rate is scaled by 1 + 0.1*min(avg|error|, 1) and
// clamped to [0.01, 0.5]. Recomputes closer together than the configured
// minimum interval are skipped.
package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mimamori/internal/model"
	"github.com/ashita-ai/mimamori/internal/telemetry"
)

const (
	MinLearningRate     = 0.01
	MaxLearningRate     = 0.5
	DefaultLearningRate = 0.1
	DefaultMinInterval  = time.Second

	baseAdaptationRate = 0.1
	historySize        = 100
)

// Config tunes an Optimizer. Zero values take the defaults.
type Config struct {
	InitialLearningRate float64
	MinInterval         time.Duration
}

// State is a snapshot of the optimizer. Maps are copies; mutating them does
// not affect the optimizer.
type State struct {
	Metrics          map[string]model.OptimizationMetric `json:"metrics"`
	Thresholds       map[string]model.Threshold          `json:"thresholds"`
	LearningRate     float64                             `json:"learning_rate"`
	LastOptimization time.Time                           `json:"last_optimization"`
}

// Record describes one executed optimization.
type Record struct {
	At           time.Time `json:"at"`
	LearningRate float64   `json:"learning_rate"`
	AvgError     float64   `json:"avg_error"`
	Adjusted     int       `json:"adjusted"`
}

// Export is the payload of ExportOptimizationData.
type Export struct {
	ExportedAt time.Time `json:"exported_at"`
	State      State     `json:"state"`
	History    []Record  `json:"history"`
}

// Optimizer owns the thresholds of one process. Safe for concurrent use.
type Optimizer struct {
	minInterval time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu               sync.Mutex
	metrics          map[string]model.OptimizationMetric
	thresholds       map[string]model.Threshold
	learningRate     float64
	lastOptimization time.Time
	history          []Record
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Optimizer) { o.now = now }
}

// WithThresholds seeds the optimizer with initial thresholds. Invalid
// thresholds are skipped and logged.
func WithThresholds(ts ...model.Threshold) Option {
	return func(o *Optimizer) {
		for _, t := range ts {
			if err := t.Validate(); err != nil {
				o.logger.Error("optimizer: skipping invalid threshold", "error", err)
				continue
			}
			if t.AdaptationRate == 0 {
				t.AdaptationRate = baseAdaptationRate
			}
			o.thresholds[t.Metric] = t
		}
	}
}

// New creates an optimizer.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialLearningRate == 0 {
		cfg.InitialLearningRate = DefaultLearningRate
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	o := &Optimizer{
		minInterval:  cfg.MinInterval,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		metrics:      make(map[string]model.OptimizationMetric),
		thresholds:   make(map[string]model.Threshold),
		learningRate: clamp(cfg.InitialLearningRate, MinLearningRate, MaxLearningRate),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetThreshold registers or replaces the threshold of t.Metric.
func (o *Optimizer) SetThreshold(t model.Threshold) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("optimizer: set threshold: %w", err)
	}
	if t.AdaptationRate == 0 {
		t.AdaptationRate = baseAdaptationRate
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.thresholds[t.Metric] = t
	return nil
}

// UpdateMetrics upserts every metric of batch, stamping each with the server
// time, then runs OptimizeThresholds. A zero Weight is treated as 1. Returns
// whether an optimization ran.
func (o *Optimizer) UpdateMetrics(batch []model.OptimizationMetric) bool {
	now := o.now()
	o.mu.Lock()
	for _, m := range batch {
		if m.ID == "" || math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
			o.logger.Debug("optimizer: dropping invalid metric", "metric_id", m.ID)
			continue
		}
		if m.Weight == 0 {
			m.Weight = 1
		}
		m.Timestamp = now
		o.metrics[m.ID] = m
	}
	o.mu.Unlock()
	return o.OptimizeThresholds()
}

// OptimizeThresholds recomputes every threshold with a fresh metric. It is a
// no-op when called within the minimum interval of the previous run, and
// reports whether it ran.
func (o *Optimizer) OptimizeThresholds() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	if !o.lastOptimization.IsZero() && now.Sub(o.lastOptimization) < o.minInterval {
		return false
	}

	var sumAbs float64
	adjusted := 0
	for id, t := range o.thresholds {
		m, ok := o.metrics[id]
		if !ok || !m.Timestamp.After(o.lastOptimization) {
			continue
		}
		errVal := t.TargetValue - m.Value
		adj := o.learningRate * errVal * m.Weight
		absErr := math.Abs(errVal)

		t.MinValue = math.Max(0, t.MinValue+adj)
		t.MaxValue = math.Max(t.MinValue+model.MinThresholdSpread, t.MaxValue+adj)
		t.AdaptationRate = baseAdaptationRate * (1 + math.Min(absErr, 1))
		o.thresholds[id] = t

		sumAbs += absErr
		adjusted++
	}

	avgErr := 0.0
	if adjusted > 0 {
		avgErr = sumAbs / float64(adjusted)
		factor := math.Min(avgErr, 1)
		o.learningRate *= 1 + factor*0.1
	}
	o.learningRate = clamp(o.learningRate, MinLearningRate, MaxLearningRate)
	o.lastOptimization = now

	o.history = append(o.history, Record{At: now, LearningRate: o.learningRate, AvgError: avgErr, Adjusted: adjusted})
	if over := len(o.history) - historySize; over > 0 {
		o.history = append([]Record(nil), o.history[over:]...)
	}

	if adjusted > 0 {
		o.logger.Debug("optimizer: thresholds recomputed", "adjusted", adjusted, "avg_error", avgErr, "learning_rate", o.learningRate)
	}
	return true
}

// GetState returns a deep snapshot.
func (o *Optimizer) GetState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked()
}

func (o *Optimizer) stateLocked() State {
	st := State{
		Metrics:          make(map[string]model.OptimizationMetric, len(o.metrics)),
		Thresholds:       make(map[string]model.Threshold, len(o.thresholds)),
		LearningRate:     o.learningRate,
		LastOptimization: o.lastOptimization,
	}
	for k, v := range o.metrics {
		st.Metrics[k] = v
	}
	for k, v := range o.thresholds {
		st.Thresholds[k] = v
	}
	return st
}

// ExportOptimizationData returns the state plus the recent optimization
// history, oldest first.
func (o *Optimizer) ExportOptimizationData() Export {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Export{
		ExportedAt: o.now(),
		State:      o.stateLocked(),
		History:    append([]Record(nil), o.history...),
	}
}

// ShareableMetrics returns the current metric batch, sorted by ID, in the
// form a peer's ReceiveSharedData accepts.
func (o *Optimizer) ShareableMetrics() []model.OptimizationMetric {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.OptimizationMetric, 0, len(o.metrics))
	for _, m := range o.metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MeanAbsoluteError returns avg |target - value| over every threshold that
// has a metric, and how many thresholds matched.
func (o *Optimizer) MeanAbsoluteError() (float64, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var sum float64
	n := 0
	for id, t := range o.thresholds {
		if m, ok := o.metrics[id]; ok {
			sum += math.Abs(t.TargetValue - m.Value)
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

// ActiveMetrics returns the number of metrics held.
func (o *Optimizer) ActiveMetrics() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.metrics)
}

// LastOptimization returns when thresholds were last recomputed.
func (o *Optimizer) LastOptimization() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastOptimization
}

// LearningRate returns the current global learning rate.
func (o *Optimizer) LearningRate() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.learningRate
}

// RegisterMetrics registers observable OTEL gauges for the optimizer.
func (o *Optimizer) RegisterMetrics() {
	meter := telemetry.Meter("mimamori/optimizer")

	_, _ = meter.Float64ObservableGauge("mimamori.optimizer.learning_rate",
		metric.WithDescription("Current global learning rate"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			obs.Observe(o.LearningRate())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("mimamori.optimizer.active_metrics",
		metric.WithDescription("Number of metrics feeding the optimizer"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(o.ActiveMetrics()))
			return nil
		}),
	)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
