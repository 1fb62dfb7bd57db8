// Package learning is the central store of learning patterns contributed by
// agents. New patterns are validated against stored patterns of the same
// type; accepted patterns are weighted into the optimizer and distributed to
// every registered receiver.
package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mimamori/internal/events"
	"github.com/ashita-ai/mimamori/internal/model"
	"github.com/ashita-ai/mimamori/internal/telemetry"
)

const (
	DefaultValidationThreshold = 0.7
	DefaultMaxPatterns         = 1000

	decayWindow = 30 * 24 * time.Hour
	decayFloor  = 0.5
)

// ErrNotFound is returned for an unknown pattern ID.
var ErrNotFound = errors.New("learning: pattern not found")

// MetricSink receives the synthetic pattern metrics. *optimizer.Optimizer
// satisfies it.
type MetricSink interface {
	UpdateMetrics(batch []model.OptimizationMetric) bool
}

// PatternReceiver is implemented by agents that want accepted patterns.
type PatternReceiver interface {
	ReceivePattern(ctx context.Context, p model.LearningPattern) error
}

// Config tunes a Distributor. Zero values take the defaults.
type Config struct {
	ValidationThreshold float64
	MaxPatterns         int
}

// Result is the outcome of AddPattern.
type Result struct {
	PatternID      string   `json:"pattern_id"`
	Accepted       bool     `json:"accepted"`
	Score          float64  `json:"score"`
	ConflictingIDs []string `json:"conflicting_ids,omitempty"`
}

// Rejection is the payload of the patternRejected event.
type Rejection struct {
	Pattern        model.LearningPattern `json:"pattern"`
	Reason         string                `json:"reason"`
	Score          float64               `json:"score"`
	ConflictingIDs []string              `json:"conflicting_ids"`
}

// Sync is the payload of the agentLearningSync event.
type Sync struct {
	AgentID   string `json:"agent_id"`
	PatternID string `json:"pattern_id"`
	Error     string `json:"error,omitempty"`
}

// Stats summarises the store.
type Stats struct {
	Total    int                       `json:"total"`
	ByType   map[model.PatternType]int `json:"by_type"`
	Accepted int64                     `json:"accepted"`
	Rejected int64                     `json:"rejected"`
	Pruned   int64                     `json:"pruned"`
}

// Distributor validates, stores and distributes learning patterns. Safe for
// concurrent use; validation and insertion happen under one lock so two
// conflicting patterns can never both be accepted.
type Distributor struct {
	cfg    Config
	sink   MetricSink
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	patterns map[string]model.LearningPattern

	recvMu    sync.RWMutex
	receivers map[string]PatternReceiver
	recvOrder []string

	accepted atomic.Int64
	rejected atomic.Int64
	pruned   atomic.Int64
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Distributor) { d.now = now }
}

// NewDistributor creates an empty store. sink and bus may be nil.
func NewDistributor(cfg Config, sink MetricSink, bus *events.Bus, logger *slog.Logger, opts ...Option) *Distributor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ValidationThreshold == 0 {
		cfg.ValidationThreshold = DefaultValidationThreshold
	}
	if cfg.MaxPatterns <= 0 {
		cfg.MaxPatterns = DefaultMaxPatterns
	}
	d := &Distributor{
		cfg:       cfg,
		sink:      sink,
		bus:       bus,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		patterns:  make(map[string]model.LearningPattern),
		receivers: make(map[string]PatternReceiver),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// TypeWeight is how much a pattern of type t counts toward the optimizer.
func TypeWeight(t model.PatternType) float64 {
	switch t {
	case model.PatternObservation:
		return 1.0
	case model.PatternAnalysis:
		return 1.5
	case model.PatternCorrelation:
		return 1.2
	case model.PatternOutcome:
		return 2.0
	default:
		return 1.0
	}
}

// AgeDecay falls linearly from 1 to 0.5 over 30 days and stays at 0.5.
func AgeDecay(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Max(decayFloor, 1-float64(age)/float64(decayWindow))
}

// pairScore combines the lower confidence of a pair with their similarity.
func pairScore(a, b model.LearningPattern) float64 {
	return (math.Min(a.Confidence, b.Confidence) + Similarity(a, b)) / 2
}

// AddPattern validates p against every stored pattern of the same type. It
// is rejected when any pairwise score falls below the validation threshold;
// otherwise it is stored, folded into the optimizer as metric pattern_<id>,
// published as newPattern and delivered to every receiver.
//
// A missing ID or Timestamp is filled in. The error return is reserved for
// structurally invalid patterns; conflicts are reported through Result.
func (d *Distributor) AddPattern(ctx context.Context, p model.LearningPattern) (Result, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = d.now()
	}
	if err := model.ValidatePattern(p); err != nil {
		return Result{}, fmt.Errorf("learning: add pattern: %w", err)
	}

	d.mu.Lock()
	var sum float64
	n := 0
	var conflicts []string
	for _, other := range d.patterns {
		if other.Type != p.Type || other.ID == p.ID {
			continue
		}
		s := pairScore(p, other)
		sum += s
		n++
		if s < d.cfg.ValidationThreshold {
			conflicts = append(conflicts, other.ID)
		}
	}
	score := 1.0
	if n > 0 {
		score = sum / float64(n)
	}

	if len(conflicts) > 0 {
		d.mu.Unlock()
		sort.Strings(conflicts)
		d.rejected.Add(1)
		d.logger.Info("learning: pattern rejected", "pattern_id", p.ID, "type", p.Type, "conflicts", len(conflicts))
		d.publish(events.PatternRejected, Rejection{Pattern: p, Reason: "conflictingIds", Score: score, ConflictingIDs: conflicts})
		return Result{PatternID: p.ID, Score: score, ConflictingIDs: conflicts}, nil
	}

	d.patterns[p.ID] = p
	pruned := d.pruneLocked(p.ID)
	d.mu.Unlock()

	d.accepted.Add(1)
	if pruned > 0 {
		d.pruned.Add(int64(pruned))
		d.logger.Debug("learning: pruned patterns", "pruned", pruned)
	}

	if d.sink != nil {
		weight := TypeWeight(p.Type) * AgeDecay(d.now().Sub(p.Timestamp)) * p.Confidence
		d.sink.UpdateMetrics([]model.OptimizationMetric{{
			ID:        "pattern_" + p.ID,
			Value:     score,
			Weight:    weight,
			Timestamp: p.Timestamp,
		}})
	}
	d.publish(events.NewPattern, p)
	d.distribute(ctx, p)

	return Result{PatternID: p.ID, Accepted: true, Score: score}, nil
}

// pruneLocked drops the lowest-scoring patterns, score = confidence /
// sqrt(age in seconds), until the store fits MaxPatterns. The pattern keep
// was just accepted and is never a candidate.
func (d *Distributor) pruneLocked(keep string) int {
	over := len(d.patterns) - d.cfg.MaxPatterns
	if over <= 0 {
		return 0
	}
	now := d.now()
	type scored struct {
		id    string
		score float64
	}
	all := make([]scored, 0, len(d.patterns))
	for id, p := range d.patterns {
		if id == keep {
			continue
		}
		age := math.Max(now.Sub(p.Timestamp).Seconds(), 1)
		all = append(all, scored{id: id, score: p.Confidence / math.Sqrt(age)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score == all[j].score {
			return all[i].id < all[j].id
		}
		return all[i].score < all[j].score
	})
	over = min(over, len(all))
	for _, s := range all[:over] {
		delete(d.patterns, s.id)
	}
	return over
}

func (d *Distributor) distribute(ctx context.Context, p model.LearningPattern) {
	d.recvMu.RLock()
	ids := append([]string(nil), d.recvOrder...)
	recvs := make([]PatternReceiver, len(ids))
	for i, id := range ids {
		recvs[i] = d.receivers[id]
	}
	d.recvMu.RUnlock()

	for i, r := range recvs {
		ev := Sync{AgentID: ids[i], PatternID: p.ID}
		if err := deliver(ctx, r, p); err != nil {
			d.logger.Warn("learning: pattern delivery failed", "agent_id", ids[i], "pattern_id", p.ID, "error", err)
			ev.Error = err.Error()
		}
		d.publish(events.AgentLearningSync, ev)
	}
}

func deliver(ctx context.Context, r PatternReceiver, p model.LearningPattern) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("receiver panicked: %v", rec)
		}
	}()
	return r.ReceivePattern(ctx, p)
}

func (d *Distributor) publish(name events.Name, payload any) {
	if d.bus != nil {
		d.bus.Publish(name, payload)
	}
}

// RegisterAgent adds r as a receiver of accepted patterns.
func (d *Distributor) RegisterAgent(agentID string, r PatternReceiver) {
	d.recvMu.Lock()
	defer d.recvMu.Unlock()
	if _, ok := d.receivers[agentID]; !ok {
		d.recvOrder = append(d.recvOrder, agentID)
	}
	d.receivers[agentID] = r
}

// UnregisterAgent removes a receiver.
func (d *Distributor) UnregisterAgent(agentID string) {
	d.recvMu.Lock()
	defer d.recvMu.Unlock()
	delete(d.receivers, agentID)
	for i, id := range d.recvOrder {
		if id == agentID {
			d.recvOrder = append(d.recvOrder[:i], d.recvOrder[i+1:]...)
			break
		}
	}
}

// RelatedPatterns returns the stored patterns of p's type whose pairwise
// score with p reaches the validation threshold, highest confidence first.
func (d *Distributor) RelatedPatterns(p model.LearningPattern) []model.LearningPattern {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []model.LearningPattern
	for _, other := range d.patterns {
		if other.Type != p.Type || other.ID == p.ID {
			continue
		}
		if pairScore(p, other) >= d.cfg.ValidationThreshold {
			out = append(out, other)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence == out[j].Confidence {
			return out[i].ID < out[j].ID
		}
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// Pattern returns one stored pattern.
func (d *Distributor) Pattern(id string) (model.LearningPattern, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.patterns[id]
	return p, ok
}

// Patterns returns stored patterns, newest first. An empty t matches every
// type.
func (d *Distributor) Patterns(t model.PatternType) []model.LearningPattern {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.LearningPattern, 0, len(d.patterns))
	for _, p := range d.patterns {
		if t == "" || p.Type == t {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// UpdateConfidence revises a pattern's confidence in place, clamped to [0, 1].
func (d *Distributor) UpdateConfidence(id string, confidence float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.patterns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.Confidence = clamp01(confidence)
	d.patterns[id] = p
	return nil
}

// Stats returns store counters.
func (d *Distributor) Stats() Stats {
	d.mu.RLock()
	st := Stats{Total: len(d.patterns), ByType: make(map[model.PatternType]int)}
	for _, p := range d.patterns {
		st.ByType[p.Type]++
	}
	d.mu.RUnlock()
	st.Accepted = d.accepted.Load()
	st.Rejected = d.rejected.Load()
	st.Pruned = d.pruned.Load()
	return st
}

// RegisterMetrics registers observable OTEL gauges for the pattern store.
func (d *Distributor) RegisterMetrics() {
	meter := telemetry.Meter("mimamori/learning")

	_, _ = meter.Int64ObservableGauge("mimamori.patterns.stored",
		metric.WithDescription("Number of learning patterns held"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			d.mu.RLock()
			n := len(d.patterns)
			d.mu.RUnlock()
			o.Observe(int64(n))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("mimamori.patterns.rejected_total",
		metric.WithDescription("Total learning patterns rejected as conflicting"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(d.rejected.Load())
			return nil
		}),
	)
}
