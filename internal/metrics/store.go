// Package metrics stores time-ordered metric observations per named series,
// answers filtered and bucketed queries, and polls registered collection
// sources on the collection tick.
package metrics

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mimamori/internal/events"
	"github.com/ashita-ai/mimamori/internal/model"
	"github.com/ashita-ai/mimamori/internal/telemetry"
)

// cleanupEvery is how many collection intervals must pass between two
// opportunistic retention sweeps.
const cleanupEvery = 10

// CollectionErrorMetric is recorded when a collection source fails.
const CollectionErrorMetric = "metric_collection_error"

// Config controls retention and cleanup cadence.
type Config struct {
	CollectionInterval time.Duration
	RetentionPeriod    time.Duration
}

// Source returns the current metrics of one registered component.
type Source func(ctx context.Context) ([]model.Metric, error)

type source struct {
	componentID string
	fn          Source
}

// Store is an in-memory, append-only metric store with retention-based
// eviction. Safe for concurrent use.
type Store struct {
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	series      map[string][]model.Metric
	lastCleanup time.Time

	srcMu   sync.Mutex
	sources []source
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store. bus may be nil.
func NewStore(cfg Config, bus *events.Bus, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		series: make(map[string][]model.Metric),
	}
	for _, o := range opts {
		o(s)
	}
	s.lastCleanup = s.now()
	return s
}

// Record appends m to its series and publishes a newMetric event. A zero
// Timestamp is replaced with the current server time. It returns the metric
// as stored.
func (s *Store) Record(m model.Metric) (model.Metric, error) {
	if err := model.ValidateMetric(m); err != nil {
		return model.Metric{}, err
	}
	now := s.now()
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	if len(m.Tags) > 0 {
		tags := make(map[string]string, len(m.Tags))
		for k, v := range m.Tags {
			tags[k] = v
		}
		m.Tags = tags
	}

	s.mu.Lock()
	ser := s.series[m.Name]
	i := sort.Search(len(ser), func(i int) bool { return ser[i].Timestamp.After(m.Timestamp) })
	ser = append(ser, model.Metric{})
	copy(ser[i+1:], ser[i:])
	ser[i] = m
	s.series[m.Name] = ser
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(events.NewMetric, m)
	}
	s.maybeCleanup()
	return m, nil
}

func (s *Store) maybeCleanup() {
	if s.cfg.CollectionInterval <= 0 || s.cfg.RetentionPeriod <= 0 {
		return
	}
	s.mu.RLock()
	due := s.now().Sub(s.lastCleanup) >= cleanupEvery*s.cfg.CollectionInterval
	s.mu.RUnlock()
	if due {
		s.Cleanup()
	}
}

// Cleanup drops every metric older than the retention period and returns how
// many were removed.
func (s *Store) Cleanup() int {
	now := s.now()
	cutoff := now.Add(-s.cfg.RetentionPeriod)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCleanup = now
	if s.cfg.RetentionPeriod <= 0 {
		return 0
	}

	removed := 0
	for name, ser := range s.series {
		i := sort.Search(len(ser), func(i int) bool { return !ser[i].Timestamp.Before(cutoff) })
		if i == 0 {
			continue
		}
		removed += i
		if i == len(ser) {
			delete(s.series, name)
			continue
		}
		s.series[name] = append([]model.Metric(nil), ser[i:]...)
	}
	if removed > 0 {
		s.logger.Debug("metrics: retention cleanup", "removed", removed)
	}
	return removed
}

// Recent returns the metrics of series name recorded within d of now, oldest
// first.
func (s *Store) Recent(name string, d time.Duration) []model.Metric {
	start := s.now().Add(-d)
	return s.Query(Query{Name: name, Start: start})
}

// Query selects raw metrics.
type Query struct {
	Name        string // empty matches every series
	ComponentID string // empty matches every component
	Start       time.Time
	End         time.Time
	Aggregation model.Aggregation
	Interval    time.Duration
}

func (q Query) match(m model.Metric) bool {
	if q.ComponentID != "" && m.ComponentID != q.ComponentID {
		return false
	}
	if !q.Start.IsZero() && m.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && m.Timestamp.After(q.End) {
		return false
	}
	return true
}

// Query returns the metrics matching q, ordered by timestamp. Aggregation and
// Interval are ignored; use Aggregate for folded results.
func (s *Store) Query(q Query) []model.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Metric
	if q.Name != "" {
		for _, m := range s.series[q.Name] {
			if q.match(m) {
				out = append(out, m)
			}
		}
		return out
	}
	for _, ser := range s.series {
		for _, m := range ser {
			if q.match(m) {
				out = append(out, m)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Aggregate folds the metrics matching q with q.Aggregation. With a positive
// Interval each bucket covers floor(ts/interval)*interval; buckets are sorted
// ascending. Without an Interval a single bucket stamped with the earliest
// metric is returned. No matching data yields an empty result.
func (s *Store) Aggregate(q Query) []model.Bucket {
	ms := s.Query(q)
	if len(ms) == 0 {
		return []model.Bucket{}
	}
	agg := q.Aggregation
	if agg == model.AggregationNone {
		agg = model.AggregationAvg
	}

	if q.Interval <= 0 {
		return []model.Bucket{fold(agg, ms[0].Timestamp, ms)}
	}

	width := q.Interval.Milliseconds()
	if width <= 0 {
		width = 1
	}
	groups := make(map[int64][]model.Metric)
	var keys []int64
	for _, m := range ms {
		k := (m.Timestamp.UnixMilli() / width) * width
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], m)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]model.Bucket, 0, len(keys))
	for _, k := range keys {
		out = append(out, fold(agg, time.UnixMilli(k).UTC(), groups[k]))
	}
	return out
}

func fold(agg model.Aggregation, ts time.Time, ms []model.Metric) model.Bucket {
	b := model.Bucket{Timestamp: ts, Count: len(ms)}
	if len(ms) == 0 {
		return b
	}
	switch agg {
	case model.AggregationSum, model.AggregationAvg:
		sum := 0.0
		for _, m := range ms {
			sum += m.Value
		}
		b.Value = sum
		if agg == model.AggregationAvg {
			b.Value = sum / float64(len(ms))
		}
	case model.AggregationMin:
		b.Value = math.Inf(1)
		for _, m := range ms {
			b.Value = math.Min(b.Value, m.Value)
		}
	case model.AggregationMax:
		b.Value = math.Inf(-1)
		for _, m := range ms {
			b.Value = math.Max(b.Value, m.Value)
		}
	case model.AggregationCount:
		b.Value = float64(len(ms))
	}
	return b
}

// Names returns every series name currently held, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.series))
	for n := range s.series {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the total number of stored metrics.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ser := range s.series {
		n += len(ser)
	}
	return n
}

// RegisterSource adds a collection source polled by Collect. Re-registering a
// component replaces its source.
func (s *Store) RegisterSource(componentID string, fn Source) {
	s.srcMu.Lock()
	defer s.srcMu.Unlock()
	for i := range s.sources {
		if s.sources[i].componentID == componentID {
			s.sources[i].fn = fn
			return
		}
	}
	s.sources = append(s.sources, source{componentID: componentID, fn: fn})
}

// UnregisterSource removes a component's collection source.
func (s *Store) UnregisterSource(componentID string) {
	s.srcMu.Lock()
	defer s.srcMu.Unlock()
	for i := range s.sources {
		if s.sources[i].componentID == componentID {
			s.sources = append(s.sources[:i], s.sources[i+1:]...)
			return
		}
	}
}

// Collect polls every registered source once and records what they return
// under the source's component ID. It is the body of the collection tick.
func (s *Store) Collect(ctx context.Context) {
	s.srcMu.Lock()
	srcs := append([]source(nil), s.sources...)
	s.srcMu.Unlock()

	for _, src := range srcs {
		ms, err := src.fn(ctx)
		if err != nil {
			s.logger.Warn("metrics: collection source failed", "component_id", src.componentID, "error", err)
			_, _ = s.Record(model.Metric{
				Name:        CollectionErrorMetric,
				Value:       1,
				ComponentID: src.componentID,
				Tags:        map[string]string{"component": src.componentID, "error": err.Error()},
			})
			continue
		}
		for _, m := range ms {
			m.ComponentID = src.componentID
			if _, err := s.Record(m); err != nil {
				s.logger.Debug("metrics: dropping invalid collected metric", "component_id", src.componentID, "error", err)
			}
		}
	}
	s.maybeCleanup()
}

// RegisterMetrics registers observable OTEL gauges for the store.
func (s *Store) RegisterMetrics() {
	meter := telemetry.Meter("mimamori/metrics")

	_, _ = meter.Int64ObservableGauge("mimamori.metrics.points",
		metric.WithDescription("Number of metric observations held in memory"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.Len()))
			return nil
		}),
	)
}
