// Package coordinator routes typed messages between registered agents.
//
// Senders enqueue with SendMessage, which returns immediately. A scheduler
// tick drains the whole queue in FIFO order and dispatches each message to
// the handler for its type. Handlers turn messages into learning patterns,
// feed the optimizer and forward follow-up messages straight to the target
// agent. A failing message is recorded as an agent_message_error metric and
// the drain moves on.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mimamori/internal/events"
	"github.com/ashita-ai/mimamori/internal/learning"
	"github.com/ashita-ai/mimamori/internal/model"
	"github.com/ashita-ai/mimamori/internal/ratelimit"
	"github.com/ashita-ai/mimamori/internal/scheduler"
	"github.com/ashita-ai/mimamori/internal/telemetry"
)

const (
	DefaultQueueTick = 100 * time.Millisecond

	// MessageErrorMetric is recorded once per failed message.
	MessageErrorMetric = "agent_message_error"
)

var (
	ErrUnknownMessageType = errors.New("coordinator: unknown message type")
	ErrRateLimited        = errors.New("coordinator: agent rate limited")
	ErrStopped            = errors.New("coordinator: stopped")
	ErrUnknownAgent       = errors.New("coordinator: unknown agent")
)

// Agent receives messages forwarded by the coordinator. Agents that also
// implement learning.PatternReceiver get every accepted pattern.
type Agent interface {
	HandleMessage(ctx context.Context, msg model.AgentMessage) error
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, msg model.AgentMessage) error

func (f AgentFunc) HandleMessage(ctx context.Context, msg model.AgentMessage) error {
	return f(ctx, msg)
}

// PatternStore is the learning side of the coordinator.
// *learning.Distributor satisfies it.
type PatternStore interface {
	AddPattern(ctx context.Context, p model.LearningPattern) (learning.Result, error)
	RegisterAgent(agentID string, r learning.PatternReceiver)
	UnregisterAgent(agentID string)
}

// MetricRecorder stores monitoring metrics. *metrics.Store satisfies it.
type MetricRecorder interface {
	Record(m model.Metric) (model.Metric, error)
}

// Config tunes a Coordinator. Zero values take the defaults; a zero AgentRate
// disables send limiting.
type Config struct {
	QueueTick  time.Duration
	AgentRate  float64
	AgentBurst int
}

// Stats is a snapshot of coordinator activity.
type Stats struct {
	Queued    int                         `json:"queued"`
	Processed int64                       `json:"processed"`
	Failed    int64                       `json:"failed"`
	Dropped   int64                       `json:"dropped"`
	ByType    map[model.MessageType]int64 `json:"by_type"`
	Agents    int                         `json:"agents"`
}

// Coordinator is safe for concurrent use. At most one drain runs at a time.
type Coordinator struct {
	cfg       Config
	patterns  PatternStore
	optimizer learning.MetricSink
	recorder  MetricRecorder
	bus       *events.Bus
	limiter   ratelimit.Limiter
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	agents  map[string]Agent
	order   []string
	queue   []model.AgentMessage
	byType  map[model.MessageType]int64
	stopped bool

	drainMu sync.Mutex

	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLimiter replaces the per-agent send limiter.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(c *Coordinator) { c.limiter = l }
}

// New creates a coordinator. optimizer, recorder and bus may be nil.
func New(cfg Config, patterns PatternStore, optimizer learning.MetricSink, recorder MetricRecorder, bus *events.Bus, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueTick <= 0 {
		cfg.QueueTick = DefaultQueueTick
	}
	c := &Coordinator{
		cfg:       cfg,
		patterns:  patterns,
		optimizer: optimizer,
		recorder:  recorder,
		bus:       bus,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		agents:    make(map[string]Agent),
		byType:    make(map[model.MessageType]int64),
	}
	for _, o := range opts {
		o(c)
	}
	if c.limiter == nil {
		if cfg.AgentRate > 0 {
			burst := cfg.AgentBurst
			if burst <= 0 {
				burst = 1
			}
			c.limiter = ratelimit.NewMemoryLimiter(cfg.AgentRate, burst)
		} else {
			c.limiter = ratelimit.NoopLimiter{}
		}
	}
	return c
}

// RegisterAgent adds or replaces an agent.
func (c *Coordinator) RegisterAgent(id string, a Agent) error {
	if err := model.ValidateAgentID(id); err != nil {
		return fmt.Errorf("coordinator: register agent: %w", err)
	}
	if a == nil {
		return fmt.Errorf("coordinator: register agent %s: nil agent", id)
	}
	c.mu.Lock()
	if _, ok := c.agents[id]; !ok {
		c.order = append(c.order, id)
	}
	c.agents[id] = a
	c.mu.Unlock()

	if r, ok := a.(learning.PatternReceiver); ok && c.patterns != nil {
		c.patterns.RegisterAgent(id, r)
	}
	c.logger.Info("coordinator: agent registered", "agent_id", id)
	return nil
}

// UnregisterAgent removes an agent and reports whether it was registered.
func (c *Coordinator) UnregisterAgent(id string) bool {
	c.mu.Lock()
	_, ok := c.agents[id]
	if ok {
		delete(c.agents, id)
		for i, a := range c.order {
			if a == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if c.patterns != nil {
		c.patterns.UnregisterAgent(id)
	}
	if f, ok := c.limiter.(interface{ Forget(string) }); ok {
		f.Forget(id)
	}
	c.logger.Info("coordinator: agent unregistered", "agent_id", id)
	return true
}

// Agents returns the registered agent IDs, sorted.
func (c *Coordinator) Agents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := append([]string(nil), c.order...)
	sort.Strings(ids)
	return ids
}

// SendMessage validates msg and enqueues it for the next drain. A missing ID,
// Type or Timestamp is filled in. It never runs handlers.
func (c *Coordinator) SendMessage(ctx context.Context, msg model.AgentMessage) (model.AgentMessage, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.Type == "" && msg.Payload != nil {
		msg.Type = msg.Payload.MessageType()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now()
	}
	if err := model.ValidateMessage(msg); err != nil {
		return model.AgentMessage{}, fmt.Errorf("coordinator: send message: %w", err)
	}

	allowed, err := c.limiter.Allow(ctx, msg.AgentID)
	if err != nil {
		c.logger.Warn("coordinator: rate limiter error, allowing message", "agent_id", msg.AgentID, "error", err)
		allowed = true
	}
	if !allowed {
		return model.AgentMessage{}, ErrRateLimited
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return model.AgentMessage{}, ErrStopped
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(events.NewMessage, msg)
	}
	return msg, nil
}

// Schedule registers the queue drain on s.
func (c *Coordinator) Schedule(s *scheduler.Scheduler) error {
	return s.Every("coordinator.drain", c.cfg.QueueTick, func(ctx context.Context) {
		c.ProcessQueue(ctx)
	})
}

// ProcessQueue drains every message queued so far, in FIFO order, and
// returns how many were processed. Messages sent while the drain runs wait
// for the next one.
func (c *Coordinator) ProcessQueue(ctx context.Context) int {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()

	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	c.mu.Unlock()

	for i, msg := range batch {
		if ctx.Err() != nil {
			c.requeue(batch[i:])
			return i
		}
		c.dispatch(ctx, msg)
	}
	if len(batch) > 0 {
		c.logger.Debug("coordinator: queue drained", "messages", len(batch))
	}
	return len(batch)
}

// requeue puts unprocessed messages back at the head of the queue.
func (c *Coordinator) requeue(rest []model.AgentMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(append([]model.AgentMessage(nil), rest...), c.queue...)
}

func (c *Coordinator) dispatch(ctx context.Context, msg model.AgentMessage) {
	err := c.handle(ctx, msg)
	c.processed.Add(1)
	c.mu.Lock()
	c.byType[msg.Type]++
	c.mu.Unlock()
	if err != nil {
		c.failed.Add(1)
		c.recordError(msg, err)
	}
}

func (c *Coordinator) handle(ctx context.Context, msg model.AgentMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	switch p := msg.Payload.(type) {
	case model.ObservationMessage:
		return c.handleObservation(ctx, msg, p)
	case model.AnalysisMessage:
		return c.handleAnalysis(ctx, msg, p)
	case model.RecommendationMessage:
		return c.handleRecommendation(ctx, msg, p)
	case model.LearningMessage:
		return c.handleLearning(ctx, msg, p)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}
}

func (c *Coordinator) recordError(msg model.AgentMessage, err error) {
	c.logger.Warn("coordinator: message handling failed",
		"agent_id", msg.AgentID, "message_type", msg.Type, "message_id", msg.ID, "error", err)
	if c.recorder == nil {
		return
	}
	_, rerr := c.recorder.Record(model.Metric{
		Name:      MessageErrorMetric,
		Value:     1,
		Timestamp: c.now(),
		Tags: map[string]string{
			"agentId":     msg.AgentID,
			"messageType": string(msg.Type),
			"error":       err.Error(),
		},
		ComponentID: "agent_coordinator",
	})
	if rerr != nil {
		c.logger.Error("coordinator: record message error metric", "error", rerr)
	}
}

// forward hands msg directly to the agent registered as target.
func (c *Coordinator) forward(ctx context.Context, target string, msg model.AgentMessage) error {
	c.mu.Lock()
	a, ok := c.agents[target]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, target)
	}
	if err := a.HandleMessage(ctx, msg); err != nil {
		return fmt.Errorf("forward %s to %s: %w", msg.Type, target, err)
	}
	return nil
}

func (c *Coordinator) hasAgent(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.agents[id]
	return ok
}

func (c *Coordinator) addPattern(ctx context.Context, p model.LearningPattern) error {
	if c.patterns == nil {
		return nil
	}
	if _, err := c.patterns.AddPattern(ctx, p); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) updateOptimizer(id string, value, weight float64) {
	if c.optimizer == nil {
		return
	}
	c.optimizer.UpdateMetrics([]model.OptimizationMetric{{ID: id, Value: value, Weight: weight, Timestamp: c.now()}})
}

// Stats returns a snapshot of queue and processing counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	byType := make(map[model.MessageType]int64, len(c.byType))
	for k, v := range c.byType {
		byType[k] = v
	}
	return Stats{
		Queued:    len(c.queue),
		Processed: c.processed.Load(),
		Failed:    c.failed.Load(),
		Dropped:   c.dropped.Load(),
		ByType:    byType,
		Agents:    len(c.agents),
	}
}

// QueueLen returns the number of messages waiting for the next drain.
func (c *Coordinator) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Stop rejects further sends and drops whatever is still queued. Safe to
// call more than once.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	n := len(c.queue)
	c.queue = nil
	c.mu.Unlock()

	c.dropped.Add(int64(n))
	_ = c.limiter.Close()
	c.logger.Info("coordinator: stopped", "dropped", n)
}

// RegisterMetrics registers observable OTEL gauges for the coordinator.
func (c *Coordinator) RegisterMetrics() {
	meter := telemetry.Meter("mimamori/coordinator")

	_, _ = meter.Int64ObservableGauge("mimamori.coordinator.queue_depth",
		metric.WithDescription("Messages waiting for the next drain"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.QueueLen()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("mimamori.coordinator.processed_total",
		metric.WithDescription("Messages dispatched since start"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.processed.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("mimamori.coordinator.failed_total",
		metric.WithDescription("Messages whose handler failed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.failed.Load())
			return nil
		}),
	)
}
