package optimizer

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashita-ai/mimamori/internal/model"
)

// DefaultSharedDataMaxAge is the staleness window for peer metrics.
const DefaultSharedDataMaxAge = 5 * time.Minute

// CrossAgent is an Optimizer that also accepts metric batches shared by peer
// optimizers. Peer data older than the staleness window is dropped without
// error; peers run on their own clocks.
type CrossAgent struct {
	*Optimizer

	maxAge time.Duration

	mu     sync.Mutex
	shared map[string]map[string]model.OptimizationMetric
}

// NewCrossAgent creates a cross-agent optimizer. A zero maxAge takes
// DefaultSharedDataMaxAge.
func NewCrossAgent(cfg Config, maxAge time.Duration, logger *slog.Logger, opts ...Option) *CrossAgent {
	if maxAge <= 0 {
		maxAge = DefaultSharedDataMaxAge
	}
	return &CrossAgent{
		Optimizer: New(cfg, logger, opts...),
		maxAge:    maxAge,
		shared:    make(map[string]map[string]model.OptimizationMetric),
	}
}

// ReceiveSharedData buffers metrics from agentID as received, evicts buffered
// entries older than the staleness window, and folds the remaining entries of
// every peer into UpdateMetrics. A zero Timestamp counts as received now.
// Returns how many metrics were folded.
func (c *CrossAgent) ReceiveSharedData(agentID string, metrics []model.OptimizationMetric) int {
	now := c.now()
	cutoff := now.Add(-c.maxAge)

	c.mu.Lock()
	buf, ok := c.shared[agentID]
	if !ok {
		buf = make(map[string]model.OptimizationMetric)
		c.shared[agentID] = buf
	}
	for _, m := range metrics {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		if prev, ok := buf[m.ID]; ok && prev.Timestamp.After(m.Timestamp) {
			continue
		}
		buf[m.ID] = m
	}

	// Newest value per metric ID across all peers.
	fresh := make(map[string]model.OptimizationMetric)
	dropped := 0
	for peer, pbuf := range c.shared {
		for id, m := range pbuf {
			if m.Timestamp.Before(cutoff) {
				delete(pbuf, id)
				dropped++
				continue
			}
			if cur, ok := fresh[id]; !ok || m.Timestamp.After(cur.Timestamp) {
				fresh[id] = m
			}
		}
		if len(pbuf) == 0 {
			delete(c.shared, peer)
		}
	}
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Debug("optimizer: dropped stale shared metrics", "agent_id", agentID, "dropped", dropped)
	}
	if len(fresh) == 0 {
		return 0
	}

	batch := make([]model.OptimizationMetric, 0, len(fresh))
	for _, m := range fresh {
		batch = append(batch, m)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })
	c.UpdateMetrics(batch)
	return len(batch)
}

// SharedSources returns how many buffered metrics each peer currently has.
func (c *CrossAgent) SharedSources() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.shared))
	for peer, buf := range c.shared {
		out[peer] = len(buf)
	}
	return out
}
