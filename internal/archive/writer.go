// Package archive buffers alert events, pattern decisions and optimizer
// snapshots in memory and flushes them to the SQLite archive in batches.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/mimamori/internal/events"
	"github.com/ashita-ai/mimamori/internal/learning"
	"github.com/ashita-ai/mimamori/internal/model"
	"github.com/ashita-ai/mimamori/internal/optimizer"
	"github.com/ashita-ai/mimamori/internal/storage"
	"github.com/ashita-ai/mimamori/internal/telemetry"
)

// maxBufferCapacity bounds the rows held in memory. Rows that cannot be put
// back after a failed flush are dropped and counted.
const maxBufferCapacity = 10_000

// Store is the persistence side of the writer. *storage.DB satisfies it.
type Store interface {
	WriteBatch(ctx context.Context, b storage.Batch) (int, error)
}

// Writer accumulates archive rows and flushes them when either the batch size
// or the flush interval is reached.
type Writer struct {
	store         Store
	logger        *slog.Logger
	maxSize       int
	flushInterval time.Duration

	mu      sync.Mutex
	pending storage.Batch

	dropped atomic.Int64
	written atomic.Int64

	subs []*events.Subscription

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// NewWriter creates a writer. maxSize <= 0 means 100; flushInterval <= 0
// means 5s.
func NewWriter(store Store, logger *slog.Logger, maxSize int, flushInterval time.Duration) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSize <= 0 {
		maxSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Writer{
		store:         store,
		logger:        logger,
		maxSize:       maxSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Subscribe archives alert, resolution, newPattern and patternRejected events
// published on bus. Drain removes the subscriptions.
func (w *Writer) Subscribe(bus *events.Bus) {
	onAlert := func(e events.Event) {
		if ev, ok := e.Payload.(model.AlertEvent); ok {
			w.AppendAlert(ev)
		}
	}
	w.subs = append(w.subs,
		bus.Subscribe(events.Alert, onAlert),
		bus.Subscribe(events.Resolution, onAlert),
		bus.Subscribe(events.NewPattern, func(e events.Event) {
			if p, ok := e.Payload.(model.LearningPattern); ok {
				w.AppendDecision(storage.PatternDecision{Pattern: p, Accepted: true, DecidedAt: e.Timestamp})
			}
		}),
		bus.Subscribe(events.PatternRejected, func(e events.Event) {
			if r, ok := e.Payload.(learning.Rejection); ok {
				score := r.Score
				w.AppendDecision(storage.PatternDecision{
					Pattern: r.Pattern, Score: &score, ConflictingIDs: r.ConflictingIDs, DecidedAt: e.Timestamp,
				})
			}
		}),
	)
}

// Start begins the background flush loop and registers OTEL metrics. Call
// Drain to stop.
func (w *Writer) Start(ctx context.Context) {
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.flushLoop(loopCtx)
}

// AppendAlert queues an alert transition.
func (w *Writer) AppendAlert(ev model.AlertEvent) {
	w.append(func(b *storage.Batch) { b.Alerts = append(b.Alerts, ev) })
}

// AppendDecision queues a pattern decision.
func (w *Writer) AppendDecision(d storage.PatternDecision) {
	w.append(func(b *storage.Batch) { b.Decisions = append(b.Decisions, d) })
}

// ArchiveExport queues an optimizer snapshot.
func (w *Writer) ArchiveExport(exp optimizer.Export) error {
	payload, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("archive: marshal export: %w", err)
	}
	row := storage.OptimizerExport{
		ExportedAt:    exp.ExportedAt,
		LearningRate:  exp.State.LearningRate,
		ActiveMetrics: len(exp.State.Metrics),
		Payload:       payload,
	}
	w.append(func(b *storage.Batch) { b.Exports = append(b.Exports, row) })
	return nil
}

func (w *Writer) append(add func(*storage.Batch)) {
	w.mu.Lock()
	if w.pending.Len() >= maxBufferCapacity {
		w.mu.Unlock()
		w.dropped.Add(1)
		w.logger.Warn("archive: buffer at capacity, dropping row")
		return
	}
	add(&w.pending)
	full := w.pending.Len() >= w.maxSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
}

func (w *Writer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if w.drainCtx != nil {
				w.Flush(w.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.Flush(fallbackCtx)
				cancel()
			}
			close(w.done)
			return
		case <-ticker.C:
			w.Flush(ctx)
		case <-w.flushCh:
			w.Flush(ctx)
		}
	}
}

// Flush writes every pending row. On failure the rows are put back unless
// that would exceed the buffer capacity.
func (w *Writer) Flush(ctx context.Context) {
	w.mu.Lock()
	if w.pending.Len() == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = storage.Batch{}
	w.mu.Unlock()

	start := time.Now()
	count, err := w.store.WriteBatch(ctx, batch)
	if err != nil {
		w.logger.Error("archive: flush failed", "error", err, "batch_size", batch.Len())
		w.mu.Lock()
		if w.pending.Len()+batch.Len() <= maxBufferCapacity {
			w.pending = storage.Batch{
				Alerts:    append(batch.Alerts, w.pending.Alerts...),
				Decisions: append(batch.Decisions, w.pending.Decisions...),
				Exports:   append(batch.Exports, w.pending.Exports...),
			}
		} else {
			w.dropped.Add(int64(batch.Len()))
			w.logger.Error("archive: dropping rows, buffer at capacity after flush failure", "dropped", batch.Len())
		}
		w.mu.Unlock()
		return
	}

	w.written.Add(int64(count))
	w.logger.Debug("archive: batch flushed",
		"batch_size", count,
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
}

// Drain unsubscribes from the bus, stops the flush loop and waits for its
// final flush. ctx bounds the wait and the final write.
func (w *Writer) Drain(ctx context.Context) {
	for _, s := range w.subs {
		s.Unsubscribe()
	}
	w.drainCtx = ctx
	if w.cancelLoop == nil {
		w.Flush(ctx)
		return
	}
	w.cancelLoop()
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("archive: drain timed out waiting for flush loop")
	}
}

func (w *Writer) registerMetrics() {
	meter := telemetry.Meter("mimamori/archive")

	_, _ = meter.Int64ObservableGauge("mimamori.archive.pending",
		metric.WithDescription("Rows waiting to be written to the archive"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(w.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("mimamori.archive.dropped_total",
		metric.WithDescription("Rows dropped because the archive buffer was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.Dropped())
			return nil
		}),
	)
}

// Len returns the number of pending rows.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending.Len()
}

// Dropped returns the total rows lost to capacity limits.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Written returns the total rows flushed successfully.
func (w *Writer) Written() int64 {
	return w.written.Load()
}
