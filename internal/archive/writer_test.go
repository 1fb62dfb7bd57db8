package archive

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mimamori/internal/events"
	"github.com/ashita-ai/mimamori/internal/learning"
	"github.com/ashita-ai/mimamori/internal/model"
	"github.com/ashita-ai/mimamori/internal/optimizer"
	"github.com/ashita-ai/mimamori/internal/storage"
	"github.com/ashita-ai/mimamori/migrations"
)

type fakeStore struct {
	mu      sync.Mutex
	batches []storage.Batch
	err     error
}

func (f *fakeStore) WriteBatch(_ context.Context, b storage.Batch) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.batches = append(f.batches, b)
	return b.Len(), nil
}

func (f *fakeStore) rows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += b.Len()
	}
	return n
}

func alertEvent() model.AlertEvent {
	return model.AlertEvent{
		ID: uuid.New(), AlertID: "a", ComponentID: "api", Kind: model.AlertFired,
		Rule: model.RuleThreshold, Severity: model.SeverityHigh, Timestamp: time.Now().UTC(),
	}
}

func TestSubscribeCapturesEvents(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, nil, 100, time.Hour)
	bus := events.NewBus(nil)
	w.Subscribe(bus)

	bus.Publish(events.Alert, alertEvent())
	bus.Publish(events.Resolution, alertEvent())
	bus.Publish(events.NewPattern, model.LearningPattern{ID: "p1", Type: model.PatternObservation, Payload: model.ObservationPattern{}})
	bus.Publish(events.PatternRejected, learning.Rejection{
		Pattern: model.LearningPattern{ID: "p2", Type: model.PatternAnalysis, Payload: model.AnalysisPattern{}},
		Reason:  "conflictingIds", Score: 0.3, ConflictingIDs: []string{"p0"},
	})
	bus.Publish(events.NewMetric, model.Metric{Name: "ignored"})
	assert.Equal(t, 4, w.Len())

	w.Flush(context.Background())
	require.Len(t, store.batches, 1)
	b := store.batches[0]
	assert.Len(t, b.Alerts, 2)
	require.Len(t, b.Decisions, 2)
	assert.True(t, b.Decisions[0].Accepted)
	assert.Nil(t, b.Decisions[0].Score)
	assert.False(t, b.Decisions[1].Accepted)
	assert.Equal(t, 0.3, *b.Decisions[1].Score)
	assert.Equal(t, int64(4), w.Written())

	w.Drain(context.Background())
	bus.Publish(events.Alert, alertEvent())
	assert.Zero(t, w.Len(), "drained writer no longer listens")
}

func TestFlushFailureRequeues(t *testing.T) {
	store := &fakeStore{err: errors.New("disk full")}
	w := NewWriter(store, nil, 100, time.Hour)
	w.AppendAlert(alertEvent())
	w.AppendAlert(alertEvent())

	w.Flush(context.Background())
	assert.Equal(t, 2, w.Len())
	assert.Zero(t, w.Dropped())

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	w.Flush(context.Background())
	assert.Zero(t, w.Len())
	assert.Equal(t, 2, store.rows())
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, nil, 2, time.Hour)
	w.Start(context.Background())

	w.AppendAlert(alertEvent())
	w.AppendAlert(alertEvent())

	assert.Eventually(t, func() bool { return store.rows() == 2 }, 2*time.Second, 10*time.Millisecond)

	w.AppendAlert(alertEvent())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.Drain(ctx)
	assert.Equal(t, 3, store.rows(), "drain flushes the remainder")
}

func TestArchiveExportToSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "archive.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.RunMigrations(ctx, migrations.FS))

	opt := optimizer.New(optimizer.Config{}, nil)
	require.NoError(t, opt.SetThreshold(model.Threshold{Metric: "cpuUsage", MaxValue: 80, TargetValue: 50}))
	opt.UpdateMetrics([]model.OptimizationMetric{{ID: "cpuUsage", Value: 55, Weight: 1}})

	w := NewWriter(db, nil, 10, time.Hour)
	require.NoError(t, w.ArchiveExport(opt.ExportOptimizationData()))
	w.AppendAlert(alertEvent())
	w.Drain(ctx)

	counts, err := db.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["optimizer_exports"])
	assert.Equal(t, 1, counts["alert_events"])

	latest, err := db.LatestExport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.ActiveMetrics)
	assert.Contains(t, string(latest.Payload), "cpuUsage")
}
