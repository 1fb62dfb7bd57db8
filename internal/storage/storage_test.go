package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mimamori/internal/model"
	"github.com/ashita-ai/mimamori/migrations"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "archive.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.RunMigrations(ctx, migrations.FS))
	return db
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.RunMigrations(context.Background(), migrations.FS))

	counts, err := db.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"alert_events": 0, "pattern_decisions": 0, "optimizer_exports": 0}, counts)
}

func TestWriteBatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := 1500.0
	score := 0.2

	alert := model.AlertEvent{
		ID: uuid.New(), AlertID: "slow", ComponentID: "api", Kind: model.AlertFired,
		Rule: model.RuleThreshold, Severity: model.SeverityCritical, Metric: "response_time",
		Value: &v, Timestamp: now,
	}
	b := Batch{
		Alerts: []model.AlertEvent{alert, alert},
		Decisions: []PatternDecision{{
			Pattern: model.LearningPattern{
				ID: "p1", Type: model.PatternCorrelation, Confidence: 0.8, Timestamp: now,
				Payload: model.CorrelationPattern{Strength: 0.4},
			},
			Accepted:  false,
			Score:     &score,
			DecidedAt: now,
		}},
		Exports: []OptimizerExport{
			{ExportedAt: now, LearningRate: 0.1, ActiveMetrics: 2, Payload: json.RawMessage(`{"a":1}`)},
			{ExportedAt: now.Add(time.Minute), LearningRate: 0.12, ActiveMetrics: 3, Payload: json.RawMessage(`{"a":2}`)},
		},
	}

	n, err := db.WriteBatch(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	counts, err := db.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["alert_events"], "duplicate event ids are ignored")
	assert.Equal(t, 1, counts["pattern_decisions"])
	assert.Equal(t, 2, counts["optimizer_exports"])

	latest, err := db.LatestExport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, latest.ActiveMetrics)
	assert.True(t, latest.ExportedAt.Equal(now.Add(time.Minute)))
	assert.JSONEq(t, `{"a":2}`, string(latest.Payload))
}

func TestWriteBatchEmpty(t *testing.T) {
	db := openTestDB(t)
	n, err := db.WriteBatch(context.Background(), Batch{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLatestExportNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.LatestExport(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsRetriable(t *testing.T) {
	assert.False(t, isRetriable(nil))
	assert.False(t, isRetriable(assert.AnError))
}

func TestAuditAlertsDetectsTampering(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := 0.97

	fired := model.AlertEvent{
		ID: uuid.New(), AlertID: "cpu", ComponentID: "web", Kind: model.AlertFired,
		Rule: model.RuleThreshold, Severity: model.SeverityHigh, Metric: "cpu_usage",
		Value: &v, Message: "cpu above 90%", Timestamp: now,
	}
	resolved := model.AlertEvent{
		ID: uuid.New(), AlertID: "db", ComponentID: "db", Kind: model.AlertResolved,
		Rule: model.RuleHealth, Severity: model.SeverityMedium, Status: model.HealthHealthy,
		Timestamp: now.Add(time.Minute),
	}
	_, err := db.WriteBatch(ctx, Batch{Alerts: []model.AlertEvent{fired, resolved}})
	require.NoError(t, err)

	clean, err := db.AuditAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, clean.Events)
	assert.Empty(t, clean.Mismatched)
	assert.NotEmpty(t, clean.MerkleRoot)

	_, err = db.db.ExecContext(ctx, `UPDATE alert_events SET severity = 'low' WHERE id = ?`, fired.ID.String())
	require.NoError(t, err)

	tampered, err := db.AuditAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{fired.ID.String()}, tampered.Mismatched)
	assert.Equal(t, clean.MerkleRoot, tampered.MerkleRoot, "stored hashes are unchanged")
}

func TestAuditAlertsEmpty(t *testing.T) {
	db := openTestDB(t)
	audit, err := db.AuditAlerts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, audit.Events)
	assert.Empty(t, audit.MerkleRoot)
}
