package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/mimamori/internal/integrity"
	"github.com/ashita-ai/mimamori/internal/model"
)

// PatternDecision records whether a learning pattern was accepted. Score is
// the validation score when known.
type PatternDecision struct {
	Pattern        model.LearningPattern
	Accepted       bool
	Score          *float64
	ConflictingIDs []string
	DecidedAt      time.Time
}

// OptimizerExport is one archived optimizer snapshot. Payload is the JSON
// export document.
type OptimizerExport struct {
	ExportedAt    time.Time
	LearningRate  float64
	ActiveMetrics int
	Payload       json.RawMessage
}

// Batch is a set of archive rows written in one transaction.
type Batch struct {
	Alerts    []model.AlertEvent
	Decisions []PatternDecision
	Exports   []OptimizerExport
}

// Len returns the number of rows in the batch.
func (b Batch) Len() int {
	return len(b.Alerts) + len(b.Decisions) + len(b.Exports)
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// WriteBatch inserts every row of b in a single transaction, retrying on
// lock contention. Returns the number of rows written.
func (db *DB) WriteBatch(ctx context.Context, b Batch) (int, error) {
	if b.Len() == 0 {
		return 0, nil
	}
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		return db.inTx(ctx, func(tx *sql.Tx) error {
			for _, a := range b.Alerts {
				if err := insertAlert(ctx, tx, a); err != nil {
					return err
				}
			}
			for _, d := range b.Decisions {
				if err := insertDecision(ctx, tx, d); err != nil {
					return err
				}
			}
			for _, e := range b.Exports {
				if err := insertExport(ctx, tx, e); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("storage: write batch: %w", err)
	}
	return b.Len(), nil
}

func insertAlert(ctx context.Context, tx *sql.Tx, a model.AlertEvent) error {
	var value sql.NullFloat64
	if a.Value != nil {
		value = sql.NullFloat64{Float64: *a.Value, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO alert_events
			(id, alert_id, component_id, kind, rule, severity, metric, value, status, message, occurred_at, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.AlertID, a.ComponentID, string(a.Kind), string(a.Rule), string(a.Severity),
		a.Metric, value, string(a.Status), a.Message, ts(a.Timestamp), integrity.AlertEventHash(a),
	)
	if err != nil {
		return fmt.Errorf("insert alert event %s: %w", a.ID, err)
	}
	return nil
}

func insertDecision(ctx context.Context, tx *sql.Tx, d PatternDecision) error {
	payload, err := json.Marshal(d.Pattern)
	if err != nil {
		return fmt.Errorf("marshal pattern %s: %w", d.Pattern.ID, err)
	}
	conflicts := d.ConflictingIDs
	if conflicts == nil {
		conflicts = []string{}
	}
	conflictJSON, err := json.Marshal(conflicts)
	if err != nil {
		return fmt.Errorf("marshal conflicts of %s: %w", d.Pattern.ID, err)
	}
	var score sql.NullFloat64
	if d.Score != nil {
		score = sql.NullFloat64{Float64: *d.Score, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pattern_decisions
			(pattern_id, pattern_type, source, accepted, score, confidence, conflicting_ids, payload, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Pattern.ID, string(d.Pattern.Type), d.Pattern.Source, d.Accepted, score, d.Pattern.Confidence,
		string(conflictJSON), string(payload), ts(d.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("insert pattern decision %s: %w", d.Pattern.ID, err)
	}
	return nil
}

func insertExport(ctx context.Context, tx *sql.Tx, e OptimizerExport) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO optimizer_exports (exported_at, learning_rate, active_metrics, payload)
		VALUES (?, ?, ?, ?)`,
		ts(e.ExportedAt), e.LearningRate, e.ActiveMetrics, string(e.Payload),
	)
	if err != nil {
		return fmt.Errorf("insert optimizer export: %w", err)
	}
	return nil
}

// Counts returns the row count of each archive table.
func (db *DB) Counts(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, 3)
	for _, table := range []string{"alert_events", "pattern_decisions", "optimizer_exports"} {
		var n int
		if err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("storage: count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

// LatestExport returns the most recent optimizer snapshot, or ErrNotFound.
func (db *DB) LatestExport(ctx context.Context) (OptimizerExport, error) {
	var (
		e       OptimizerExport
		at      string
		payload string
	)
	err := db.db.QueryRowContext(ctx, `
		SELECT exported_at, learning_rate, active_metrics, payload
		FROM optimizer_exports ORDER BY id DESC LIMIT 1`,
	).Scan(&at, &e.LearningRate, &e.ActiveMetrics, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return OptimizerExport{}, ErrNotFound
	}
	if err != nil {
		return OptimizerExport{}, fmt.Errorf("storage: latest export: %w", err)
	}
	e.ExportedAt, err = time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return OptimizerExport{}, fmt.Errorf("storage: parse exported_at: %w", err)
	}
	e.Payload = json.RawMessage(payload)
	return e, nil
}

// AlertAudit is the result of re-hashing every archived alert event.
// MerkleRoot covers the stored hashes in sorted order.
type AlertAudit struct {
	Events     int      `json:"events"`
	Mismatched []string `json:"mismatched,omitempty"`
	MerkleRoot string   `json:"merkle_root"`
}

// AuditAlerts recomputes the content hash of every archived alert event and
// reports the IDs whose stored hash no longer matches.
func (db *DB) AuditAlerts(ctx context.Context) (AlertAudit, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, alert_id, component_id, kind, rule, severity, metric, value, status, message, occurred_at, content_hash
		FROM alert_events`)
	if err != nil {
		return AlertAudit{}, fmt.Errorf("storage: audit alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		audit  AlertAudit
		leaves []string
	)
	for rows.Next() {
		var (
			ev                      model.AlertEvent
			id, kind, rule, sev, at string
			metric, status, message sql.NullString
			value                   sql.NullFloat64
			stored                  string
		)
		if err := rows.Scan(&id, &ev.AlertID, &ev.ComponentID, &kind, &rule, &sev,
			&metric, &value, &status, &message, &at, &stored); err != nil {
			return AlertAudit{}, fmt.Errorf("storage: scan alert event: %w", err)
		}
		ev.ID, err = uuid.Parse(id)
		if err != nil {
			return AlertAudit{}, fmt.Errorf("storage: parse alert event id %q: %w", id, err)
		}
		ev.Timestamp, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return AlertAudit{}, fmt.Errorf("storage: parse occurred_at of %s: %w", id, err)
		}
		ev.Kind = model.AlertEventKind(kind)
		ev.Rule = model.AlertRule(rule)
		ev.Severity = model.Severity(sev)
		ev.Metric = metric.String
		ev.Status = model.HealthState(status.String)
		ev.Message = message.String
		if value.Valid {
			v := value.Float64
			ev.Value = &v
		}

		audit.Events++
		if !integrity.VerifyAlertEventHash(stored, ev) {
			audit.Mismatched = append(audit.Mismatched, id)
		}
		leaves = append(leaves, stored)
	}
	if err := rows.Err(); err != nil {
		return AlertAudit{}, fmt.Errorf("storage: audit alerts: %w", err)
	}
	sort.Strings(leaves)
	sort.Strings(audit.Mismatched)
	audit.MerkleRoot = integrity.BuildMerkleRoot(leaves)
	return audit, nil
}
