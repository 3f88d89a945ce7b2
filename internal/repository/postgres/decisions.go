package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hypeon/decision-engine/internal/engine"
)

// DecisionFilter narrows ListDecisions.
type DecisionFilter struct {
	Status   engine.DecisionStatus
	EntityID string
	Limit    int
	Offset   int
}

const decisionColumns = `
	history_id, insight_id, entity_type, entity_id, recommended_action,
	status, applied_by, applied_at, outcome_metrics_after_7d,
	outcome_metrics_after_30d, decision_success_score, archive_key,
	created_at, updated_at`

// OpenDecisions creates a NEW decision record for each freshly emitted
// insight. An insight that already has a decision keeps it; re-runs never
// reset an operator's progress.
func (s *Store) OpenDecisions(ctx context.Context, insights []engine.Insight, now time.Time) error {
	if len(insights) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin open decisions: %w", err)
	}
	defer tx.Rollback()

	for _, in := range insights {
		d := engine.NewDecision(uuid.New().String(), in, now)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO engine_decision_history
				(history_id, insight_id, entity_type, entity_id,
				 recommended_action, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (insight_id) DO NOTHING
		`, d.HistoryID, d.InsightID, d.EntityType, d.EntityID,
			d.RecommendedAction, d.Status, d.CreatedAt, d.UpdatedAt)
		if err != nil {
			return fmt.Errorf("open decision for %s: %w", in.InsightID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit open decisions: %w", err)
	}
	return nil
}

func (s *Store) GetDecision(ctx context.Context, historyID string) (*engine.DecisionHistory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+decisionColumns+` FROM engine_decision_history WHERE history_id = $1`, historyID)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	return d, nil
}

// DecisionByInsight resolves the decision record opened for an insight.
func (s *Store) DecisionByInsight(ctx context.Context, insightID string) (*engine.DecisionHistory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+decisionColumns+` FROM engine_decision_history WHERE insight_id = $1`, insightID)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("decision by insight: %w", err)
	}
	return d, nil
}

func (s *Store) ListDecisions(ctx context.Context, f DecisionFilter) ([]engine.DecisionHistory, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	idx := 1
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.EntityID != "" {
		where += fmt.Sprintf(" AND entity_id = $%d", idx)
		args = append(args, f.EntityID)
		idx++
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM engine_decision_history`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count decisions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT` + decisionColumns + ` FROM engine_decision_history` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []engine.DecisionHistory
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, *d)
	}
	return out, total, rows.Err()
}

// SaveDecision persists a transitioned or outcome-filled decision record.
func (s *Store) SaveDecision(ctx context.Context, d *engine.DecisionHistory) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engine_decision_history SET
			status = $2, applied_by = $3, applied_at = $4,
			outcome_metrics_after_7d = $5, outcome_metrics_after_30d = $6,
			decision_success_score = $7, archive_key = $8, updated_at = $9
		WHERE history_id = $1
	`, d.HistoryID, d.Status, nullString(d.AppliedBy), nullTime(d.AppliedAt),
		nullBytes(d.OutcomeAfter7d), nullBytes(d.OutcomeAfter30d),
		nullFloat(d.SuccessScore), nullString(d.ArchiveKey), d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// DecisionsDueForOutcome returns applied decisions whose 7-day or 30-day
// outcome window has elapsed but is not yet measured.
func (s *Store) DecisionsDueForOutcome(ctx context.Context, now time.Time) ([]engine.DecisionHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT`+decisionColumns+`
		FROM engine_decision_history
		WHERE status IN ('APPLIED', 'VERIFIED')
		  AND applied_at IS NOT NULL
		  AND (
		      (outcome_metrics_after_7d IS NULL AND applied_at <= $1::timestamptz - interval '7 days')
		   OR (outcome_metrics_after_30d IS NULL AND applied_at <= $1::timestamptz - interval '30 days')
		  )
		ORDER BY applied_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("decisions due for outcome: %w", err)
	}
	defer rows.Close()

	var out []engine.DecisionHistory
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDecision(row rowScanner) (*engine.DecisionHistory, error) {
	var (
		d           engine.DecisionHistory
		appliedBy   sql.NullString
		appliedAt   sql.NullTime
		out7, out30 []byte
		score       sql.NullFloat64
		archiveKey  sql.NullString
	)
	if err := row.Scan(
		&d.HistoryID, &d.InsightID, &d.EntityType, &d.EntityID, &d.RecommendedAction,
		&d.Status, &appliedBy, &appliedAt, &out7, &out30, &score, &archiveKey,
		&d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.AppliedBy = appliedBy.String
	d.AppliedAt = timePtr(appliedAt)
	d.OutcomeAfter7d = out7
	d.OutcomeAfter30d = out30
	d.SuccessScore = floatPtr(score)
	d.ArchiveKey = archiveKey.String
	return &d, nil
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
