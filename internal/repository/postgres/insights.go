package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hypeon/decision-engine/internal/engine"
)

// InsightFilter narrows ListInsights.
type InsightFilter struct {
	Status     engine.InsightStatus
	EntityType engine.EntityType
	EntityID   string
	Severity   engine.Severity
	Limit      int
	Offset     int
}

const insightColumns = `
	insight_id, entity_type, entity_id, insight_type, root_cause, summary,
	explanation, recommendation, expected_impact, confidence, evidence,
	detected_by, priority_score, severity, insight_hash, status, period,
	run_id, disagreement_score, created_at, applied_at`

// UpsertInsights writes insights keyed on insight_hash. A re-run over the
// same period updates the existing row in place instead of inserting a
// duplicate; rows a human already moved past NEW keep their status.
// Returns how many rows were newly inserted.
func (s *Store) UpsertInsights(ctx context.Context, insights []engine.Insight) (int, error) {
	if len(insights) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert insights: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, in := range insights {
		impact, err := json.Marshal(in.ExpectedImpact)
		if err != nil {
			return 0, fmt.Errorf("marshal expected impact: %w", err)
		}
		evidence, err := json.Marshal(in.Evidence)
		if err != nil {
			return 0, fmt.Errorf("marshal evidence: %w", err)
		}
		detectedBy, err := json.Marshal(in.DetectedBy)
		if err != nil {
			return 0, fmt.Errorf("marshal detected_by: %w", err)
		}
		var isNew bool
		err = tx.QueryRowContext(ctx, `
			INSERT INTO engine_insights
				(insight_id, entity_type, entity_id, insight_type, root_cause,
				 summary, explanation, recommendation, expected_impact, confidence,
				 evidence, detected_by, priority_score, severity, insight_hash,
				 status, period, run_id, disagreement_score, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
			ON CONFLICT (insight_hash) DO UPDATE SET
				root_cause = EXCLUDED.root_cause,
				summary = EXCLUDED.summary,
				explanation = EXCLUDED.explanation,
				recommendation = EXCLUDED.recommendation,
				expected_impact = EXCLUDED.expected_impact,
				confidence = EXCLUDED.confidence,
				evidence = EXCLUDED.evidence,
				detected_by = EXCLUDED.detected_by,
				priority_score = EXCLUDED.priority_score,
				severity = EXCLUDED.severity,
				run_id = EXCLUDED.run_id,
				disagreement_score = EXCLUDED.disagreement_score
			RETURNING (xmax = 0)
		`, in.InsightID, in.EntityType, in.EntityID, in.InsightType, in.RootCause,
			in.Summary, in.Explanation, in.Recommendation, impact, in.Confidence,
			evidence, detectedBy, in.PriorityScore, in.Severity, in.InsightHash,
			in.Status, in.Period, in.RunID, in.Disagreement, in.CreatedAt).Scan(&isNew)
		if err != nil {
			return 0, fmt.Errorf("upsert insight %s: %w", in.InsightHash, err)
		}
		if isNew {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert insights: %w", err)
	}
	return inserted, nil
}

func (s *Store) GetInsight(ctx context.Context, insightID string) (*engine.Insight, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+insightColumns+` FROM engine_insights WHERE insight_id = $1`, insightID)
	in, err := scanInsight(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get insight: %w", err)
	}
	return in, nil
}

func (s *Store) ListInsights(ctx context.Context, f InsightFilter) ([]engine.Insight, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	idx := 1
	add := func(clause string, val interface{}) {
		where += fmt.Sprintf(" AND %s = $%d", clause, idx)
		args = append(args, val)
		idx++
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	if f.EntityType != "" {
		add("entity_type", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id", f.EntityID)
	}
	if f.Severity != "" {
		add("severity", f.Severity)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM engine_insights`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count insights: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT` + insightColumns + ` FROM engine_insights` + where +
		fmt.Sprintf(" ORDER BY priority_score DESC, created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	var out []engine.Insight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan insight: %w", err)
		}
		out = append(out, *in)
	}
	return out, total, rows.Err()
}

// SetInsightStatus moves an insight's status in lockstep with its
// decision record.
func (s *Store) SetInsightStatus(ctx context.Context, insightID string, status engine.InsightStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE engine_insights SET status = $1, applied_at = CASE WHEN $1 = 'applied' THEN NOW() ELSE applied_at END WHERE insight_id = $2`,
		status, insightID)
	if err != nil {
		return fmt.Errorf("set insight status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return engine.ErrNotFound
	}
	return nil
}

type rowScanner interface{ Scan(dest ...interface{}) error }

func scanInsight(row rowScanner) (*engine.Insight, error) {
	var (
		in         engine.Insight
		impact     []byte
		evidence   []byte
		detectedBy []byte
		appliedAt  sql.NullTime
	)
	if err := row.Scan(
		&in.InsightID, &in.EntityType, &in.EntityID, &in.InsightType, &in.RootCause,
		&in.Summary, &in.Explanation, &in.Recommendation, &impact, &in.Confidence,
		&evidence, &detectedBy, &in.PriorityScore, &in.Severity, &in.InsightHash,
		&in.Status, &in.Period, &in.RunID, &in.Disagreement, &in.CreatedAt, &appliedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(impact, &in.ExpectedImpact); err != nil {
		return nil, fmt.Errorf("decode expected impact: %w", err)
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &in.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
	}
	if len(detectedBy) > 0 {
		if err := json.Unmarshal(detectedBy, &in.DetectedBy); err != nil {
			return nil, fmt.Errorf("decode detected_by: %w", err)
		}
	}
	in.AppliedAt = timePtr(appliedAt)
	return &in, nil
}
