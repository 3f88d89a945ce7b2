package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hypeon/decision-engine/internal/engine"
)

// SuppressionRepo is a Postgres-backed engine.SuppressionStore, for
// deployments that run without Redis. Expiry is enforced on read.
type SuppressionRepo struct{ db *sql.DB }

// NewSuppressionRepo creates a Postgres-backed suppression store.
func NewSuppressionRepo(db *sql.DB) *SuppressionRepo { return &SuppressionRepo{db: db} }

func (r *SuppressionRepo) Get(ctx context.Context, insightHash string) (*engine.SuppressionState, error) {
	var state engine.SuppressionState
	err := r.db.QueryRowContext(ctx, `
		SELECT insight_hash, last_emitted_at, last_severity
		FROM engine_suppressions
		WHERE insight_hash = $1 AND expires_at > NOW()
	`, insightHash).Scan(&state.InsightHash, &state.LastEmittedAt, &state.LastSeverity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get suppression: %w", err)
	}
	return &state, nil
}

func (r *SuppressionRepo) Put(ctx context.Context, state engine.SuppressionState, ttl time.Duration) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO engine_suppressions (insight_hash, last_emitted_at, last_severity, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (insight_hash) DO UPDATE SET
			last_emitted_at = EXCLUDED.last_emitted_at,
			last_severity = EXCLUDED.last_severity,
			expires_at = EXCLUDED.expires_at
	`, state.InsightHash, state.LastEmittedAt, state.LastSeverity, state.LastEmittedAt.Add(ttl))
	if err != nil {
		return fmt.Errorf("put suppression: %w", err)
	}
	return nil
}

// Prune removes expired suppression rows. Called by the worker sweep.
func (r *SuppressionRepo) Prune(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM engine_suppressions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("prune suppressions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
