package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hypeon/decision-engine/internal/engine"
)

func (s *Store) CreateRun(ctx context.Context, run engine.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_runs
			(run_id, window_start, window_end, status, stage,
			 entities_total, entities_done, insights_emitted, insights_dropped,
			 disagreement_score, mta_version, mmm_version, error, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, run.RunID, run.WindowStart, run.WindowEnd, run.Status, run.Stage,
		run.EntitiesTotal, run.EntitiesDone, run.InsightsEmitted, run.InsightsDropped,
		run.Disagreement, run.MTAVersion, run.MMMVersion, nullString(run.Error), run.StartedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run engine.RunRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engine_runs SET
			status = $2, stage = $3, entities_total = $4, entities_done = $5,
			insights_emitted = $6, insights_dropped = $7, disagreement_score = $8,
			error = $9, completed_at = $10
		WHERE run_id = $1
	`, run.RunID, run.Status, run.Stage, run.EntitiesTotal, run.EntitiesDone,
		run.InsightsEmitted, run.InsightsDropped, run.Disagreement,
		nullString(run.Error), nullTime(run.CompletedAt))
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// SaveRunResults writes everything a run produced in one transaction, so
// a failure midway leaves no partial batch behind.
func (s *Store) SaveRunResults(ctx context.Context, results engine.RunResults) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin run results: %w", err)
	}
	defer tx.Rollback()

	runID := results.Run.RunID
	for _, row := range results.Metrics {
		if err := insertMetricRow(ctx, tx, runID, row); err != nil {
			return err
		}
	}
	for _, e := range results.Events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO engine_attribution_events
				(run_id, order_id, channel, weight, credited_revenue, event_date, model_used)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, e.RunID, e.OrderID, e.Channel, e.Weight, e.CreditedRevenue, e.EventDate, e.ModelUsed)
		if err != nil {
			return fmt.Errorf("insert attribution event: %w", err)
		}
	}
	for _, m := range results.MMMResults {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO engine_mmm_results
				(run_id, channel, coefficient, elasticity, adstock_half_life,
				 saturation_param, r_squared, model_version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, m.RunID, m.Channel, m.Coefficient, m.Elasticity, m.AdstockHalfLife,
			m.SaturationParam, m.RSquared, m.ModelVersion, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert mmm result: %w", err)
		}
	}
	if r := results.Report; r != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO engine_disagreement
				(run_id, window_start, window_end, score, threshold, flagged)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, r.RunID, r.WindowStart, r.WindowEnd, r.Score, r.Threshold, r.Flagged)
		if err != nil {
			return fmt.Errorf("insert disagreement report: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run results: %w", err)
	}
	return nil
}

func insertMetricRow(ctx context.Context, tx *sql.Tx, runID string, row engine.MetricRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO engine_metric_rows
			(run_id, entity_type, entity_id, date, channel, device,
			 spend, clicks, impressions, conversions, revenue, sessions,
			 roas, cpa, ctr, conversion_rate,
			 roas_7d_avg, roas_28d_avg, revenue_7d_avg, revenue_28d_avg,
			 roas_pct_delta_28d, revenue_pct_delta_28d)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (entity_type, entity_id, date, channel, device)
		DO UPDATE SET
			run_id = EXCLUDED.run_id,
			spend = EXCLUDED.spend, clicks = EXCLUDED.clicks,
			impressions = EXCLUDED.impressions, conversions = EXCLUDED.conversions,
			revenue = EXCLUDED.revenue, sessions = EXCLUDED.sessions,
			roas = EXCLUDED.roas, cpa = EXCLUDED.cpa, ctr = EXCLUDED.ctr,
			conversion_rate = EXCLUDED.conversion_rate,
			roas_7d_avg = EXCLUDED.roas_7d_avg, roas_28d_avg = EXCLUDED.roas_28d_avg,
			revenue_7d_avg = EXCLUDED.revenue_7d_avg, revenue_28d_avg = EXCLUDED.revenue_28d_avg,
			roas_pct_delta_28d = EXCLUDED.roas_pct_delta_28d,
			revenue_pct_delta_28d = EXCLUDED.revenue_pct_delta_28d
	`, runID, row.EntityType, row.EntityID, row.Date, row.Channel, row.Device,
		row.Spend, row.Clicks, row.Impressions, row.Conversions, row.Revenue, row.Sessions,
		nullFloat(row.ROAS), nullFloat(row.CPA), nullFloat(row.CTR), nullFloat(row.ConversionRate),
		nullFloat(row.ROAS7dAvg), nullFloat(row.ROAS28dAvg),
		nullFloat(row.Revenue7dAvg), nullFloat(row.Revenue28dAvg),
		nullFloat(row.ROASPctDelta28d), nullFloat(row.RevPctDelta28d))
	if err != nil {
		return fmt.Errorf("upsert metric row: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*engine.RunRecord, error) {
	var (
		run engine.RunRecord
		msg sql.NullString
		end sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, window_start, window_end, status, stage,
		       entities_total, entities_done, insights_emitted, insights_dropped,
		       disagreement_score, mta_version, mmm_version, error, started_at, completed_at
		FROM engine_runs
		WHERE run_id = $1
	`, runID).Scan(
		&run.RunID, &run.WindowStart, &run.WindowEnd, &run.Status, &run.Stage,
		&run.EntitiesTotal, &run.EntitiesDone, &run.InsightsEmitted, &run.InsightsDropped,
		&run.Disagreement, &run.MTAVersion, &run.MMMVersion, &msg, &run.StartedAt, &end,
	)
	if err == sql.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.Error = msg.String
	run.CompletedAt = timePtr(end)
	return &run, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]engine.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, window_start, window_end, status, stage,
		       entities_total, entities_done, insights_emitted, insights_dropped,
		       disagreement_score, mta_version, mmm_version, error, started_at, completed_at
		FROM engine_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []engine.RunRecord
	for rows.Next() {
		var (
			run engine.RunRecord
			msg sql.NullString
			end sql.NullTime
		)
		if err := rows.Scan(
			&run.RunID, &run.WindowStart, &run.WindowEnd, &run.Status, &run.Stage,
			&run.EntitiesTotal, &run.EntitiesDone, &run.InsightsEmitted, &run.InsightsDropped,
			&run.Disagreement, &run.MTAVersion, &run.MMMVersion, &msg, &run.StartedAt, &end,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Error = msg.String
		run.CompletedAt = timePtr(end)
		out = append(out, run)
	}
	return out, rows.Err()
}

// LatestMMMResults returns the most recent run's fitted channel
// coefficients, for the budget optimizer and simulator endpoints.
func (s *Store) LatestMMMResults(ctx context.Context) ([]engine.MMMResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, channel, coefficient, elasticity, adstock_half_life,
		       saturation_param, r_squared, model_version, created_at
		FROM engine_mmm_results
		WHERE run_id = (
			SELECT run_id FROM engine_mmm_results ORDER BY created_at DESC LIMIT 1
		)
		ORDER BY channel
	`)
	if err != nil {
		return nil, fmt.Errorf("latest mmm results: %w", err)
	}
	defer rows.Close()

	var out []engine.MMMResult
	for rows.Next() {
		var m engine.MMMResult
		if err := rows.Scan(
			&m.RunID, &m.Channel, &m.Coefficient, &m.Elasticity, &m.AdstockHalfLife,
			&m.SaturationParam, &m.RSquared, &m.ModelVersion, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan mmm result: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
