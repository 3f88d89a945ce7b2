package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/hypeon/decision-engine/internal/engine"
)

// MetricsBetween loads an entity's daily metric rows for an outcome
// window. Implements engine.MetricsLoader.
func (s *Store) MetricsBetween(ctx context.Context, entityType engine.EntityType, entityID string, start, end time.Time) ([]engine.MetricRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, date, channel, device,
		       spend, clicks, impressions, conversions, revenue, sessions
		FROM engine_metric_rows
		WHERE entity_type = $1 AND entity_id = $2 AND date >= $3 AND date < $4
		ORDER BY date, channel, device
	`, entityType, entityID, start, end)
	if err != nil {
		return nil, fmt.Errorf("metrics between: %w", err)
	}
	defer rows.Close()

	var out []engine.MetricRow
	for rows.Next() {
		var m engine.MetricRow
		if err := rows.Scan(
			&m.EntityType, &m.EntityID, &m.Date, &m.Channel, &m.Device,
			&m.Spend, &m.Clicks, &m.Impressions, &m.Conversions, &m.Revenue, &m.Sessions,
		); err != nil {
			return nil, fmt.Errorf("scan metric row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
