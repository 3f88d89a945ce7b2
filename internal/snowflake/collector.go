package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hypeon/decision-engine/internal/pkg/logger"
)

// watchedTables are the source tables a run reads from. A run against a
// table that stopped loading produces confident nonsense, so the prober
// checks currency before the scheduler fires.
var watchedTables = []string{
	"MARKETING_PERFORMANCE_DAILY",
	"ORDERS",
	"TOUCH_PATHS",
}

// Prober periodically checks how fresh the warehouse's source tables are.
type Prober struct {
	client          *Client
	mu              sync.RWMutex
	summary         *FreshnessSummary
	refreshInterval time.Duration
	maxStaleDays    int
}

// NewProber creates a freshness prober. maxStaleDays bounds how old the
// newest row may be before the warehouse counts as unhealthy.
func NewProber(client *Client, maxStaleDays int) *Prober {
	if maxStaleDays <= 0 {
		maxStaleDays = 2
	}
	return &Prober{
		client:          client,
		refreshInterval: 15 * time.Minute,
		maxStaleDays:    maxStaleDays,
	}
}

// Start begins the probe loop.
func (p *Prober) Start(ctx context.Context) {
	p.probe(ctx)

	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

// ProbeNow triggers an immediate freshness check.
func (p *Prober) ProbeNow(ctx context.Context) {
	p.probe(ctx)
}

// Summary returns the latest freshness snapshot, or nil before the
// first probe completes.
func (p *Prober) Summary() *FreshnessSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.summary
}

// Healthy reports whether every watched table was current at the last
// probe. Before the first probe it returns false.
func (p *Prober) Healthy() bool {
	s := p.Summary()
	return s != nil && s.Healthy
}

func (p *Prober) probe(ctx context.Context) {
	now := time.Now().UTC()
	summary := &FreshnessSummary{Timestamp: now, Healthy: true}

	for _, table := range watchedTables {
		maxDate, err := p.client.maxDate(ctx, table)
		if err != nil {
			logger.Warn("freshness probe failed", "table", table, "error", err)
			summary.Healthy = false
			continue
		}
		stale := int(now.Sub(maxDate).Hours() / 24)
		if stale > summary.StaleDays {
			summary.StaleDays = stale
		}
		if stale > p.maxStaleDays {
			logger.Warn("warehouse table stale", "table", table,
				"max_date", maxDate.Format("2006-01-02"), "stale_days", stale)
			summary.Healthy = false
		}
		summary.Tables = append(summary.Tables, TableFreshness{
			Table: table, MaxDate: maxDate, CheckedAt: now,
		})
	}

	p.mu.Lock()
	p.summary = summary
	p.mu.Unlock()
}

func (c *Client) maxDate(ctx context.Context, table string) (time.Time, error) {
	dateCol := "DATE"
	switch table {
	case "ORDERS":
		dateCol = "ORDER_DATE"
	case "TOUCH_PATHS":
		dateCol = "PATH_END_DATE"
	}
	q := fmt.Sprintf(`SELECT MAX(%s) FROM %s`, dateCol, table)

	var maxDate sql.NullTime
	qctx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
	defer cancel()
	if err := c.db.QueryRowContext(qctx, q).Scan(&maxDate); err != nil {
		return time.Time{}, fmt.Errorf("max date for %s: %w", table, err)
	}
	if !maxDate.Valid {
		return time.Time{}, fmt.Errorf("%s has no rows", table)
	}
	return maxDate.Time, nil
}
