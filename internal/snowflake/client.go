// Package snowflake reads the engine's upstream marketing data from the
// Snowflake warehouse. It implements engine.WarehouseReader with bounded
// per-query timeouts and retries, so a slow warehouse degrades a run
// instead of hanging it.
package snowflake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/snowflakedb/gosnowflake" // Snowflake driver

	"github.com/hypeon/decision-engine/internal/engine"
	"github.com/hypeon/decision-engine/internal/pkg/logger"
)

// Client provides access to the Snowflake warehouse.
type Client struct {
	config Config
	db     *sql.DB
}

// NewClient creates a new Snowflake client.
func NewClient(cfg Config) (*Client, error) {
	// DSN format: user:password@account/database/schema?warehouse=xxx
	dsn := fmt.Sprintf("%s:%s@%s/%s/%s",
		cfg.User,
		cfg.Password,
		cfg.Account,
		cfg.Database,
		cfg.Schema,
	)
	if cfg.Warehouse != "" {
		dsn += "?warehouse=" + cfg.Warehouse
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snowflake connection: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Client{config: cfg, db: db}, nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping tests the database connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// query runs one warehouse query under the configured timeout, retrying
// transient failures with doubling backoff. A deadline that expires maps
// to engine.ErrUpstreamTimeout so the runner can tell a slow warehouse
// from a broken one.
func (c *Client) query(ctx context.Context, name, q string, scan func(*sql.Rows) error, args ...interface{}) error {
	attempts := c.config.MaxRetries + 1
	backoff := time.Second

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		qctx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
		err := c.runQuery(qctx, q, scan, args...)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%s: %w", name, engine.ErrUpstreamTimeout)
		}
		lastErr = err
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt < attempts {
			logger.Warn("warehouse query retrying", "query", name, "attempt", attempt, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return lastErr
			}
			backoff *= 2
		}
	}
	return lastErr
}

func (c *Client) runQuery(ctx context.Context, q string, scan func(*sql.Rows) error, args ...interface{}) error {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SourceRows reads raw daily performance rows for the window.
func (c *Client) SourceRows(ctx context.Context, start, end time.Time) ([]engine.SourceRow, error) {
	q := `
		SELECT ENTITY_TYPE, ENTITY_ID, DATE, CHANNEL, COALESCE(DEVICE, ''),
		       SPEND, CLICKS, IMPRESSIONS, CONVERSIONS, REVENUE, SESSIONS
		FROM MARKETING_PERFORMANCE_DAILY
		WHERE DATE >= ? AND DATE <= ?
		ORDER BY DATE
	`
	var out []engine.SourceRow
	err := c.query(ctx, "source_rows", q, func(rows *sql.Rows) error {
		var r engine.SourceRow
		if err := rows.Scan(&r.EntityType, &r.EntityID, &r.Date, &r.Channel, &r.Device,
			&r.Spend, &r.Clicks, &r.Impressions, &r.Conversions, &r.Revenue, &r.Sessions); err != nil {
			return fmt.Errorf("scan source row: %w", err)
		}
		out = append(out, r)
		return nil
	}, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to read source rows: %w", err)
	}
	return out, nil
}

// Orders reads conversions with revenue for the window.
func (c *Client) Orders(ctx context.Context, start, end time.Time) ([]engine.Order, error) {
	q := `
		SELECT ORDER_ID, ORDER_DATE, REVENUE
		FROM ORDERS
		WHERE ORDER_DATE >= ? AND ORDER_DATE <= ?
		ORDER BY ORDER_DATE
	`
	var out []engine.Order
	err := c.query(ctx, "orders", q, func(rows *sql.Rows) error {
		var o engine.Order
		if err := rows.Scan(&o.OrderID, &o.Date, &o.Revenue); err != nil {
			return fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
		return nil
	}, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}
	return out, nil
}

// DailySpend reads per-channel daily spend. The attribution lookback
// reaches behind the run window, so callers pass an earlier start.
func (c *Client) DailySpend(ctx context.Context, start, end time.Time) ([]engine.ChannelDaySpend, error) {
	q := `
		SELECT DATE, CHANNEL, SUM(SPEND)
		FROM MARKETING_PERFORMANCE_DAILY
		WHERE DATE >= ? AND DATE <= ?
		GROUP BY DATE, CHANNEL
		ORDER BY DATE, CHANNEL
	`
	var out []engine.ChannelDaySpend
	err := c.query(ctx, "daily_spend", q, func(rows *sql.Rows) error {
		var s engine.ChannelDaySpend
		if err := rows.Scan(&s.Date, &s.Channel, &s.Spend); err != nil {
			return fmt.Errorf("scan daily spend: %w", err)
		}
		out = append(out, s)
		return nil
	}, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to read daily spend: %w", err)
	}
	return out, nil
}

// TouchPaths reads user journey paths ending in the window. Paths are
// stored as delimiter-joined channel sequences.
func (c *Client) TouchPaths(ctx context.Context, start, end time.Time) ([]engine.TouchPath, error) {
	q := `
		SELECT PATH, CONVERTED
		FROM TOUCH_PATHS
		WHERE PATH_END_DATE >= ? AND PATH_END_DATE <= ?
	`
	var out []engine.TouchPath
	err := c.query(ctx, "touch_paths", q, func(rows *sql.Rows) error {
		var raw string
		var converted bool
		if err := rows.Scan(&raw, &converted); err != nil {
			return fmt.Errorf("scan touch path: %w", err)
		}
		if p, ok := parsePath(raw, converted); ok {
			out = append(out, p)
		}
		return nil
	}, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to read touch paths: %w", err)
	}
	return out, nil
}

// parsePath splits a stored "meta > google > email" sequence into
// channels, dropping empty segments. Empty paths carry no signal.
func parsePath(raw string, converted bool) (engine.TouchPath, bool) {
	var channels []engine.Channel
	for _, part := range strings.Split(raw, ">") {
		if ch := strings.TrimSpace(part); ch != "" {
			channels = append(channels, engine.Channel(ch))
		}
	}
	if len(channels) == 0 {
		return engine.TouchPath{}, false
	}
	return engine.TouchPath{Channels: channels, Converted: converted}, true
}
