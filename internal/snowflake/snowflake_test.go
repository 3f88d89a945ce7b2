package snowflake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestParseConnectionString(t *testing.T) {
	connStr := "scheme=https;ACCOUNT=xy12345;HOST=xy12345.snowflakecomputing.com;port=443;USER=engine;PASSWORD=secret;DB=ANALYTICS.MARKETING;"
	cfg := ParseConnectionString(connStr)

	if cfg.Account != "xy12345" {
		t.Errorf("Account = %q", cfg.Account)
	}
	if cfg.User != "engine" || cfg.Password != "secret" {
		t.Errorf("credentials = %q/%q", cfg.User, cfg.Password)
	}
	if cfg.Database != "ANALYTICS" || cfg.Schema != "MARKETING" {
		t.Errorf("db/schema = %q/%q", cfg.Database, cfg.Schema)
	}
}

func TestParseConnectionStringNoTrailingSemicolon(t *testing.T) {
	cfg := ParseConnectionString("ACCOUNT=a1;USER=u1;PASSWORD=p1;DB=DB1")
	if cfg.Account != "a1" || cfg.Database != "DB1" || cfg.Schema != "" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	if cfg.QueryTimeout != 60*time.Second {
		t.Errorf("QueryTimeout = %v", cfg.QueryTimeout)
	}
	if cfg.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d", cfg.MaxRetries)
	}

	set := Config{QueryTimeout: 5 * time.Second, MaxRetries: 1}.WithDefaults()
	if set.QueryTimeout != 5*time.Second || set.MaxRetries != 1 {
		t.Errorf("explicit values overridden: %+v", set)
	}
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		raw       string
		converted bool
		want      []string
		ok        bool
	}{
		{"meta > google > email", true, []string{"meta", "google", "email"}, true},
		{"meta", false, []string{"meta"}, true},
		{"meta>google", true, []string{"meta", "google"}, true},
		{" > > ", true, nil, false},
		{"", false, nil, false},
	}
	for _, tt := range tests {
		p, ok := parsePath(tt.raw, tt.converted)
		if ok != tt.ok {
			t.Errorf("parsePath(%q) ok = %v, want %v", tt.raw, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		if len(p.Channels) != len(tt.want) {
			t.Errorf("parsePath(%q) = %v, want %v", tt.raw, p.Channels, tt.want)
			continue
		}
		for i, ch := range tt.want {
			if string(p.Channels[i]) != ch {
				t.Errorf("parsePath(%q)[%d] = %q, want %q", tt.raw, i, p.Channels[i], ch)
			}
		}
		if p.Converted != tt.converted {
			t.Errorf("parsePath(%q) converted = %v", tt.raw, p.Converted)
		}
	}
}

func TestSourceRowsScan(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 29)
	mock.ExpectQuery("SELECT (.+) FROM MARKETING_PERFORMANCE_DAILY").
		WillReturnRows(sqlmock.NewRows([]string{
			"entity_type", "entity_id", "date", "channel", "device",
			"spend", "clicks", "impressions", "conversions", "revenue", "sessions",
		}).AddRow("campaign", "c1", start, "meta", "mobile", 120.5, 40, 9000, 3.0, 410.0, 220))

	c := &Client{config: Config{}.WithDefaults(), db: db}
	rows, err := c.SourceRows(context.Background(), start, end)
	if err != nil {
		t.Fatalf("SourceRows() error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].EntityID != "c1" || rows[0].Spend != 120.5 || rows[0].Sessions != 220 {
		t.Errorf("row = %+v", rows[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSourceRowsRetriesThenFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	boom := errors.New("network unreachable")
	mock.ExpectQuery("SELECT (.+) FROM MARKETING_PERFORMANCE_DAILY").WillReturnError(boom)
	mock.ExpectQuery("SELECT (.+) FROM MARKETING_PERFORMANCE_DAILY").WillReturnError(boom)

	cfg := Config{QueryTimeout: time.Second, MaxRetries: 1}
	c := &Client{config: cfg, db: db}
	_, err = c.SourceRows(context.Background(), time.Now().AddDate(0, 0, -7), time.Now())
	if err == nil {
		t.Fatal("expected failure after retries")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("both attempts should have run: %v", err)
	}
}
