package snowflake

import (
	"time"
)

// Config holds Snowflake warehouse configuration.
type Config struct {
	Account   string `yaml:"account"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Warehouse string `yaml:"warehouse"`
	Enabled   bool   `yaml:"enabled"`

	QueryTimeout time.Duration `yaml:"query_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
}

// WithDefaults fills unset tuning fields.
func (c Config) WithDefaults() Config {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	return c
}

// ParseConnectionString extracts components from the connection string
// Format: scheme=https;ACCOUNT=xxx;HOST=yyy;port=443;USER=zzz;PASSWORD=www;DB=aaa;
func ParseConnectionString(connStr string) Config {
	parts := make(map[string]string)

	var current string
	for _, c := range connStr {
		if c == ';' {
			if idx := indexOfChar(current, '='); idx > 0 {
				key := current[:idx]
				value := current[idx+1:]
				parts[key] = value
			}
			current = ""
		} else {
			current += string(c)
		}
	}
	// Handle last part without trailing semicolon
	if current != "" {
		if idx := indexOfChar(current, '='); idx > 0 {
			key := current[:idx]
			value := current[idx+1:]
			parts[key] = value
		}
	}

	// Parse database.schema from DB field if present
	db := parts["DB"]
	var database, schema string
	if idx := indexOfChar(db, '.'); idx > 0 {
		database = db[:idx]
		schema = db[idx+1:]
	} else {
		database = db
	}

	return Config{
		Account:  parts["ACCOUNT"],
		User:     parts["USER"],
		Password: parts["PASSWORD"],
		Database: database,
		Schema:   schema,
	}
}

func indexOfChar(s string, c rune) int {
	for i, r := range s {
		if r == c {
			return i
		}
	}
	return -1
}

// TableFreshness reports the newest data date per source table.
type TableFreshness struct {
	Table     string    `json:"table"`
	MaxDate   time.Time `json:"max_date"`
	CheckedAt time.Time `json:"checked_at"`
}

// FreshnessSummary is the probe's view of warehouse data currency,
// served on the health endpoint and consulted before scheduled runs.
type FreshnessSummary struct {
	Timestamp time.Time        `json:"timestamp"`
	Tables    []TableFreshness `json:"tables"`
	StaleDays int              `json:"stale_days"`
	Healthy   bool             `json:"healthy"`
}
