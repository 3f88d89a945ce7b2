// Package config loads the engine's configuration from YAML with
// environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hypeon/decision-engine/internal/engine"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Snowflake SnowflakeConfig `yaml:"snowflake"`
	Engine    EngineConfig    `yaml:"engine"`
	Ranking   RankingConfig   `yaml:"ranking"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Worker    WorkerConfig    `yaml:"worker"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	APIToken string `yaml:"api_token"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// DatabaseConfig holds Postgres settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis settings for suppression state and the run lock.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// SnowflakeConfig holds warehouse connection settings.
type SnowflakeConfig struct {
	ConnectionString    string `yaml:"connection_string"`
	Account             string `yaml:"account"`
	User                string `yaml:"user"`
	Password            string `yaml:"password"`
	Database            string `yaml:"database"`
	Schema              string `yaml:"schema"`
	Warehouse           string `yaml:"warehouse"`
	QueryTimeoutSeconds int    `yaml:"query_timeout_seconds"`
	MaxRetries          int    `yaml:"max_retries"`
	MaxStaleDays        int    `yaml:"max_stale_days"`
}

// EngineConfig holds pipeline and model tunables.
type EngineConfig struct {
	Workers               int     `yaml:"workers"`
	AttributionSetting    string  `yaml:"attribution_setting"`
	MinMarkovPaths        int     `yaml:"min_markov_paths"`
	AdstockHalfLife       float64 `yaml:"adstock_half_life"`
	RidgeAlpha            float64 `yaml:"ridge_alpha"`
	LookbackDays          int     `yaml:"lookback_days"`
	MinSamples            int     `yaml:"min_samples"`
	DisagreementThreshold float64 `yaml:"disagreement_threshold"`
	CooldownDays          int     `yaml:"cooldown_days"`
	MinPriority           float64 `yaml:"min_priority"`
	ImpactThreshold       float64 `yaml:"impact_threshold"`
}

// RankingConfig tunes priority scoring.
type RankingConfig struct {
	ImpactNormalizer float64            `yaml:"impact_normalizer"`
	SeverityWeights  map[string]float64 `yaml:"severity_weights"`
}

// OptimizerConfig tunes budget allocation.
type OptimizerConfig struct {
	Step               float64 `yaml:"step"`
	StabilityThreshold float64 `yaml:"stability_threshold"`
}

// WorkerConfig holds the scheduler's settings.
type WorkerConfig struct {
	RunHourUTC          int `yaml:"run_hour_utc"`
	OutcomeSweepMinutes int `yaml:"outcome_sweep_minutes"`
	LockTTLSeconds      int `yaml:"lock_ttl_seconds"`
}

// AlertsConfig holds run-failure webhook settings.
type AlertsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// ArchiveConfig holds S3 decision archive settings.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Region  string `yaml:"region"`
	Prefix  string `yaml:"prefix"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Snowflake.QueryTimeoutSeconds == 0 {
		cfg.Snowflake.QueryTimeoutSeconds = 60
	}
	if cfg.Snowflake.MaxRetries == 0 {
		cfg.Snowflake.MaxRetries = 2
	}
	if cfg.Snowflake.MaxStaleDays == 0 {
		cfg.Snowflake.MaxStaleDays = 2
	}
	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Engine.AttributionSetting == "" {
		cfg.Engine.AttributionSetting = "30d_click_1d_view"
	}
	if cfg.Engine.AdstockHalfLife == 0 {
		cfg.Engine.AdstockHalfLife = 7
	}
	if cfg.Engine.RidgeAlpha == 0 {
		cfg.Engine.RidgeAlpha = 1.0
	}
	if cfg.Engine.LookbackDays == 0 {
		cfg.Engine.LookbackDays = 90
	}
	if cfg.Engine.MinSamples == 0 {
		cfg.Engine.MinSamples = 14
	}
	if cfg.Engine.DisagreementThreshold == 0 {
		cfg.Engine.DisagreementThreshold = engine.DefaultDisagreementThreshold
	}
	if cfg.Engine.CooldownDays == 0 {
		cfg.Engine.CooldownDays = 5
	}
	if cfg.Engine.MinPriority == 0 {
		cfg.Engine.MinPriority = 0.05
	}
	if cfg.Engine.ImpactThreshold == 0 {
		cfg.Engine.ImpactThreshold = 0.01
	}
	if cfg.Worker.RunHourUTC == 0 {
		cfg.Worker.RunHourUTC = 6
	}
	if cfg.Worker.OutcomeSweepMinutes == 0 {
		cfg.Worker.OutcomeSweepMinutes = 60
	}
	if cfg.Worker.LockTTLSeconds == 0 {
		cfg.Worker.LockTTLSeconds = 1800
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "decisions"
	}
	return &cfg, nil
}

// LoadFromEnv loads config and overrides secrets from the environment.
// A .env file is honored when present.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if conn := os.Getenv("SNOWFLAKE_CONNECTION_STRING"); conn != "" {
		cfg.Snowflake.ConnectionString = conn
	}
	if pw := os.Getenv("SNOWFLAKE_PASSWORD"); pw != "" {
		cfg.Snowflake.Password = pw
	}
	if token := os.Getenv("API_TOKEN"); token != "" {
		cfg.Server.APIToken = token
	}
	if hook := os.Getenv("ALERT_WEBHOOK_URL"); hook != "" {
		cfg.Alerts.WebhookURL = hook
		cfg.Alerts.Enabled = true
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	return cfg, nil
}

// RunnerConfig maps the engine section onto the pipeline runner.
func (c *Config) RunnerConfig() engine.RunnerConfig {
	return engine.RunnerConfig{
		Workers:            c.Engine.Workers,
		AttributionSetting: c.Engine.AttributionSetting,
		MinMarkovPaths:     c.Engine.MinMarkovPaths,
	}
}

// MMMConfig maps the engine section onto the mix model.
func (c *Config) MMMConfig() engine.MMMConfig {
	return engine.MMMConfig{
		AdstockHalfLife: c.Engine.AdstockHalfLife,
		RidgeAlpha:      c.Engine.RidgeAlpha,
		LookbackDays:    c.Engine.LookbackDays,
		MinSamples:      c.Engine.MinSamples,
	}
}

// SuppressorConfig maps the engine section onto the suppressor.
func (c *Config) SuppressorConfig() engine.SuppressorConfig {
	return engine.SuppressorConfig{
		CooldownDays:    c.Engine.CooldownDays,
		MinPriority:     c.Engine.MinPriority,
		ImpactThreshold: c.Engine.ImpactThreshold,
	}
}

// RankerConfig maps the ranking section onto the ranker.
func (c *Config) RankerConfig() engine.RankerConfig {
	cfg := engine.RankerConfig{ImpactNormalizer: c.Ranking.ImpactNormalizer}
	if len(c.Ranking.SeverityWeights) > 0 {
		cfg.SeverityWeights = map[engine.Severity]float64{}
		for k, v := range c.Ranking.SeverityWeights {
			cfg.SeverityWeights[engine.Severity(k)] = v
		}
	}
	return cfg
}

// OptimizerConfig maps the optimizer section onto the budget optimizer.
func (c *Config) OptimizerConfig() engine.OptimizerConfig {
	return engine.OptimizerConfig{
		AdstockHalfLife:    c.Engine.AdstockHalfLife,
		Step:               c.Optimizer.Step,
		StabilityThreshold: c.Optimizer.StabilityThreshold,
	}
}

// QueryTimeout returns the warehouse query timeout as a duration.
func (s SnowflakeConfig) QueryTimeout() time.Duration {
	return time.Duration(s.QueryTimeoutSeconds) * time.Second
}
