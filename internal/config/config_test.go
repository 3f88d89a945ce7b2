package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hypeon/decision-engine/internal/engine"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  host: \"\"\n"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Engine.Workers != 4 {
		t.Errorf("workers = %d", cfg.Engine.Workers)
	}
	if cfg.Engine.AttributionSetting != "30d_click_1d_view" {
		t.Errorf("attribution setting = %q", cfg.Engine.AttributionSetting)
	}
	if cfg.Engine.CooldownDays != 5 || cfg.Engine.MinPriority != 0.05 || cfg.Engine.ImpactThreshold != 0.01 {
		t.Errorf("suppression defaults = %+v", cfg.Engine)
	}
	if cfg.Engine.DisagreementThreshold != engine.DefaultDisagreementThreshold {
		t.Errorf("disagreement threshold = %v", cfg.Engine.DisagreementThreshold)
	}
	if cfg.Worker.RunHourUTC != 6 || cfg.Worker.LockTTLSeconds != 1800 {
		t.Errorf("worker defaults = %+v", cfg.Worker)
	}
}

func TestLoadOverrides(t *testing.T) {
	yaml := `
server:
  port: 9999
engine:
  workers: 8
  adstock_half_life: 14
  cooldown_days: 10
ranking:
  impact_normalizer: 5000
  severity_weights:
    critical: 3.0
    low: 0.25
optimizer:
  step: 25
  stability_threshold: 0.5
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9999 || cfg.Engine.Workers != 8 {
		t.Errorf("overrides not applied: %+v", cfg)
	}

	mmm := cfg.MMMConfig()
	if mmm.AdstockHalfLife != 14 {
		t.Errorf("mmm half-life = %v", mmm.AdstockHalfLife)
	}
	sup := cfg.SuppressorConfig()
	if sup.CooldownDays != 10 {
		t.Errorf("cooldown = %d", sup.CooldownDays)
	}
	rank := cfg.RankerConfig()
	if rank.ImpactNormalizer != 5000 {
		t.Errorf("impact normalizer = %v", rank.ImpactNormalizer)
	}
	if rank.SeverityWeights[engine.SeverityCritical] != 3.0 {
		t.Errorf("severity weights = %v", rank.SeverityWeights)
	}
	opt := cfg.OptimizerConfig()
	if opt.Step != 25 || opt.StabilityThreshold != 0.5 {
		t.Errorf("optimizer = %+v", opt)
	}
}

func TestLoadFromEnvOverridesSecrets(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env-wins")
	t.Setenv("API_TOKEN", "tok-123")
	t.Setenv("ALERT_WEBHOOK_URL", "https://hooks.example.com/x")

	cfg, err := LoadFromEnv(writeConfig(t, "database:\n  url: postgres://from-yaml\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.URL != "postgres://env-wins" {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
	if cfg.Server.APIToken != "tok-123" {
		t.Errorf("api token = %q", cfg.Server.APIToken)
	}
	if !cfg.Alerts.Enabled || cfg.Alerts.WebhookURL == "" {
		t.Errorf("alerts = %+v", cfg.Alerts)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
