package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("app:\n  name: engine\n  env: test\nscheduler:\n  tick_interval: 2s\ndispatch:\n  default_country_code: \"1\"\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OUTBOUND_DISPATCH_DEFAULT_COUNTRY_CODE", "44")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Name != "engine" {
		t.Fatalf("expected app name engine, got %q", cfg.App.Name)
	}
	if cfg.Scheduler.TickInterval != 2*time.Second {
		t.Fatalf("expected tick interval from file, got %v", cfg.Scheduler.TickInterval)
	}
	if cfg.Dispatch.DefaultCountryCode != "44" {
		t.Fatalf("expected env override, got %q", cfg.Dispatch.DefaultCountryCode)
	}
	if cfg.Health.DownThreshold != 3 || cfg.Health.ProbeTimeout != 10*time.Second {
		t.Fatalf("unexpected health defaults: %+v", cfg.Health)
	}
	if cfg.Processing.BatchSize != 5 || cfg.Processing.FastPathThreshold != 8 {
		t.Fatalf("unexpected processing defaults: %+v", cfg.Processing)
	}
	if cfg.Sequence.InterStepDelay != 30*time.Second {
		t.Fatalf("unexpected inter-step delay %v", cfg.Sequence.InterStepDelay)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
