package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, "app:\n  environment: test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.App.Environment != "test" {
		t.Errorf("expected environment test, got %q", cfg.App.Environment)
	}
	if cfg.Emergency.StopFile != "emergency_stop.txt" {
		t.Errorf("expected default stop file, got %q", cfg.Emergency.StopFile)
	}
	if cfg.Emergency.DailyLossLimit != 10000.0 {
		t.Errorf("expected default loss limit 10000, got %f", cfg.Emergency.DailyLossLimit)
	}
	if cfg.Emergency.CheckInterval != 5*time.Second {
		t.Errorf("expected default check interval 5s, got %v", cfg.Emergency.CheckInterval)
	}
	if cfg.Safety.MarketOpen != "09:15" || cfg.Safety.MarketClose != "15:30" {
		t.Errorf("unexpected market session defaults: %s-%s", cfg.Safety.MarketOpen, cfg.Safety.MarketClose)
	}
	if len(cfg.Safety.EnabledChecks) == 0 {
		t.Errorf("expected default enabled checks")
	}
	for _, check := range cfg.Safety.EnabledChecks {
		if check == "network_connectivity" {
			t.Errorf("expected network_connectivity disabled by default")
		}
	}
}

func TestLoad_OverridesFromFile(t *testing.T) {
	path := writeConfigFile(t, `
emergency:
  daily_loss_limit: 2500
  shutdown_timeout: 30s
safety:
  enabled_checks:
    - position_limits
    - api_health
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Emergency.DailyLossLimit != 2500 {
		t.Errorf("expected loss limit 2500, got %f", cfg.Emergency.DailyLossLimit)
	}
	if cfg.Emergency.ShutdownTimeout != 30*time.Second {
		t.Errorf("expected shutdown timeout 30s, got %v", cfg.Emergency.ShutdownTimeout)
	}
	if len(cfg.Safety.EnabledChecks) != 2 {
		t.Errorf("expected 2 enabled checks, got %v", cfg.Safety.EnabledChecks)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	path := writeConfigFile(t, `
emergency:
  daily_loss_limit: -5
  check_interval: 0s
safety:
  max_cpu_usage: 150
  market_open: "25:00"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}

	for _, want := range []string{"daily_loss_limit", "check_interval", "max_cpu_usage", "market_open"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %s, got %v", want, err)
		}
	}
}

func TestClockMinutes(t *testing.T) {
	cases := []struct {
		value string
		want  int
	}{
		{"00:00", 0},
		{"09:15", 555},
		{"15:30", 930},
		{"23:59", 1439},
	}
	for _, tc := range cases {
		if got := ClockMinutes(tc.value); got != tc.want {
			t.Errorf("ClockMinutes(%q) = %d, want %d", tc.value, got, tc.want)
		}
	}
}

func TestParseClock_Invalid(t *testing.T) {
	for _, value := range []string{"", "abc", "24:00", "12:60", "9"} {
		if _, err := parseClock(value); err == nil {
			t.Errorf("expected error for %q", value)
		}
	}
}
