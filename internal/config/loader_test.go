package config_test

import (
	"strings"
	"testing"

	"github.com/voxbridge/bridge/internal/config"
)

const minimalYAML = `
upstream:
  api_key: sk-test
  model: realtime-test
bus:
  url: redis://localhost:6379/0
directory:
  url: https://directory.internal
`

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.VAD.Threshold != 0.5 {
		t.Errorf("VAD.Threshold = %v, want default 0.5", cfg.VAD.Threshold)
	}
	if cfg.VAD.SilenceDurationMs != 500 {
		t.Errorf("VAD.SilenceDurationMs = %v, want default 500", cfg.VAD.SilenceDurationMs)
	}
	if cfg.Cost.ProfitMarginPercent != 20 {
		t.Errorf("Cost.ProfitMarginPercent = %v, want default 20", cfg.Cost.ProfitMarginPercent)
	}
	if cfg.Session.IdleTimeoutMs != 300_000 {
		t.Errorf("Session.IdleTimeoutMs = %v, want default 300000", cfg.Session.IdleTimeoutMs)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("Server.LogLevel = %v, want default info", cfg.Server.LogLevel)
	}
}

func TestLoadFromReader_EnvOverridesYAML(t *testing.T) {
	t.Setenv("UPSTREAM_API_KEY", "sk-from-env")
	t.Setenv("VAD_THRESHOLD", "0.75")
	t.Setenv("IDLE_TIMEOUT_MS", "60000")

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Upstream.APIKey != "sk-from-env" {
		t.Errorf("Upstream.APIKey = %q, want env override", cfg.Upstream.APIKey)
	}
	if cfg.VAD.Threshold != 0.75 {
		t.Errorf("VAD.Threshold = %v, want 0.75", cfg.VAD.Threshold)
	}
	if cfg.Session.IdleTimeoutMs != 60_000 {
		t.Errorf("Session.IdleTimeoutMs = %v, want 60000", cfg.Session.IdleTimeoutMs)
	}
}

func TestLoadFromReader_EnvAloneIsSufficient(t *testing.T) {
	t.Setenv("UPSTREAM_API_KEY", "sk-env-only")
	t.Setenv("UPSTREAM_MODEL", "realtime-env")
	t.Setenv("BUS_URL", "redis://localhost:6379/0")
	t.Setenv("DIRECTORY_URL", "https://directory.internal")

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Upstream.APIKey != "sk-env-only" || cfg.Upstream.Model != "realtime-env" {
		t.Errorf("Upstream = %+v, want values from env", cfg.Upstream)
	}
}

func TestValidate_MissingRequiredFields(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil {
		t.Fatal("expected validation error for empty config")
	}
	msg := err.Error()
	for _, want := range []string{"upstream.api_key", "upstream.model", "bus.url", "directory.url"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing expected complaint about %q", msg, want)
		}
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	yaml := minimalYAML + "server:\n  log_level: loud\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Fatalf("expected log_level validation error, got %v", err)
	}
}

func TestValidate_VADThresholdOutOfRange(t *testing.T) {
	yaml := minimalYAML + "vad:\n  threshold: 1.5\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "vad.threshold") {
		t.Fatalf("expected vad.threshold validation error, got %v", err)
	}
}

func TestValidate_DuplicateRateCardModelID(t *testing.T) {
	yaml := minimalYAML + `
rate_cards:
  - model_id: realtime-test
    audio_in_per_second: 0.01
  - model_id: realtime-test
    audio_in_per_second: 0.02
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate rate card validation error, got %v", err)
	}
}

func TestLoad_MissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("UPSTREAM_API_KEY", "sk-env-only")
	t.Setenv("UPSTREAM_MODEL", "realtime-env")
	t.Setenv("BUS_URL", "redis://localhost:6379/0")
	t.Setenv("DIRECTORY_URL", "https://directory.internal")

	cfg, err := config.Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upstream.APIKey != "sk-env-only" {
		t.Errorf("Upstream.APIKey = %q, want sk-env-only", cfg.Upstream.APIKey)
	}
}
