package config_test

import (
	"testing"

	"github.com/voxbridge/bridge/internal/config"
)

func TestDiff_LogLevelChanged(t *testing.T) {
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("expected LogLevelChanged")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %v, want %v", d.NewLogLevel, config.LogDebug)
	}
}

func TestDiff_NoChange(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Cost:   config.CostConfig{ProfitMarginPercent: 20},
		RateCards: []config.RateCardEntry{
			{ModelID: "realtime-test", AudioInPerSecond: 0.01},
		},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.MarginChanged || d.IdleTimeoutChanged || d.RateCardsChanged {
		t.Errorf("expected no changes comparing a config to itself, got %+v", d)
	}
}

func TestDiff_MarginChanged(t *testing.T) {
	old := &config.Config{Cost: config.CostConfig{ProfitMarginPercent: 20}}
	new := &config.Config{Cost: config.CostConfig{ProfitMarginPercent: 30}}

	d := config.Diff(old, new)
	if !d.MarginChanged {
		t.Fatal("expected MarginChanged")
	}
	if d.NewMargin != 0.30 {
		t.Errorf("NewMargin = %v, want 0.30", d.NewMargin)
	}
}

func TestDiff_IdleTimeoutChanged(t *testing.T) {
	old := &config.Config{Session: config.SessionConfig{IdleTimeoutMs: 300_000}}
	new := &config.Config{Session: config.SessionConfig{IdleTimeoutMs: 60_000}}

	d := config.Diff(old, new)
	if !d.IdleTimeoutChanged || d.NewIdleTimeoutMs != 60_000 {
		t.Errorf("Diff = %+v, want IdleTimeoutChanged with 60000", d)
	}
}

func TestDiff_RateCards_AddedChangedRemoved(t *testing.T) {
	old := &config.Config{RateCards: []config.RateCardEntry{
		{ModelID: "realtime-a", AudioInPerSecond: 0.01},
		{ModelID: "realtime-b", AudioInPerSecond: 0.02},
	}}
	new := &config.Config{RateCards: []config.RateCardEntry{
		{ModelID: "realtime-a", AudioInPerSecond: 0.015},
		{ModelID: "realtime-c", AudioInPerSecond: 0.03},
	}}

	d := config.Diff(old, new)
	if !d.RateCardsChanged {
		t.Fatal("expected RateCardsChanged")
	}

	byModel := make(map[string]config.RateCardDiff, len(d.RateCardChanges))
	for _, rd := range d.RateCardChanges {
		byModel[rd.ModelID] = rd
	}

	if rd, ok := byModel["realtime-a"]; !ok || !rd.Changed {
		t.Errorf("expected realtime-a to be marked Changed, got %+v", rd)
	}
	if rd, ok := byModel["realtime-b"]; !ok || !rd.Removed {
		t.Errorf("expected realtime-b to be marked Removed, got %+v", rd)
	}
	if rd, ok := byModel["realtime-c"]; !ok || !rd.Added {
		t.Errorf("expected realtime-c to be marked Added, got %+v", rd)
	}
}
