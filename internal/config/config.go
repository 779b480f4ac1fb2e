// Package config provides the configuration schema, loader, and hot-reload
// watcher for the voice bridge.
package config

import "github.com/voxbridge/bridge/internal/agentcfg"

// Config is the root configuration structure for the bridge. It is
// typically loaded with [Load], which layers environment variables over an
// optional YAML file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	VAD       VADConfig       `yaml:"vad"`
	Cost      CostConfig      `yaml:"cost"`
	Bus       BusConfig       `yaml:"bus"`
	Directory DirectoryConfig `yaml:"directory"`
	Session   SessionConfig   `yaml:"session"`
	RateCards []RateCardEntry `yaml:"rate_cards"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the health/readiness server listens on
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel names a log/slog verbosity level.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError, "":
		return true
	default:
		return false
	}
}

// UpstreamConfig configures the realtime speech-to-speech client.
type UpstreamConfig struct {
	// BootstrapURL is the endpoint the bridge POSTs the long-lived API key
	// to in order to mint an ephemeral client secret.
	BootstrapURL string `yaml:"bootstrap_url"`

	// APIKey is the long-lived key used for the bootstrap POST.
	APIKey string `yaml:"api_key"`

	// Model is the default upstream model id; an Agent may override it.
	Model string `yaml:"model"`
}

// VADConfig configures barge-in/silence detection on the upstream side.
type VADConfig struct {
	// Threshold is the voice-activity confidence above which speech is
	// considered to have started. Default 0.5.
	Threshold float64 `yaml:"threshold"`

	// SilenceDurationMs is how long sub-threshold audio must persist before
	// the upstream considers the turn finished. Default 500.
	SilenceDurationMs int `yaml:"silence_duration_ms"`
}

// CostConfig configures the Cost Meter's markup.
type CostConfig struct {
	// ProfitMarginPercent is applied on top of the rate card's base cost
	// (cost = base × (1 + percent/100)). Default 20.
	ProfitMarginPercent float64 `yaml:"profit_margin_percent"`
}

// Margin returns ProfitMarginPercent as a fraction (20 -> 0.20).
func (c CostConfig) Margin() float64 {
	return c.ProfitMarginPercent / 100
}

// BusConfig configures the control bus connection.
type BusConfig struct {
	// URL is the control bus endpoint, e.g. "redis://localhost:6379/0".
	URL string `yaml:"url"`
}

// DirectoryConfig configures the caller/tenant/agent directory service.
type DirectoryConfig struct {
	// URL is the directory service endpoint.
	URL string `yaml:"url"`
}

// SessionConfig configures per-call session behaviour.
type SessionConfig struct {
	// IdleTimeoutMs is the reaper threshold: a session with no activity for
	// this long is ended. Default 300000 (5 minutes).
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`
}

// RateCardEntry is one model's rate card as configured in YAML or built from
// defaults; [Config.RateTable] converts a slice of these into an
// [agentcfg.RateTable].
type RateCardEntry struct {
	ModelID           string  `yaml:"model_id"`
	AudioInPerSecond  float64 `yaml:"audio_in_per_second"`
	AudioOutPerSecond float64 `yaml:"audio_out_per_second"`
	TextInPerToken    float64 `yaml:"text_in_per_token"`
	TextOutPerToken   float64 `yaml:"text_out_per_token"`
	CachedInPerToken  float64 `yaml:"cached_in_per_token"`
}

// RateTable builds an [agentcfg.RateTable] from the configured rate cards.
// There is intentionally no implicit entry added for unlisted models — see
// DESIGN.md's "Unknown model ids" decision.
func (c *Config) RateTable() agentcfg.RateTable {
	t := make(agentcfg.RateTable, len(c.RateCards))
	for _, rc := range c.RateCards {
		t[rc.ModelID] = agentcfg.RateCard{
			ModelID:           rc.ModelID,
			AudioInPerSecond:  rc.AudioInPerSecond,
			AudioOutPerSecond: rc.AudioOutPerSecond,
			TextInPerToken:    rc.TextInPerToken,
			TextOutPerToken:   rc.TextOutPerToken,
			CachedInPerToken:  rc.CachedInPerToken,
		}
	}
	return t
}
