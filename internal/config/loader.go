package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path (if it exists), layers
// environment variable overrides on top, applies defaults, and validates the
// result. path may be empty to load from environment variables and defaults
// alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			defer f.Close()
			decoded, err := decode(f)
			if err != nil {
				return nil, fmt.Errorf("config: parse %q: %w", path, err)
			}
			cfg = decoded
		case errors.Is(err, os.ErrNotExist):
			// Environment variables and defaults may be sufficient on their own.
		default:
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies env overrides and
// defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the environment variables named in the bridge's external
// interface contract on top of whatever YAML supplied. A set environment
// variable always wins over the YAML value.
func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("LISTEN_ADDR"); ok {
		cfg.Server.ListenAddr = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v, ok := os.LookupEnv("UPSTREAM_API_KEY"); ok {
		cfg.Upstream.APIKey = v
	}
	if v, ok := os.LookupEnv("UPSTREAM_MODEL"); ok {
		cfg.Upstream.Model = v
	}
	if v, ok := os.LookupEnv("UPSTREAM_BOOTSTRAP_URL"); ok {
		cfg.Upstream.BootstrapURL = v
	}
	if v, ok := envFloat("VAD_THRESHOLD"); ok {
		cfg.VAD.Threshold = v
	}
	if v, ok := envInt("SILENCE_DURATION_MS"); ok {
		cfg.VAD.SilenceDurationMs = v
	}
	if v, ok := envFloat("PROFIT_MARGIN_PERCENT"); ok {
		cfg.Cost.ProfitMarginPercent = v
	}
	if v, ok := os.LookupEnv("BUS_URL"); ok {
		cfg.Bus.URL = v
	}
	if v, ok := os.LookupEnv("DIRECTORY_URL"); ok {
		cfg.Directory.URL = v
	}
	if v, ok := envInt("IDLE_TIMEOUT_MS"); ok {
		cfg.Session.IdleTimeoutMs = v
	}
}

func envFloat(name string) (float64, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// applyDefaults fills in the documented defaults for fields left unset by
// both YAML and the environment.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.VAD.Threshold == 0 {
		cfg.VAD.Threshold = 0.5
	}
	if cfg.VAD.SilenceDurationMs == 0 {
		cfg.VAD.SilenceDurationMs = 500
	}
	if cfg.Cost.ProfitMarginPercent == 0 {
		cfg.Cost.ProfitMarginPercent = 20
	}
	if cfg.Session.IdleTimeoutMs == 0 {
		cfg.Session.IdleTimeoutMs = 300_000
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all hard validation failures found, or nil. It logs
// nothing.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Upstream.APIKey == "" {
		errs = append(errs, errors.New("upstream.api_key (UPSTREAM_API_KEY) is required"))
	}
	if cfg.Upstream.Model == "" {
		errs = append(errs, errors.New("upstream.model (UPSTREAM_MODEL) is required"))
	}

	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range [0, 1]", cfg.VAD.Threshold))
	}
	if cfg.VAD.SilenceDurationMs < 0 {
		errs = append(errs, fmt.Errorf("vad.silence_duration_ms %d must not be negative", cfg.VAD.SilenceDurationMs))
	}

	if cfg.Cost.ProfitMarginPercent < 0 {
		errs = append(errs, fmt.Errorf("cost.profit_margin_percent %.2f must not be negative", cfg.Cost.ProfitMarginPercent))
	}

	if cfg.Bus.URL == "" {
		errs = append(errs, errors.New("bus.url (BUS_URL) is required"))
	}
	if cfg.Directory.URL == "" {
		errs = append(errs, errors.New("directory.url (DIRECTORY_URL) is required"))
	}

	if cfg.Session.IdleTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout_ms %d must be positive", cfg.Session.IdleTimeoutMs))
	}

	seen := make(map[string]int, len(cfg.RateCards))
	for i, rc := range cfg.RateCards {
		prefix := fmt.Sprintf("rate_cards[%d]", i)
		if rc.ModelID == "" {
			errs = append(errs, fmt.Errorf("%s.model_id is required", prefix))
			continue
		}
		if prev, ok := seen[rc.ModelID]; ok {
			errs = append(errs, fmt.Errorf("%s.model_id %q is a duplicate of rate_cards[%d]", prefix, rc.ModelID, prev))
		}
		seen[rc.ModelID] = i
	}
	return errors.Join(errs...)
}
