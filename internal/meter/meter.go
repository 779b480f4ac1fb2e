// Package meter tracks per-session audio-second and token usage and turns
// it into a priced report via a per-model rate card.
package meter

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxbridge/bridge/internal/agentcfg"
	"github.com/voxbridge/bridge/internal/upstream"
)

// audioTokensPerSecond is the rate used to convert an audio-token count
// into seconds when a usage report gives token counts but not seconds
// directly: one realtime audio frame is ~20ms, i.e. 50 frames/second.
const audioTokensPerSecond = 50.0

// Meter accumulates billable usage for one session. Not safe for reuse
// across sessions; create one per Session and discard it at End.
type Meter struct {
	mu sync.Mutex

	sessionID string
	model     string
	rateCard  agentcfg.RateCard
	margin    float64

	startedAt time.Time

	audioInSeconds  float64
	audioOutSeconds float64
	textInTokens    int
	textOutTokens   int
	cachedTokens    int

	inputStart  *time.Time
	outputStart *time.Time
}

// New creates a Meter bound to a session and its resolved rate card. margin
// is the process-wide profit-margin fraction (default 0.20).
func New(sessionID string, rateCard agentcfg.RateCard, margin float64) *Meter {
	return &Meter{
		sessionID: sessionID,
		model:     rateCard.ModelID,
		rateCard:  rateCard,
		margin:    margin,
		startedAt: time.Now(),
	}
}

// StartAudioInput opens the caller-audio span. A start on an already-open
// span is a no-op.
func (m *Meter) StartAudioInput() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inputStart != nil {
		return
	}
	now := time.Now()
	m.inputStart = &now
}

// StopAudioInput closes the caller-audio span and accumulates its duration.
// A stop on a closed span is a no-op.
func (m *Meter) StopAudioInput() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inputStart == nil {
		return
	}
	m.audioInSeconds += time.Since(*m.inputStart).Seconds()
	m.inputStart = nil
}

// StartAudioOutput opens the model-audio span. Symmetric with StartAudioInput.
func (m *Meter) StartAudioOutput() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outputStart != nil {
		return
	}
	now := time.Now()
	m.outputStart = &now
}

// StopAudioOutput closes the model-audio span. Symmetric with StopAudioInput.
func (m *Meter) StopAudioOutput() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outputStart == nil {
		return
	}
	m.audioOutSeconds += time.Since(*m.outputStart).Seconds()
	m.outputStart = nil
}

// RecordUsage absorbs a usage report from a finished response. Text tokens
// are total minus the audio portion the report carries for that direction;
// audio-second billing itself comes from the Start/Stop span timers, not
// from this report — AudioTokensToSeconds is only used here as a debug
// cross-check against the span-timer accumulators.
func (m *Meter) RecordUsage(u upstream.Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.textInTokens += u.InputTokens - u.InputAudioTokens
	m.textOutTokens += u.OutputTokens - u.OutputAudioTokens
	m.cachedTokens += u.CachedInputTokens

	slog.Debug("meter: usage cross-check",
		"session_id", m.sessionID,
		"audio_in_seconds_span", m.audioInSeconds,
		"audio_in_seconds_from_tokens", AudioTokensToSeconds(u.InputAudioTokens),
		"audio_out_seconds_span", m.audioOutSeconds,
		"audio_out_seconds_from_tokens", AudioTokensToSeconds(u.OutputAudioTokens),
	)
}

// AudioTokensToSeconds converts a raw audio-token count to seconds using the
// frame-duration fallback, for providers that report tokens instead of
// seconds directly.
func AudioTokensToSeconds(tokens int) float64 {
	return float64(tokens) / audioTokensPerSecond
}

// AxisCost is one line of the cost report: a named billing axis with its
// accumulated quantity, the rate card's unit rate, and their product.
type AxisCost struct {
	Axis         string
	Quantity     float64
	UnitRate     float64
	Contribution float64
}

// Report is the structured end-of-session (or on-demand) cost breakdown.
type Report struct {
	SessionID string
	Model     string
	Duration  time.Duration

	Axes []AxisCost

	Base        float64
	MarginRate  float64
	MarginAmount float64
	Final       float64

	CostPerMinute float64
	CostPerHour   float64
}

// Snapshot computes a Report from the current accumulators without closing
// any open span. Safe to call repeatedly during a session.
func (m *Meter) Snapshot() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reportLocked()
}

// End closes both audio spans (if open), computes the final Report, and
// returns it. The Meter must not be reused afterward.
func (m *Meter) End() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inputStart != nil {
		m.audioInSeconds += time.Since(*m.inputStart).Seconds()
		m.inputStart = nil
	}
	if m.outputStart != nil {
		m.audioOutSeconds += time.Since(*m.outputStart).Seconds()
		m.outputStart = nil
	}
	return m.reportLocked()
}

func (m *Meter) reportLocked() Report {
	rc := m.rateCard
	axes := []AxisCost{
		{Axis: "audio_in_seconds", Quantity: m.audioInSeconds, UnitRate: rc.AudioInPerSecond},
		{Axis: "audio_out_seconds", Quantity: m.audioOutSeconds, UnitRate: rc.AudioOutPerSecond},
		{Axis: "text_in_tokens", Quantity: float64(m.textInTokens), UnitRate: rc.TextInPerToken},
		{Axis: "text_out_tokens", Quantity: float64(m.textOutTokens), UnitRate: rc.TextOutPerToken},
		{Axis: "cached_tokens", Quantity: float64(m.cachedTokens), UnitRate: rc.CachedInPerToken},
	}

	var base float64
	for i := range axes {
		axes[i].Contribution = axes[i].Quantity * axes[i].UnitRate
		base += axes[i].Contribution
	}

	marginAmount := base * m.margin
	final := base + marginAmount
	duration := time.Since(m.startedAt)

	var perMinute, perHour float64
	if mins := duration.Minutes(); mins > 0 {
		perMinute = final / mins
		perHour = perMinute * 60
	}

	return Report{
		SessionID:     m.sessionID,
		Model:         m.model,
		Duration:      duration,
		Axes:          axes,
		Base:          base,
		MarginRate:    m.margin,
		MarginAmount:  marginAmount,
		Final:         final,
		CostPerMinute: perMinute,
		CostPerHour:   perHour,
	}
}
