// Package supervisor implements the Session Supervisor: the one-per-call
// orchestrator that wires the Audio Codec, Upstream Protocol Client, Cost
// Meter, Context Accumulator, and Tool Dispatcher together for the lifetime
// of one telephone call.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxbridge/bridge/internal/agentcfg"
	"github.com/voxbridge/bridge/internal/bus"
	"github.com/voxbridge/bridge/internal/ctxbuf"
	"github.com/voxbridge/bridge/internal/dispatch"
	"github.com/voxbridge/bridge/internal/meter"
	"github.com/voxbridge/bridge/internal/resilience"
	"github.com/voxbridge/bridge/internal/upstream"
	"github.com/voxbridge/bridge/pkg/audio"
)

// State is one node of the Supervisor's lifecycle state machine.
type State int

const (
	StateInit State = iota
	StateConfiguring
	StateReady
	StateListening
	StateSpeaking
	StateToolRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateToolRunning:
		return "tool_running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	connectTimeout  = 10 * time.Second
	toolQueueDepth  = 8
	reconnectGrace  = 2 * time.Second
)

// BusChannel is the shared control-bus channel carrying transfer requests
// and call lifecycle events.
const BusChannel = "aiva_call"

// callEndEvent is the call.ended / call.failed payload published on
// session end. Field names and shape match the bus wire contract exactly.
type callEndEvent struct {
	SessionID        string    `json:"session_id"`
	TenantID         string    `json:"tenant_id"`
	AgentID          string    `json:"agent_id"`
	Status           string    `json:"status"`
	DurationSeconds  float64   `json:"duration_seconds"`
	BaseCost         float64   `json:"base_cost"`
	FinalCost        float64   `json:"final_cost"`
	AudioInSeconds   float64   `json:"audio_in_seconds"`
	AudioOutSeconds  float64   `json:"audio_out_seconds"`
	TextInTokens     int       `json:"text_in_tokens"`
	TextOutTokens    int       `json:"text_out_tokens"`
	CachedTokens     int       `json:"cached_tokens"`
	Model            string    `json:"model"`
	Timestamp        time.Time `json:"timestamp"`
}

// Config bundles everything a Supervisor needs to run one call end-to-end.
type Config struct {
	SessionID    string
	CallerID     string
	TenantID     string
	AsteriskPort string
	Agent        agentcfg.Agent
	RateCard     agentcfg.RateCard
	Margin       float64

	UpstreamClient *upstream.Client
	Dispatcher     *dispatch.Dispatcher
	ContextBuf     *ctxbuf.Buffer
	Bus            bus.Publisher

	IdleTimeout time.Duration

	// OutboundAudio receives 8 kHz µ-law frames destined for the Telephony
	// Ingress. The Supervisor never closes this channel.
	OutboundAudio chan<- []byte
}

// Supervisor owns one Session end-to-end. All exported methods except
// InboundAudio/State/IsIdle are intended to be called only from Run's
// goroutine or in tests.
type Supervisor struct {
	cfg   Config
	meter *meter.Meter

	mu                sync.Mutex
	state             State
	sess              *upstream.Session
	lastActivity      time.Time
	audioInFlight     bool
	responseInFlight  bool
	reconnected       bool
	suppressingDeltas bool

	inboundAudio chan []byte
	toolQueue    chan upstream.FunctionCall

	done chan struct{}
}

// New creates a Supervisor in StateInit. Call Run to connect and start
// processing.
func New(cfg Config) *Supervisor {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 300 * time.Second
	}
	return &Supervisor{
		cfg:          cfg,
		meter:        meter.New(cfg.SessionID, cfg.RateCard, cfg.Margin),
		state:        StateInit,
		lastActivity: time.Now(),
		inboundAudio: make(chan []byte, 32),
		toolQueue:    make(chan upstream.FunctionCall, toolQueueDepth),
		done:         make(chan struct{}),
	}
}

// InboundAudio accepts one decoded 8 kHz linear-PCM frame from the Telephony
// Ingress. Non-blocking: a full buffer drops the frame. The Ingress hands
// every frame straight to this call, so this is the only place on the
// inbound path where frames are dropped.
func (s *Supervisor) InboundAudio(frame []byte) {
	select {
	case s.inboundAudio <- frame:
	default:
		slog.Warn("supervisor: dropping inbound audio frame, queue full", "session_id", s.cfg.SessionID)
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsIdle reports whether the reaper may terminate this session. A session
// with audio actively in flight or a response in flight is always exempt,
// regardless of how long the call has run; a merely-connected session with
// no recent activity is not exempt — liveness of the upstream connection by
// itself is not a reason to keep a silent session alive.
func (s *Supervisor) IsIdle(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audioInFlight || s.responseInFlight {
		return false
	}
	return now.Sub(s.lastActivity) >= s.cfg.IdleTimeout
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Supervisor) currentSession() *upstream.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

// Run connects to the upstream model, replays any prior context on a
// reconnect, and processes events and inbound audio until the call ends or
// ctx is cancelled. Before returning it hands the terminal call.ended or
// call.failed event to publishEnd, which publishes it in the background
// (and not at all when no Bus is configured); Run does not wait for that
// publish to finish.
func (s *Supervisor) Run(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	sess, err := s.cfg.UpstreamClient.Connect(connectCtx, s.cfg.Agent)
	cancel()
	if err != nil {
		s.setState(StateTerminated)
		s.publishEnd("failed", meter.Report{SessionID: s.cfg.SessionID, Model: s.cfg.Agent.Model})
		return fmt.Errorf("supervisor: connect: %w", err)
	}

	s.mu.Lock()
	s.sess = sess
	s.state = StateConfiguring
	s.mu.Unlock()

	go s.runToolQueue(ctx)

	status := s.loop(ctx)

	s.setState(StateTerminated)
	report := s.meter.End()
	s.publishEnd(status, report)
	return nil
}

func (s *Supervisor) loop(ctx context.Context) string {
	for {
		sess := s.currentSession()
		select {
		case <-ctx.Done():
			_ = sess.Close()
			return "cancelled"

		case frame, ok := <-s.inboundAudio:
			if !ok {
				continue
			}
			s.handleInboundAudio(sess, frame)

		case ev, ok := <-sess.Events():
			if !ok {
				status, terminal := s.handleDisconnect(ctx)
				if terminal {
					return status
				}
				continue
			}
			s.touch()
			if terminal := s.handleEvent(ctx, sess, ev); terminal {
				_ = sess.Close()
				return "ended"
			}
		}
	}
}

func (s *Supervisor) handleInboundAudio(sess *upstream.Session, frame []byte) {
	upsampled, err := audio.Resample(frame, 8000, 24000)
	if err != nil {
		slog.Warn("supervisor: resample inbound failed", "err", err)
		return
	}
	s.meter.StartAudioInput()
	if err := sess.SendAudio(upsampled); err != nil {
		slog.Warn("supervisor: send audio failed", "err", err)
	}
	s.touch()
}

// handleEvent processes one upstream Event and returns true if the session
// should terminate.
func (s *Supervisor) handleEvent(ctx context.Context, sess *upstream.Session, ev upstream.Event) bool {
	switch ev.Kind {
	case upstream.EventSessionCreated:
		s.setState(StateReady)

	case upstream.EventSpeechStarted:
		if s.State() == StateSpeaking {
			s.handleBargeIn(sess)
		}
		s.setState(StateListening)

	case upstream.EventSpeechStopped:
		s.meter.StopAudioInput()
		s.setState(StateReady)

	case upstream.EventAudioDelta:
		s.handleAudioDelta(ev.Audio)

	case upstream.EventAudioDone:
		s.mu.Lock()
		s.audioInFlight = false
		s.suppressingDeltas = false
		s.mu.Unlock()
		s.meter.StopAudioOutput()
		if s.State() == StateSpeaking {
			s.setState(StateReady)
		}

	case upstream.EventFunctionCall:
		s.setState(StateToolRunning)
		select {
		case s.toolQueue <- ev.Call:
		case <-ctx.Done():
		}

	case upstream.EventResponseDone:
		s.mu.Lock()
		s.responseInFlight = false
		s.suppressingDeltas = false
		s.mu.Unlock()
		s.meter.RecordUsage(ev.Usage)

	case upstream.EventTranscriptDelta, upstream.EventTranscriptDone, upstream.EventInputTranscript:
		// No session-state transition; transcripts are an observability
		// concern, not part of the call lifecycle.

	case upstream.EventError:
		slog.Warn("supervisor: protocol error event", "session_id", s.cfg.SessionID, "err", ev.Err)
	}
	return false
}

func (s *Supervisor) handleAudioDelta(pcm24 []byte) {
	s.mu.Lock()
	if s.suppressingDeltas {
		s.mu.Unlock()
		return
	}
	firstDelta := !s.audioInFlight
	s.audioInFlight = true
	s.responseInFlight = true
	s.mu.Unlock()

	if firstDelta {
		s.meter.StartAudioOutput()
		s.setState(StateSpeaking)
	}

	downsampled, err := audio.Resample(pcm24, 24000, 8000)
	if err != nil {
		slog.Warn("supervisor: downsample outbound failed", "err", err)
		return
	}
	encoded := audio.EncodeMulaw(downsampled)

	select {
	case s.cfg.OutboundAudio <- encoded:
	default:
		slog.Warn("supervisor: outbound audio channel full, dropping frame", "session_id", s.cfg.SessionID)
	}
}

// handleBargeIn cancels the in-flight response and clears the input buffer
// so a half-spoken caller utterance doesn't bleed into the next turn. Frames
// already queued on OutboundAudio are not withdrawn, and the Ingress is not
// notified of the barge-in, so those frames still reach the transport. Any
// audio.delta events still in flight for the cancelled response — the
// upstream side of response.cancel is not instantaneous — are swallowed by
// handleAudioDelta until the cancelled response's audio.done/response.done
// finally arrives, rather than reaching OutboundAudio as new speech.
func (s *Supervisor) handleBargeIn(sess *upstream.Session) {
	if err := sess.CancelResponse(); err != nil {
		slog.Warn("supervisor: barge-in cancel failed", "err", err)
	}
	if err := sess.ClearInputBuffer(); err != nil {
		slog.Warn("supervisor: barge-in clear failed", "err", err)
	}
	s.mu.Lock()
	s.audioInFlight = false
	s.responseInFlight = false
	s.suppressingDeltas = true
	s.mu.Unlock()
	s.meter.StopAudioOutput()
}

// handleDisconnect attempts exactly one reconnect, reusing the lost
// session's ephemeral credential if it is still valid rather than always
// bootstrapping a fresh one. Returns the terminal status and whether the
// loop must stop.
func (s *Supervisor) handleDisconnect(ctx context.Context) (string, bool) {
	prevSess := s.currentSession()
	cause := prevSess.Err()

	s.mu.Lock()
	alreadyRetried := s.reconnected
	s.mu.Unlock()
	if alreadyRetried {
		return "upstream_lost", true
	}

	state := s.State()
	if state != StateReady && state != StateListening && state != StateSpeaking {
		return "upstream_lost", true
	}

	slog.Warn("supervisor: upstream connection lost, attempting one reconnect",
		"session_id", s.cfg.SessionID, "cause", cause)

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	newSess, err := s.cfg.UpstreamClient.Reconnect(connectCtx, s.cfg.Agent, prevSess)
	cancel()
	if err != nil {
		slog.Warn("supervisor: reconnect failed", "session_id", s.cfg.SessionID, "err", err)
		return "upstream_lost", true
	}

	if summary := s.cfg.ContextBuf.RenderContextString(); summary != "" {
		_ = newSess.InjectTextContext([]upstream.ContextItem{{Role: "system", Content: summary}})
	}

	s.mu.Lock()
	s.sess = newSess
	s.reconnected = true
	s.state = StateReady
	s.mu.Unlock()

	return "", false
}

func (s *Supervisor) runToolQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case call, ok := <-s.toolQueue:
			if !ok {
				return
			}
			s.runOneTool(ctx, call)
		}
	}
}

func (s *Supervisor) runOneTool(ctx context.Context, call upstream.FunctionCall) {
	sc := dispatch.SessionContext{
		SessionID:    s.cfg.SessionID,
		CallerID:     s.cfg.CallerID,
		TenantID:     s.cfg.TenantID,
		AgentID:      s.cfg.Agent.ID,
		AsteriskPort: s.cfg.AsteriskPort,
	}

	result := s.cfg.Dispatcher.Dispatch(ctx, s.cfg.Agent, sc, call.Name, call.Arguments)

	if ctx.Err() != nil {
		// Call ended while the tool was in flight: record as aborted but
		// don't forward to an upstream session that's already gone.
		return
	}

	sess := s.currentSession()
	if err := sess.SendToolResult(call.CallID, result.JSON()); err != nil {
		slog.Warn("supervisor: send tool result failed", "session_id", s.cfg.SessionID, "err", err)
	}
	if s.State() == StateToolRunning {
		s.setState(StateReady)
	}
}

func (s *Supervisor) publishEnd(status string, report meter.Report) {
	if s.cfg.Bus == nil {
		return
	}
	var audioIn, audioOut, base, final float64
	var textIn, textOut, cached int
	for _, axis := range report.Axes {
		switch axis.Axis {
		case "audio_in_seconds":
			audioIn = axis.Quantity
		case "audio_out_seconds":
			audioOut = axis.Quantity
		case "text_in_tokens":
			textIn = int(axis.Quantity)
		case "text_out_tokens":
			textOut = int(axis.Quantity)
		case "cached_tokens":
			cached = int(axis.Quantity)
		}
	}
	base = report.Base
	final = report.Final

	evt := callEndEvent{
		SessionID:       s.cfg.SessionID,
		TenantID:        s.cfg.TenantID,
		AgentID:         s.cfg.Agent.ID,
		Status:          status,
		DurationSeconds: report.Duration.Seconds(),
		BaseCost:        base,
		FinalCost:       final,
		AudioInSeconds:  audioIn,
		AudioOutSeconds: audioOut,
		TextInTokens:    textIn,
		TextOutTokens:   textOut,
		CachedTokens:    cached,
		Model:           report.Model,
		Timestamp:       time.Now(),
	}

	// Cost reporting is best-effort: retry with backoff in the background and
	// drop with a logged warning rather than hold up call teardown on it.
	go func() {
		retryCfg := resilience.RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
		err := resilience.Retry(context.Background(), retryCfg, func(attempt int) (bool, error) {
			publishCtx, cancel := context.WithTimeout(context.Background(), reconnectGrace)
			defer cancel()
			return true, s.cfg.Bus.Publish(publishCtx, BusChannel, evt)
		})
		if err != nil {
			slog.Warn("supervisor: publish call-end event failed after retries",
				"session_id", s.cfg.SessionID, "err", err)
		}
	}()
}
