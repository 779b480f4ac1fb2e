// Package telephony implements the Telephony Ingress: it accepts one audio
// framing session per call, resolves the caller against a Directory to build
// an agent configuration, creates the Session Supervisor that owns the call,
// and routes companded audio frames both ways — decoding on ingress and
// leaving encoding on egress to the Supervisor.
//
// Grounded on the bidirectional-channel, backpressure-drop session registry
// pattern used by the reference SignalWire audio bridge: a session map keyed
// by call id, per-call non-blocking channels, and a metrics struct per call.
// Unlike that reference, decode/encode is real (delegated to the Audio
// Codec) rather than a pass-through stub.
package telephony

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
	"github.com/voxbridge/bridge/internal/supervisor"
	"github.com/voxbridge/bridge/internal/upstream"
	"github.com/voxbridge/bridge/pkg/audio"
)

// dropTimeout bounds how long a frame send will wait before the channel is
// considered full and the frame is dropped.
const dropTimeout = 10 * time.Millisecond

// DirectoryEntry is the cached result of resolving a caller/port pair to the
// tenant and agent that should own the call.
type DirectoryEntry struct {
	TenantID string
	AgentID  string
	Agent    agentcfg.Agent
	CachedAt time.Time
}

// Directory resolves an inbound call to the agent configuration that should
// handle it. Implementations are expected to serve this from an in-memory
// cache; it is called on every new call, not per frame.
type Directory interface {
	Resolve(ctx context.Context, callerID, asteriskPort string) (DirectoryEntry, error)
}

// SessionRunner is the subset of *supervisor.Supervisor the Ingress depends
// on, narrowed to an interface so tests can substitute a fake without
// standing up a real upstream connection.
type SessionRunner interface {
	Run(ctx context.Context) error
	InboundAudio(frame []byte)
	State() supervisor.State
	IsIdle(now time.Time) bool
}

// Metrics tracks per-call frame throughput. Safe for concurrent use.
type Metrics struct {
	mu sync.Mutex

	FramesIn        int64
	FramesInDropped int64
	BytesIn         int64

	FramesOut        int64
	FramesOutDropped int64
	BytesOut         int64
}

func (m *Metrics) recordIn(n int, dropped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dropped {
		m.FramesInDropped++
		return
	}
	m.FramesIn++
	m.BytesIn += int64(n)
}

func (m *Metrics) recordOut(n int, dropped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dropped {
		m.FramesOutDropped++
		return
	}
	m.FramesOut++
	m.BytesOut += int64(n)
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		FramesIn: m.FramesIn, FramesInDropped: m.FramesInDropped, BytesIn: m.BytesIn,
		FramesOut: m.FramesOut, FramesOutDropped: m.FramesOutDropped, BytesOut: m.BytesOut,
	}
}

type call struct {
	runner  SessionRunner
	cancel  context.CancelFunc
	metrics *Metrics
}

// NewSupervisorFunc builds the session owner for one call. Production code
// passes a closure over supervisor.New; tests pass a fake.
type NewSupervisorFunc func(cfg supervisor.Config) SessionRunner

// Config bundles what the Ingress needs to accept calls.
type Config struct {
	Directory     Directory
	RateTable     agentcfg.RateTable
	Margin        float64
	IdleTimeout   time.Duration
	NewSupervisor NewSupervisorFunc
}

// Ingress owns the registry of in-flight calls.
type Ingress struct {
	cfg Config

	mu    sync.RWMutex
	calls map[string]*call
}

// New creates an Ingress. cfg.NewSupervisor defaults to wrapping
// supervisor.New when nil; tests that don't care about the real upstream
// protocol should override it.
func New(cfg Config) *Ingress {
	if cfg.NewSupervisor == nil {
		cfg.NewSupervisor = func(sc supervisor.Config) SessionRunner { return supervisor.New(sc) }
	}
	return &Ingress{cfg: cfg, calls: make(map[string]*call)}
}

// AcceptCall resolves the caller against the Directory, builds the
// Supervisor for this call, and starts it running in the background. It
// returns the channel of outbound 8 kHz µ-law frames the telephony
// transport must write to the phone line; the channel is closed when the
// call ends.
func (in *Ingress) AcceptCall(
	ctx context.Context,
	sessionID, callerID, asteriskPort string,
	upstreamClient *upstream.Client,
	busAdapter bus.Publisher,
	contextBuf *ctxbuf.Buffer,
	dispatcher *dispatch.Dispatcher,
) (<-chan []byte, error) {
	entry, err := in.cfg.Directory.Resolve(ctx, callerID, asteriskPort)
	if err != nil {
		return nil, fmt.Errorf("telephony: directory resolve: %w", err)
	}

	// An agent configured with a model id absent from the rate table fails
	// closed here, at session start, rather than silently undercharging
	// against an implicit fallback rate.
	rateCard, ok := in.cfg.RateTable.Lookup(entry.Agent.Model)
	if !ok {
		return nil, fmt.Errorf("telephony: %w: model %q", agentcfg.ErrUnknownModel, entry.Agent.Model)
	}

	fromSupervisor := make(chan []byte, 64)
	toTransport := make(chan []byte, 64)
	callCtx, cancel := context.WithCancel(ctx)
	metrics := &Metrics{}

	sc := supervisor.Config{
		SessionID:      sessionID,
		CallerID:       callerID,
		TenantID:       entry.TenantID,
		AsteriskPort:   asteriskPort,
		Agent:          entry.Agent,
		RateCard:       rateCard,
		Margin:         in.cfg.Margin,
		UpstreamClient: upstreamClient,
		Dispatcher:     dispatcher,
		ContextBuf:     contextBuf,
		Bus:            busAdapter,
		IdleTimeout:    in.cfg.IdleTimeout,
		OutboundAudio:  fromSupervisor,
	}

	runner := in.cfg.NewSupervisor(sc)
	c := &call{runner: runner, cancel: cancel, metrics: metrics}

	in.mu.Lock()
	in.calls[sessionID] = c
	in.mu.Unlock()

	go forwardOutbound(fromSupervisor, toTransport, metrics)

	go func() {
		if err := runner.Run(callCtx); err != nil {
			slog.Warn("telephony: call ended with error", "session_id", sessionID, "err", err)
		}
		in.mu.Lock()
		delete(in.calls, sessionID)
		in.mu.Unlock()
		close(fromSupervisor)
	}()

	return toTransport, nil
}

// forwardOutbound relays frames the Supervisor has already downsampled and
// µ-law-encoded to the transport-facing channel, applying a second,
// independent backpressure-drop line in case the transport reads slower
// than the Supervisor produces. Closes toTransport once fromSupervisor is
// drained and closed.
func forwardOutbound(fromSupervisor <-chan []byte, toTransport chan<- []byte, metrics *Metrics) {
	defer close(toTransport)
	for frame := range fromSupervisor {
		select {
		case toTransport <- frame:
			metrics.recordOut(len(frame), false)
		case <-time.After(dropTimeout):
			metrics.recordOut(len(frame), true)
		}
	}
}

// InboundFrame decodes one companded 8 kHz frame from the phone line and
// routes it to the call's Supervisor. Unknown session ids are dropped with a
// logged warning — the transport layer should have called AcceptCall first.
func (in *Ingress) InboundFrame(sessionID string, mulawFrame []byte) {
	in.mu.RLock()
	c, ok := in.calls[sessionID]
	in.mu.RUnlock()
	if !ok {
		slog.Warn("telephony: inbound frame for unknown session", "session_id", sessionID)
		return
	}

	pcm := audio.DecodeMulaw(mulawFrame)
	c.runner.InboundAudio(pcm)
	c.metrics.recordIn(len(mulawFrame), false)
}

// EndCall cancels the call's Supervisor context, triggering teardown and
// removal from the registry. Idempotent.
func (in *Ingress) EndCall(sessionID string) {
	in.mu.RLock()
	c, ok := in.calls[sessionID]
	in.mu.RUnlock()
	if !ok {
		return
	}
	c.cancel()
}

// Metrics returns a snapshot of per-call frame counters, or false if the
// session id is not active.
func (in *Ingress) Metrics(sessionID string) (Metrics, bool) {
	in.mu.RLock()
	c, ok := in.calls[sessionID]
	in.mu.RUnlock()
	if !ok {
		return Metrics{}, false
	}
	return c.metrics.Snapshot(), true
}

// ActiveCalls returns the number of calls currently in flight.
func (in *Ingress) ActiveCalls() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.calls)
}

// ReapIdle asks every active call's Supervisor whether it is idle as of now
// and ends those that are. Intended to be invoked on a periodic ticker by
// the owning process (default every 30s per the idle-reaper policy).
func (in *Ingress) ReapIdle(now time.Time) int {
	in.mu.RLock()
	idle := make([]string, 0)
	for id, c := range in.calls {
		if c.runner.IsIdle(now) {
			idle = append(idle, id)
		}
	}
	in.mu.RUnlock()

	for _, id := range idle {
		in.EndCall(id)
	}
	return len(idle)
}
