package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxbridge/bridge/internal/agentcfg"
)

// ── outbound message wire types ─────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Tools             []upstreamTool `json:"tools,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
}

type upstreamTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── inbound wire types ──────────────────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// tokenDetails is the nested per-direction breakdown the real wire reports
// alongside the flat input_tokens/output_tokens total.
type tokenDetails struct {
	AudioTokens  int `json:"audio_tokens"`
	CachedTokens int `json:"cached_tokens,omitempty"`
}

type serverUsage struct {
	InputTokens        int          `json:"input_tokens"`
	OutputTokens       int          `json:"output_tokens"`
	InputTokenDetails  tokenDetails `json:"input_token_details"`
	OutputTokenDetails tokenDetails `json:"output_token_details"`
}

type serverEvent struct {
	Type string `json:"type"`

	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Usage *serverUsage       `json:"usage,omitempty"`
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── Session ──────────────────────────────────────────────────────────────────

// ContextItem is one text item injected into the live conversation without
// going through the audio path — used by the Context Accumulator to replay
// prior tool results into a reconnected session.
type ContextItem struct {
	Role    string
	Content string
}

// Session is a live duplex connection to the upstream realtime model for one
// telephone call. All methods are safe for concurrent use.
type Session struct {
	conn   *websocket.Conn
	events chan Event

	mu     sync.Mutex
	errVal error
	closed bool

	currentTxText string

	// cred is the ephemeral credential this session was dialed with, kept so
	// a reconnect can reuse it while it remains valid.
	cred credential

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// credential returns the ephemeral credential this session was dialed with.
func (s *Session) credential() credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

func newSession(conn *websocket.Conn, agent agentcfg.Agent) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:   conn,
		events: make(chan Event, 64),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Session) sendSessionUpdate(agent agentcfg.Agent) error {
	params := sessionParams{
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Instructions:      agent.Instructions,
		Voice:             agent.Voice,
	}
	if len(agent.Tools) > 0 {
		params.Tools = toUpstreamTools(agent.Tools)
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

func toUpstreamTools(tools []agentcfg.ToolDefinition) []upstreamTool {
	out := make([]upstreamTool, len(tools))
	for i, t := range tools {
		out[i] = upstreamTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("upstream: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads frames off the WebSocket and turns them into Events. It
// owns the events channel and closes it on exit.
func (s *Session) receiveLoop() {
	defer s.closeOnce.Do(func() { close(s.events) })

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(&TransportError{Op: "read", Err: err})
			s.emit(Event{Kind: EventError, Err: s.errVal})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *Session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		s.emit(Event{Kind: EventSessionCreated})

	case "input_audio_buffer.speech_started":
		s.emit(Event{Kind: EventSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		s.emit(Event{Kind: EventSpeechStopped})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		s.emit(Event{Kind: EventAudioDelta, Audio: audioData})

	case "response.audio.done":
		s.emit(Event{Kind: EventAudioDone})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.currentTxText += evt.Delta
		s.mu.Unlock()
		s.emit(Event{Kind: EventTranscriptDelta, Text: evt.Delta})

	case "response.audio_transcript.done":
		s.mu.Lock()
		text := s.currentTxText
		s.currentTxText = ""
		s.mu.Unlock()
		if text == "" {
			return
		}
		s.emit(Event{Kind: EventTranscriptDone, Text: text})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(Event{Kind: EventInputTranscript, Text: evt.Transcript})

	case "response.function_call_arguments.done":
		s.emit(Event{Kind: EventFunctionCall, Call: FunctionCall{
			CallID:    evt.CallID,
			Name:      evt.Name,
			Arguments: evt.Arguments,
		}})

	case "response.done":
		ev := Event{Kind: EventResponseDone}
		if evt.Usage != nil {
			ev.Usage = Usage{
				InputTokens:       evt.Usage.InputTokens,
				OutputTokens:      evt.Usage.OutputTokens,
				CachedInputTokens: evt.Usage.InputTokenDetails.CachedTokens,
				InputAudioTokens:  evt.Usage.InputTokenDetails.AudioTokens,
				OutputAudioTokens: evt.Usage.OutputTokenDetails.AudioTokens,
			}
		}
		s.emit(ev)

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(Event{Kind: EventError, Err: fmt.Errorf("upstream: %s", msg)})
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// Events returns the channel of Events produced by the connection. It is
// closed when the session terminates, after which Err reports the cause (nil
// for a clean Close).
func (s *Session) Events() <-chan Event { return s.events }

// SendAudio delivers a raw PCM16 chunk (at the upstream's configured sample
// rate) to the model's input audio buffer.
func (s *Session) SendAudio(chunk []byte) error {
	if s.isClosed() {
		return fmt.Errorf("upstream: session closed")
	}
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// ClearInputBuffer discards any buffered, not-yet-committed input audio.
// Used on barge-in so a half-spoken caller utterance doesn't bleed into the
// next turn.
func (s *Session) ClearInputBuffer() error {
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.clear"})
}

// CreateResponse asks the model to begin generating a response for the
// current conversation state.
func (s *Session) CreateResponse() error {
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// CancelResponse stops the in-flight response generation. Used on barge-in.
func (s *Session) CancelResponse() error {
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// SendToolResult returns the result of a tool call to the model and asks it
// to continue the conversation.
func (s *Session) SendToolResult(callID, output string) error {
	if err := s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}); err != nil {
		return err
	}
	return s.CreateResponse()
}

// UpdateInstructions replaces the system instructions mid-session.
func (s *Session) UpdateInstructions(instructions string) error {
	return s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Instructions:      instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
		},
	})
}

// InjectTextContext inserts items as conversation history without producing
// audio — used to replay the Context Accumulator's summary into a freshly
// reconnected session.
func (s *Session) InjectTextContext(items []ContextItem) error {
	if s.isClosed() {
		return fmt.Errorf("upstream: session closed")
	}
	for _, item := range items {
		role := item.Role
		switch role {
		case "assistant", "system":
		default:
			role = "user"
		}
		partType := "input_text"
		if role == "assistant" {
			partType = "text"
		}
		msg := createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type: "message",
				Role: role,
				Content: []conversationPart{
					{Type: partType, Text: item.Content},
				},
			},
		}
		if err := s.writeJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

// Err returns the error that caused the session to terminate, or nil if it
// has not terminated or terminated cleanly.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close terminates the session. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "session closed")
}
