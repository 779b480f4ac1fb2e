// Package dispatch turns a function-call event from the upstream model into
// a structured result, either by handling it inline (the call-transfer tool)
// or by issuing an HTTP request to an external endpoint.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voxbridge/bridge/internal/agentcfg"
	"github.com/voxbridge/bridge/internal/bus"
	"github.com/voxbridge/bridge/internal/ctxbuf"
	"github.com/voxbridge/bridge/internal/observe"
	"github.com/voxbridge/bridge/internal/resilience"
)

// Result is the structured outcome returned to the LLM via
// conversation.item.create.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
	Queue   string         `json:"queue,omitempty"`
}

// JSON marshals the Result for use as the tool's conversation item output.
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"error":"result_encode_failed"}`
	}
	return string(data)
}

// SessionContext carries the identifying fields the call-transfer tool
// needs to build its bus event.
type SessionContext struct {
	SessionID string
	CallerID     string
	TenantID     string
	AgentID      string
	AsteriskPort string
}

// Dispatcher resolves and executes tool calls.
type Dispatcher struct {
	bus     bus.Publisher
	ctx     *ctxbuf.Buffer
	client  *http.Client
	metrics *observe.Metrics
}

// Option configures optional Dispatcher behavior.
type Option func(*Dispatcher)

// WithMetrics records per-call tool metrics (count, status, duration) to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a Dispatcher. ctxBuf receives every dispatched result before
// it is returned to the caller; it may be nil in tests that don't need the
// side effect.
func New(b bus.Publisher, ctxBuf *ctxbuf.Buffer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		bus:    b,
		ctx:    ctxBuf,
		client: &http.Client{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch resolves tool by name against agent.Tools, parses args as JSON,
// executes it per its DispatchKind, and forwards the result to the Context
// Accumulator before returning it.
func (d *Dispatcher) Dispatch(ctx context.Context, agent agentcfg.Agent, sc SessionContext, toolName, args string) Result {
	start := time.Now()
	result := d.dispatch(ctx, agent, sc, toolName, args)
	d.record(toolName, args, result)

	if d.metrics != nil {
		status := "ok"
		if !result.Success {
			status = "error"
		}
		d.metrics.RecordToolCall(ctx, toolName, status)
		d.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())
	}
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, agent agentcfg.Agent, sc SessionContext, toolName, args string) Result {
	def, ok := findTool(agent, toolName)
	if !ok {
		return Result{Success: false, Error: "unknown_tool"}
	}

	if args == "" {
		return Result{Success: false, Error: "invalid_arguments"}
	}
	var parsedArgs map[string]any
	if err := json.Unmarshal([]byte(args), &parsedArgs); err != nil {
		return Result{Success: false, Error: "invalid_arguments"}
	}

	switch def.DispatchKind {
	case agentcfg.DispatchInline:
		return d.dispatchInline(def, sc, parsedArgs)
	case agentcfg.DispatchHTTP:
		return d.dispatchHTTP(ctx, def, parsedArgs)
	default:
		return Result{Success: false, Error: "unsupported_dispatch_kind"}
	}
}

func findTool(agent agentcfg.Agent, name string) (agentcfg.ToolDefinition, bool) {
	for _, t := range agent.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return agentcfg.ToolDefinition{}, false
}

func (d *Dispatcher) record(toolName, args string, result Result) {
	if d.ctx == nil {
		return
	}
	d.ctx.AddToolResult(toolName, args, result.JSON(), result.Success)
}

// transferEvent is the payload published to the control bus for a call
// transfer — the handoff itself is the subscriber's problem. Field names and
// shape match the bus wire contract exactly; no additional fields are
// inferred beyond what that contract names.
type transferEvent struct {
	SessionID                string    `json:"session_id"`
	CallerID                 string    `json:"caller_id"`
	TenantID                 string    `json:"tenant_id"`
	AgentID                  string    `json:"agent_id"`
	AsteriskPort             string    `json:"asterisk_port"`
	TransferToAgent          bool      `json:"aiva_transfer_to_agent"`
	TransferToAgentQueue     string    `json:"aiva_transfer_to_agent_queue"`
	Timestamp                time.Time `json:"timestamp"`
}

func (d *Dispatcher) dispatchInline(def agentcfg.ToolDefinition, sc SessionContext, args map[string]any) Result {
	queue, _ := args["queue"].(string)

	evt := transferEvent{
		SessionID:            sc.SessionID,
		CallerID:             sc.CallerID,
		TenantID:             sc.TenantID,
		AgentID:              sc.AgentID,
		AsteriskPort:         sc.AsteriskPort,
		TransferToAgent:      true,
		TransferToAgentQueue: queue,
		Timestamp:            time.Now(),
	}

	if err := d.bus.Publish(context.Background(), def.BusChannel, evt); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("transfer publish failed: %v", err)}
	}
	return Result{Success: true, Message: "Transferring…", Queue: queue}
}

func (d *Dispatcher) dispatchHTTP(ctx context.Context, def agentcfg.ToolDefinition, args map[string]any) Result {
	body, err := json.Marshal(args)
	if err != nil {
		return Result{Success: false, Error: "invalid_arguments"}
	}

	method := def.Method
	if method == "" {
		method = http.MethodPost
	}

	cfg := resilience.RetryConfig{
		MaxAttempts: def.Retries + 1,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}

	var respBody []byte
	var respStatus int
	err = resilience.Retry(ctx, cfg, func(attempt int) (bool, error) {
		reqCtx := ctx
		var cancel context.CancelFunc
		if def.TimeoutMs > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutMs)*time.Millisecond)
			defer cancel()
		}

		req, reqErr := http.NewRequestWithContext(reqCtx, method, def.Endpoint, bytes.NewReader(body))
		if reqErr != nil {
			return false, reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range def.Headers {
			req.Header.Set(k, v)
		}

		resp, doErr := d.client.Do(req)
		if doErr != nil {
			return true, doErr
		}
		defer resp.Body.Close()

		respStatus = resp.StatusCode
		respBody, _ = io.ReadAll(resp.Body)

		if resp.StatusCode >= 500 {
			return true, fmt.Errorf("http %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return false, fmt.Errorf("http %d", resp.StatusCode)
		}
		return false, nil
	})

	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	var data map[string]any
	_ = json.Unmarshal(respBody, &data)
	return Result{Success: true, Data: data, Message: fmt.Sprintf("http %d", respStatus)}
}
