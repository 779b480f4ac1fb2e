package dispatch_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voxbridge/bridge/internal/agentcfg"
	"github.com/voxbridge/bridge/internal/ctxbuf"
	"github.com/voxbridge/bridge/internal/dispatch"
	"github.com/voxbridge/bridge/internal/observe"
)

type fakeBus struct {
	published []string
	failNext  bool
}

func (f *fakeBus) Publish(ctx context.Context, channel string, event any) error {
	if f.failNext {
		return fmt.Errorf("bus unavailable")
	}
	data, _ := json.Marshal(event)
	f.published = append(f.published, channel+":"+string(data))
	return nil
}

func agentWithTools(tools ...agentcfg.ToolDefinition) agentcfg.Agent {
	return agentcfg.Agent{ID: "agent-1", Tools: tools}
}

func TestDispatch_InlineCallTransfer_PublishesAndReturnsSuccess(t *testing.T) {
	t.Parallel()
	fb := &fakeBus{}
	d := dispatch.New(fb, ctxbuf.New(10))

	agent := agentWithTools(agentcfg.ToolDefinition{
		Name: "transfer_call", DispatchKind: agentcfg.DispatchInline, BusChannel: "aiva_call",
	})
	sc := dispatch.SessionContext{SessionID: "s1", CallerID: "c1", TenantID: "t1", AgentID: "a1"}

	result := d.Dispatch(context.Background(), agent, sc, "transfer_call", `{"queue":"billing"}`)
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Queue != "billing" {
		t.Errorf("Queue = %q, want billing", result.Queue)
	}
	if len(fb.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(fb.published))
	}
}

func TestDispatch_InlinePublishFails_ReturnsFailure(t *testing.T) {
	t.Parallel()
	fb := &fakeBus{failNext: true}
	d := dispatch.New(fb, ctxbuf.New(10))

	agent := agentWithTools(agentcfg.ToolDefinition{
		Name: "transfer_call", DispatchKind: agentcfg.DispatchInline, BusChannel: "aiva_call",
	})
	sc := dispatch.SessionContext{SessionID: "s1"}

	result := d.Dispatch(context.Background(), agent, sc, "transfer_call", `{}`)
	if result.Success {
		t.Fatal("expected failure when bus publish fails")
	}
}

func TestDispatch_UnknownTool_ReturnsFailure(t *testing.T) {
	t.Parallel()
	d := dispatch.New(&fakeBus{}, ctxbuf.New(10))
	result := d.Dispatch(context.Background(), agentcfg.Agent{}, dispatch.SessionContext{}, "nonexistent", `{}`)
	if result.Success || result.Error != "unknown_tool" {
		t.Errorf("result = %+v, want unknown_tool failure", result)
	}
}

func TestDispatch_EmptyArgs_ReturnsInvalidArgumentsWithoutExecuting(t *testing.T) {
	t.Parallel()
	var called int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	agent := agentWithTools(agentcfg.ToolDefinition{
		Name: "lookup", DispatchKind: agentcfg.DispatchHTTP, Endpoint: srv.URL,
	})
	d := dispatch.New(&fakeBus{}, ctxbuf.New(10))

	result := d.Dispatch(context.Background(), agent, dispatch.SessionContext{}, "lookup", "")
	if result.Success || result.Error != "invalid_arguments" {
		t.Errorf("result = %+v, want invalid_arguments failure", result)
	}
	if got := atomic.LoadInt32(&called); got != 0 {
		t.Errorf("endpoint was called %d times, want 0 for empty args", got)
	}
}

func TestDispatch_InvalidJSON_ReturnsInvalidArguments(t *testing.T) {
	t.Parallel()
	agent := agentWithTools(agentcfg.ToolDefinition{Name: "lookup", DispatchKind: agentcfg.DispatchHTTP})
	d := dispatch.New(&fakeBus{}, ctxbuf.New(10))

	result := d.Dispatch(context.Background(), agent, dispatch.SessionContext{}, "lookup", `{not json`)
	if result.Success || result.Error != "invalid_arguments" {
		t.Errorf("result = %+v, want invalid_arguments failure", result)
	}
}

func TestDispatch_HTTP_SuccessOnFirstTry(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	agent := agentWithTools(agentcfg.ToolDefinition{
		Name: "lookup", DispatchKind: agentcfg.DispatchHTTP, Endpoint: srv.URL, Method: http.MethodPost,
	})
	d := dispatch.New(&fakeBus{}, ctxbuf.New(10))

	result := d.Dispatch(context.Background(), agent, dispatch.SessionContext{}, "lookup", `{"id":"42"}`)
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestDispatch_HTTP_RetriesOn5xxThenSucceeds(t *testing.T) {
	t.Parallel()
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	agent := agentWithTools(agentcfg.ToolDefinition{
		Name: "lookup", DispatchKind: agentcfg.DispatchHTTP, Endpoint: srv.URL, Retries: 3,
	})
	d := dispatch.New(&fakeBus{}, ctxbuf.New(10))

	result := d.Dispatch(context.Background(), agent, dispatch.SessionContext{}, "lookup", `{}`)
	if !result.Success {
		t.Fatalf("expected eventual success, got %+v", result)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestDispatch_HTTP_NonRetryable4xx_FailsImmediately(t *testing.T) {
	t.Parallel()
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	agent := agentWithTools(agentcfg.ToolDefinition{
		Name: "lookup", DispatchKind: agentcfg.DispatchHTTP, Endpoint: srv.URL, Retries: 3,
	})
	d := dispatch.New(&fakeBus{}, ctxbuf.New(10))

	result := d.Dispatch(context.Background(), agent, dispatch.SessionContext{}, "lookup", `{}`)
	if result.Success {
		t.Fatal("expected failure for 400 response")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("attempts = %d, want 1 (4xx is not retryable)", got)
	}
}

func TestDispatch_HTTP_ExhaustsRetriesOnPersistent5xx(t *testing.T) {
	t.Parallel()
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	agent := agentWithTools(agentcfg.ToolDefinition{
		Name: "lookup", DispatchKind: agentcfg.DispatchHTTP, Endpoint: srv.URL, Retries: 2,
	})
	d := dispatch.New(&fakeBus{}, ctxbuf.New(10))

	result := d.Dispatch(context.Background(), agent, dispatch.SessionContext{}, "lookup", `{}`)
	if result.Success {
		t.Fatal("expected failure after exhausting retries")
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", got)
	}
}

func TestDispatch_ForwardsResultToContextAccumulator(t *testing.T) {
	t.Parallel()
	cb := ctxbuf.New(10)
	agent := agentWithTools(agentcfg.ToolDefinition{
		Name: "transfer_call", DispatchKind: agentcfg.DispatchInline, BusChannel: "aiva_call",
	})
	d := dispatch.New(&fakeBus{}, cb)

	d.Dispatch(context.Background(), agent, dispatch.SessionContext{}, "transfer_call", `{"queue":"sales"}`)

	if len(cb.Entries()) != 1 {
		t.Fatalf("expected 1 entry recorded in context accumulator, got %d", len(cb.Entries()))
	}
}

func TestDispatch_WithMetrics_RecordsToolCallAndDuration(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	fb := &fakeBus{}
	d := dispatch.New(fb, ctxbuf.New(10), dispatch.WithMetrics(m))

	agent := agentWithTools(agentcfg.ToolDefinition{
		Name: "transfer_call", DispatchKind: agentcfg.DispatchInline, BusChannel: "aiva_call",
	})
	d.Dispatch(context.Background(), agent, dispatch.SessionContext{SessionID: "s1"}, "transfer_call", `{"queue":"billing"}`)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	var toolCalls, duration *metricdata.Metrics
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			switch sm.Metrics[i].Name {
			case "bridge.tool.calls":
				toolCalls = &sm.Metrics[i]
			case "bridge.tool_execution.duration":
				duration = &sm.Metrics[i]
			}
		}
	}

	if toolCalls == nil {
		t.Fatal("expected bridge.tool.calls to have recorded a data point")
	}
	sum, ok := toolCalls.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 1 {
		t.Errorf("bridge.tool.calls = %+v, want one data point with value 1", toolCalls.Data)
	}

	if duration == nil {
		t.Fatal("expected bridge.tool_execution.duration to have recorded a data point")
	}
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 || hist.DataPoints[0].Count == 0 {
		t.Errorf("bridge.tool_execution.duration = %+v, want at least one observation", duration.Data)
	}
}
