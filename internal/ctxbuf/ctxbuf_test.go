package ctxbuf_test

import (
	"strings"
	"testing"

	"github.com/voxbridge/bridge/internal/ctxbuf"
)

func TestRenderContextString_EmptyWhenNoResults(t *testing.T) {
	t.Parallel()
	b := ctxbuf.New(10)
	if got := b.RenderContextString(); got != "" {
		t.Errorf("RenderContextString() = %q, want empty", got)
	}
}

func TestAddToolResult_KnownSlot_AppearsInSummary(t *testing.T) {
	t.Parallel()
	b := ctxbuf.New(10)
	b.AddToolResult("customer", `{}`, "Jane Doe, acct #123", true)

	got := b.RenderContextString()
	if !strings.Contains(got, "customer: Jane Doe, acct #123") {
		t.Errorf("RenderContextString() = %q, want customer line", got)
	}
	if !strings.HasPrefix(got, "--- CURRENT CONVERSATION CONTEXT ---") {
		t.Errorf("missing opening delimiter: %q", got)
	}
	if !strings.HasSuffix(got, "--- END CONTEXT ---") {
		t.Errorf("missing closing delimiter: %q", got)
	}
}

func TestAddToolResult_UnknownTool_RingOnlyNotSummary(t *testing.T) {
	t.Parallel()
	b := ctxbuf.New(10)
	b.AddToolResult("weather_lookup", `{}`, "sunny", true)

	if got := b.RenderContextString(); got != "" {
		t.Errorf("RenderContextString() = %q, want empty for unknown tool", got)
	}
	if len(b.Entries()) != 1 {
		t.Errorf("Entries() len = %d, want 1", len(b.Entries()))
	}
}

func TestAddToolResult_NewValueOverwritesSlot(t *testing.T) {
	t.Parallel()
	b := ctxbuf.New(10)
	b.AddToolResult("last_balance", `{}`, "$100", true)
	b.AddToolResult("last_balance", `{}`, "$250", true)

	got := b.RenderContextString()
	if strings.Contains(got, "$100") {
		t.Errorf("stale value still present: %q", got)
	}
	if !strings.Contains(got, "$250") {
		t.Errorf("expected latest value: %q", got)
	}
}

func TestAddToolResult_Failure_DoesNotOverwriteSummary(t *testing.T) {
	t.Parallel()
	b := ctxbuf.New(10)
	b.AddToolResult("verification", `{}`, "verified", true)
	b.AddToolResult("verification", `{}`, "error: timeout", false)

	got := b.RenderContextString()
	if !strings.Contains(got, "verification: verified") {
		t.Errorf("summary should retain last successful value, got %q", got)
	}
	if strings.Contains(got, "timeout") {
		t.Errorf("failed result must not overwrite summary: %q", got)
	}
	if len(b.Entries()) != 2 {
		t.Errorf("both attempts should be in the ring, got %d entries", len(b.Entries()))
	}
}

func TestAddToolResult_RingEvictsOldestOnOverflow(t *testing.T) {
	t.Parallel()
	b := ctxbuf.New(2)
	b.AddToolResult("a", `{}`, "1", true)
	b.AddToolResult("b", `{}`, "2", true)
	b.AddToolResult("c", `{}`, "3", true)

	entries := b.Entries()
	if len(entries) != 2 {
		t.Fatalf("Entries() len = %d, want 2", len(entries))
	}
	if entries[0].ToolName != "b" || entries[1].ToolName != "c" {
		t.Errorf("expected ring [b, c] after eviction, got [%s, %s]", entries[0].ToolName, entries[1].ToolName)
	}
}

func TestNew_DefaultCapacity(t *testing.T) {
	t.Parallel()
	b := ctxbuf.New(0)
	for i := 0; i < 15; i++ {
		b.AddToolResult("x", `{}`, "v", true)
	}
	if len(b.Entries()) != 10 {
		t.Errorf("default capacity Entries() len = %d, want 10", len(b.Entries()))
	}
}
