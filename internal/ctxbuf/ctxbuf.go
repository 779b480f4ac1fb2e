// Package ctxbuf is the Context Accumulator: a per-session memory of tool
// results woven back into the upstream model's instructions, so later turns
// reflect prior tool actions without depending on the model's own memory.
package ctxbuf

import (
	"strings"
	"sync"
	"time"
)

const defaultCapacity = 10

// wellKnownSlots lists the tool names whose results are kept as a
// last-value-per-slot summary, in the order they render.
var wellKnownSlots = []string{"customer", "last_balance", "verification", "scheduled_demo"}

// Entry is one tool-result record kept in the ring.
type Entry struct {
	ToolName  string
	Arguments string
	Result    string
	Success   bool
	Timestamp time.Time
}

// Buffer is the Context Accumulator for one session. Safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	ring     []Entry
	summary  map[string]Entry
}

// New creates a Buffer with the given ring capacity. capacity <= 0 uses the
// default of 10.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		summary:  make(map[string]Entry),
	}
}

// AddToolResult appends a tool result to the ring, evicting the oldest entry
// on overflow, and — for well-known tool names — overwrites that slot's
// summary entry. Failures (success=false) still enter the ring but never
// overwrite the summary.
func (b *Buffer) AddToolResult(toolName, arguments, result string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := Entry{
		ToolName:  toolName,
		Arguments: arguments,
		Result:    result,
		Success:   success,
		Timestamp: time.Now(),
	}

	b.ring = append(b.ring, entry)
	if len(b.ring) > b.capacity {
		b.ring = b.ring[len(b.ring)-b.capacity:]
	}

	if success && isWellKnown(toolName) {
		b.summary[toolName] = entry
	}
}

func isWellKnown(name string) bool {
	for _, s := range wellKnownSlots {
		if s == name {
			return true
		}
	}
	return false
}

// RenderContextString emits the delimited context block, listing each
// populated summary slot on its own line in wellKnownSlots order. Returns
// "" when no summary slot is populated, including when only results for
// tools outside wellKnownSlots have been recorded.
func (b *Buffer) RenderContextString() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.summary) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("--- CURRENT CONVERSATION CONTEXT ---\n")
	for _, slot := range wellKnownSlots {
		entry, ok := b.summary[slot]
		if !ok {
			continue
		}
		sb.WriteString(slot)
		sb.WriteString(": ")
		sb.WriteString(entry.Result)
		sb.WriteString("\n")
	}
	sb.WriteString("--- END CONTEXT ---")
	return sb.String()
}

// Entries returns a copy of the current ring, oldest first.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.ring))
	copy(out, b.ring)
	return out
}
