// Package agentcfg defines the immutable per-call agent configuration and
// tool definitions shared across the upstream client, tool dispatcher, and
// session supervisor.
package agentcfg

import "errors"

// ErrUnknownModel is returned by callers that resolve a RateTable entry for
// an agent's model id and find none. Treated as a ConfigError: session
// construction must fail closed rather than charge against an implicit
// fallback rate.
var ErrUnknownModel = errors.New("agentcfg: no rate card configured for model")

// DispatchKind selects how the Tool Dispatcher fulfils a tool call.
type DispatchKind string

const (
	// DispatchInline is handled entirely within the bridge process (the
	// call-transfer tool is the only inline tool today).
	DispatchInline DispatchKind = "inline"

	// DispatchHTTP issues an HTTP request to an external endpoint.
	DispatchHTTP DispatchKind = "http"
)

// ToolDefinition describes one tool offered to the upstream model. The
// contract presented to the model — name, description, parameter schema —
// is identical regardless of DispatchKind; DispatchKind and the fields below
// it only affect how the bridge fulfils the call.
type ToolDefinition struct {
	// Name must be unique within an Agent's tool list.
	Name string

	Description string

	// Parameters is a JSON-schema object describing the tool's arguments.
	Parameters map[string]any

	DispatchKind DispatchKind

	// Inline dispatch: the name of the control-bus channel the call-transfer
	// event is published to (e.g. "aiva_call"). Unused for DispatchHTTP.
	BusChannel string

	// HTTP dispatch fields. Unused for DispatchInline.
	Endpoint   string
	Method     string
	Headers    map[string]string
	TimeoutMs  int
	Retries    int
}

// Agent is the immutable per-session snapshot loaded at session start.
type Agent struct {
	ID           string
	TenantID     string
	Instructions string
	Voice        string
	Model        string
	Temperature  float64
	MaxTokens    int
	LanguageCode string
	Tools        []ToolDefinition
}

// RateCard holds the per-unit costs for one model id, used by the Cost
// Meter's cost formula.
type RateCard struct {
	ModelID string

	AudioInPerSecond  float64
	AudioOutPerSecond float64
	TextInPerToken    float64
	TextOutPerToken   float64
	CachedInPerToken  float64
}

// RateTable looks up a RateCard by model id. Unknown model ids are a
// ConfigError at session start (see DESIGN.md: Open Question 2) — there is
// intentionally no implicit fallback entry.
type RateTable map[string]RateCard

// Lookup returns the RateCard for modelID, or ok=false if none is configured.
func (t RateTable) Lookup(modelID string) (RateCard, bool) {
	rc, ok := t[modelID]
	return rc, ok
}
