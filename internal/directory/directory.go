// Package directory implements [telephony.Directory] against an external
// directory service reachable over HTTP, with an in-memory cache so the
// lookup the spec requires to be "non-blocking" in the steady state doesn't
// cost a round trip on every call.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/voxbridge/bridge/internal/agentcfg"
	"github.com/voxbridge/bridge/internal/telephony"
)

// defaultTTL bounds how long a resolved entry is served from cache before a
// fresh lookup is attempted.
const defaultTTL = 5 * time.Minute

// Client resolves callers against an HTTP directory service. Safe for
// concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	ttl     time.Duration

	mu    sync.RWMutex
	cache map[string]telephony.DirectoryEntry
}

// New creates a Client pointed at baseURL (e.g. the DIRECTORY_URL env var).
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		ttl:     defaultTTL,
		cache:   make(map[string]telephony.DirectoryEntry),
	}
}

// wireAgent is the JSON shape the directory service returns for an agent
// configuration.
type wireAgent struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenant_id"`
	Instructions string        `json:"instructions"`
	Voice        string        `json:"voice"`
	Model        string        `json:"model"`
	Temperature  float64       `json:"temperature"`
	MaxTokens    int           `json:"max_tokens"`
	LanguageCode string        `json:"language_code"`
	Tools        []wireToolDef `json:"tools"`
}

type wireToolDef struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Parameters   map[string]any    `json:"parameters"`
	DispatchKind string            `json:"dispatch_kind"`
	BusChannel   string            `json:"bus_channel,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	TimeoutMs    int               `json:"timeout_ms,omitempty"`
	Retries      int               `json:"retries,omitempty"`
}

type wireResponse struct {
	TenantID string    `json:"tenant_id"`
	AgentID  string    `json:"agent_id"`
	Agent    wireAgent `json:"agent_config"`
}

// Resolve implements [telephony.Directory]. It serves from cache when the
// cached entry is within ttl, otherwise performs a fresh HTTP lookup.
func (c *Client) Resolve(ctx context.Context, callerID, asteriskPort string) (telephony.DirectoryEntry, error) {
	key := callerID + "|" + asteriskPort

	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()
	if ok && time.Since(cached.CachedAt) < c.ttl {
		return cached, nil
	}

	entry, err := c.fetch(ctx, callerID, asteriskPort)
	if err != nil {
		return telephony.DirectoryEntry{}, err
	}

	c.mu.Lock()
	c.cache[key] = entry
	c.mu.Unlock()
	return entry, nil
}

func (c *Client) fetch(ctx context.Context, callerID, asteriskPort string) (telephony.DirectoryEntry, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return telephony.DirectoryEntry{}, fmt.Errorf("directory: invalid base url: %w", err)
	}
	u.Path = "/resolve"
	q := u.Query()
	q.Set("caller_id", callerID)
	q.Set("asterisk_port", asteriskPort)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return telephony.DirectoryEntry{}, fmt.Errorf("directory: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return telephony.DirectoryEntry{}, fmt.Errorf("directory: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return telephony.DirectoryEntry{}, fmt.Errorf("directory: unexpected status %d for caller %q", resp.StatusCode, callerID)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return telephony.DirectoryEntry{}, fmt.Errorf("directory: decode response: %w", err)
	}

	tools := make([]agentcfg.ToolDefinition, 0, len(wire.Agent.Tools))
	for _, t := range wire.Agent.Tools {
		tools = append(tools, agentcfg.ToolDefinition{
			Name:         t.Name,
			Description:  t.Description,
			Parameters:   t.Parameters,
			DispatchKind: agentcfg.DispatchKind(t.DispatchKind),
			BusChannel:   t.BusChannel,
			Endpoint:     t.Endpoint,
			Method:       t.Method,
			Headers:      t.Headers,
			TimeoutMs:    t.TimeoutMs,
			Retries:      t.Retries,
		})
	}

	return telephony.DirectoryEntry{
		TenantID: wire.TenantID,
		AgentID:  wire.AgentID,
		Agent: agentcfg.Agent{
			ID:           wire.Agent.ID,
			TenantID:     wire.Agent.TenantID,
			Instructions: wire.Agent.Instructions,
			Voice:        wire.Agent.Voice,
			Model:        wire.Agent.Model,
			Temperature:  wire.Agent.Temperature,
			MaxTokens:    wire.Agent.MaxTokens,
			LanguageCode: wire.Agent.LanguageCode,
			Tools:        tools,
		},
		CachedAt: time.Now(),
	}, nil
}

// Invalidate drops the cached entry for a caller/port pair, forcing the next
// Resolve to hit the directory service.
func (c *Client) Invalidate(callerID, asteriskPort string) {
	c.mu.Lock()
	delete(c.cache, callerID+"|"+asteriskPort)
	c.mu.Unlock()
}
