// Package upstream implements the duplex WebSocket client for the upstream
// realtime speech-to-speech model: ephemeral-credential bootstrap, session
// configuration, and the tagged Event stream consumed by the Session
// Supervisor.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/bridge/internal/agentcfg"
)

const (
	defaultBaseURL      = "wss://api.upstream-realtime.example/v1/realtime"
	defaultBootstrapURL = "https://api.upstream-realtime.example/v1/realtime/client_secrets"
	bootstrapTimeout    = 10 * time.Second

	// tokenReuseMargin is the safety window subtracted from an ephemeral
	// credential's expires_at before Reconnect will still treat it as valid;
	// a token expiring within this window is treated as already expired
	// rather than risk losing the race with the upstream provider's clock.
	tokenReuseMargin = 5 * time.Second
)

// credential is an ephemeral bootstrap credential and its expiry.
type credential struct {
	token     string
	expiresAt time.Time
}

func (c credential) validFor(d time.Duration) bool {
	return c.token != "" && c.expiresAt.After(time.Now().Add(d))
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the WebSocket endpoint. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithBootstrapURL overrides the ephemeral-credential endpoint.
func WithBootstrapURL(url string) Option {
	return func(c *Client) { c.bootstrapURL = url }
}

// WithHTTPClient overrides the HTTP client used for the bootstrap request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client dials the upstream realtime API on behalf of one telephone call at
// a time; it holds the long-lived API key and exchanges it for a short-lived
// ephemeral credential. Connect always fetches a fresh credential; Reconnect
// reuses the previous one while it is still valid. The long-lived key
// never reaches the browser/telephony edge and a leaked ephemeral credential
// expires quickly.
type Client struct {
	apiKey       string
	baseURL      string
	bootstrapURL string
	httpClient   *http.Client
}

// New creates a Client bound to the given long-lived API key.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		bootstrapURL: defaultBootstrapURL,
		httpClient:   &http.Client{Timeout: bootstrapTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type bootstrapRequest struct {
	Model string `json:"model"`
}

type bootstrapResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// bootstrap exchanges the long-lived API key for a short-lived ephemeral
// credential via a plain HTTP POST.
func (c *Client) bootstrap(ctx context.Context, model string) (credential, error) {
	body, err := json.Marshal(bootstrapRequest{Model: model})
	if err != nil {
		return credential{}, &ConfigError{Msg: "marshal bootstrap request: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.bootstrapURL, bytes.NewReader(body))
	if err != nil {
		return credential{}, &ConfigError{Msg: "build bootstrap request: " + err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return credential{}, &TimeoutError{Op: "bootstrap"}
		}
		return credential{}, &TransportError{Op: "bootstrap", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return credential{}, &AuthError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed bootstrapResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return credential{}, &TransportError{Op: "bootstrap decode", Err: err}
	}
	if parsed.ClientSecret.Value == "" {
		return credential{}, &ConfigError{Msg: "empty client_secret.value"}
	}
	return credential{
		token:     parsed.ClientSecret.Value,
		expiresAt: time.Unix(parsed.ClientSecret.ExpiresAt, 0),
	}, nil
}

// Connect bootstraps a fresh ephemeral credential, dials the realtime
// WebSocket, and configures the session per agent. The returned Session is
// ready to accept audio as soon as this call returns.
func (c *Client) Connect(ctx context.Context, agent agentcfg.Agent) (*Session, error) {
	model := agent.Model
	if model == "" {
		return nil, &ConfigError{Msg: "agent has no model configured"}
	}

	cred, err := c.bootstrap(ctx, model)
	if err != nil {
		return nil, err
	}
	return c.dial(ctx, agent, cred)
}

// Reconnect re-establishes a session after a connection loss, implementing
// the one-reconnect-attempt policy's credential rule: reuse prev's ephemeral
// token if it is still valid (with a safety margin), and only fetch a new
// one via bootstrap when it has expired or is about to.
func (c *Client) Reconnect(ctx context.Context, agent agentcfg.Agent, prev *Session) (*Session, error) {
	model := agent.Model
	if model == "" {
		return nil, &ConfigError{Msg: "agent has no model configured"}
	}

	cred := prev.credential()
	if !cred.validFor(tokenReuseMargin) {
		fresh, err := c.bootstrap(ctx, model)
		if err != nil {
			return nil, err
		}
		cred = fresh
	}
	return c.dial(ctx, agent, cred)
}

// dial opens the WebSocket with the given credential and configures the
// session per agent.
func (c *Client) dial(ctx context.Context, agent agentcfg.Agent, cred credential) (*Session, error) {
	model := agent.Model
	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, model)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cred.token},
		},
	})
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	sess := newSession(conn, agent)
	sess.cred = cred
	if err := sess.sendSessionUpdate(agent); err != nil {
		sess.conn.Close(websocket.StatusInternalError, "session update failed")
		sess.cancel()
		return nil, &TransportError{Op: "session.update", Err: err}
	}

	go sess.receiveLoop()
	return sess, nil
}
