// Package opencode is the HTTP client for the opencode agent runtime: session
// lifecycle, async prompting, permission handling, message and file reads,
// and the SSE event stream. Every call scopes itself to a workspace via the
// directory query parameter the runtime routes on.
package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/waaall/opencode-agent/internal/metrics"
)

// Credentials authenticate against the runtime. Basic auth is only sent when
// a password is configured, so unauthenticated local runtimes keep working.
type Credentials struct {
	Username string
	Password string
}

// Config assembles a Client or EventBridge.
type Config struct {
	BaseURL           string
	Credentials       Credentials
	RequestTimeout    time.Duration
	StreamReadTimeout time.Duration
}

// PermissionRequest is one pending permission request reported by the
// runtime.
type PermissionRequest struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionID"`
	Permission string         `json:"permission"`
	Patterns   []string       `json:"patterns"`
	Metadata   map[string]any `json:"metadata"`
}

// SessionState is the runtime's status snapshot for one session. Raw keeps
// the full payload for event logs; Type and Message are the fields the
// executor branches on.
type SessionState struct {
	Type    string
	Message string
	Raw     map[string]any
}

func (s *SessionState) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Raw = raw
	if v, ok := raw["type"].(string); ok {
		s.Type = v
	}
	if v, ok := raw["message"].(string); ok {
		s.Message = v
	}
	return nil
}

// Client is the synchronous runtime client. It is safe for concurrent use.
type Client struct {
	baseURL     string
	credentials Credentials
	httpClient  *http.Client
}

// NewClient returns a Client for cfg. RequestTimeout defaults to 30s.
func NewClient(cfg Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		credentials: cfg.Credentials,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
			},
		},
	}
}

// Health calls the runtime health endpoint.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, "health", http.MethodGet, "/global/health", nil, nil, &out)
	return out, err
}

// CreateSession opens a runtime session bound to the workspace directory and
// returns its id. An empty title defaults to "headless-run".
func (c *Client) CreateSession(ctx context.Context, directory, title string) (string, error) {
	if title == "" {
		title = "headless-run"
	}
	var payload map[string]any
	err := c.call(ctx, "session.create", http.MethodPost, "/session",
		directoryQuery(directory), map[string]any{"title": title}, &payload)
	if err != nil {
		return "", err
	}

	sessionID := stringField(payload, "id")
	if sessionID == "" {
		sessionID = stringField(payload, "sessionID")
	}
	if sessionID == "" {
		return "", &DecodeError{Op: "session.create", Err: errors.New("missing session id from OpenCode response")}
	}
	return sessionID, nil
}

// PromptAsync submits the prompt to a session without waiting for the run to
// finish. Model is optional; when set it must carry providerID and modelID.
func (c *Client) PromptAsync(ctx context.Context, directory, sessionID, prompt, agent string, model map[string]string) error {
	body := map[string]any{
		"agent": agent,
		"parts": []map[string]any{{"type": "text", "text": prompt}},
	}
	if len(model) > 0 {
		body["model"] = map[string]any{
			"providerID": model["providerID"],
			"modelID":    model["modelID"],
		}
	}
	return c.call(ctx, "prompt_async", http.MethodPost,
		"/session/"+url.PathEscape(sessionID)+"/prompt_async",
		directoryQuery(directory), body, nil)
}

// ListPermissions returns the pending permission requests for the directory.
func (c *Client) ListPermissions(ctx context.Context, directory string) ([]PermissionRequest, error) {
	var out []PermissionRequest
	err := c.call(ctx, "permission.list", http.MethodGet, "/permission",
		directoryQuery(directory), nil, &out)
	return out, err
}

// ReplyPermission answers one permission request. Message is attached only
// when non-empty.
func (c *Client) ReplyPermission(ctx context.Context, directory, requestID, reply, message string) error {
	body := map[string]any{"reply": reply}
	if message != "" {
		body["message"] = message
	}
	return c.call(ctx, "permission.reply", http.MethodPost,
		"/permission/"+url.PathEscape(requestID)+"/reply",
		directoryQuery(directory), body, nil)
}

// SessionStatus returns the runtime's per-session status map.
func (c *Client) SessionStatus(ctx context.Context, directory string) (map[string]SessionState, error) {
	var out map[string]SessionState
	err := c.call(ctx, "session.status", http.MethodGet, "/session/status",
		directoryQuery(directory), nil, &out)
	return out, err
}

// LastMessages returns the most recent messages of a session, newest last,
// at most limit entries.
func (c *Client) LastMessages(ctx context.Context, directory, sessionID string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 1
	}
	query := directoryQuery(directory)
	query.Set("limit", strconv.Itoa(limit))

	var out []map[string]any
	err := c.call(ctx, "session.messages", http.MethodGet,
		"/session/"+url.PathEscape(sessionID)+"/message", query, nil, &out)
	return out, err
}

// AbortSession asks the runtime to stop a session.
func (c *Client) AbortSession(ctx context.Context, directory, sessionID string) error {
	return c.call(ctx, "session.abort", http.MethodPost,
		"/session/"+url.PathEscape(sessionID)+"/abort",
		directoryQuery(directory), nil, nil)
}

// ReadFile returns the runtime's metadata listing for a path inside the
// workspace.
func (c *Client) ReadFile(ctx context.Context, directory, path string) ([]map[string]any, error) {
	query := directoryQuery(directory)
	query.Set("path", path)

	var out []map[string]any
	err := c.call(ctx, "file.read", http.MethodGet, "/file", query, nil, &out)
	return out, err
}

// ReadFileContent returns the content record for a path inside the
// workspace.
func (c *Client) ReadFileContent(ctx context.Context, directory, path string) (map[string]any, error) {
	query := directoryQuery(directory)
	query.Set("path", path)

	var out map[string]any
	err := c.call(ctx, "file.content", http.MethodGet, "/file/content", query, nil, &out)
	return out, err
}

// call builds, sends and decodes one request, classifying failures into
// ConnectError, HTTPError and DecodeError and counting the outcome.
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("opencode: %s: marshal body: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("opencode: %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credentials.Password != "" {
		req.SetBasicAuth(c.credentials.Username, c.credentials.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.AgentRequests.WithLabelValues(op, "connect_error").Inc()
		return &ConnectError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.AgentRequests.WithLabelValues(op, "http_error").Inc()
		return &HTTPError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			metrics.AgentRequests.WithLabelValues(op, "decode_error").Inc()
			return &DecodeError{Op: op, Err: err}
		}
	}
	metrics.AgentRequests.WithLabelValues(op, "ok").Inc()
	return nil
}

func directoryQuery(directory string) url.Values {
	query := url.Values{}
	if directory != "" {
		query.Set("directory", directory)
	}
	return query
}

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
