package opencode

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/waaall/opencode-agent/internal/metrics"
)

// Event is one server-sent event from the runtime's /event feed. Data holds
// the decoded JSON payload, or the raw string when the payload is not JSON.
type Event struct {
	Name string
	Data any
}

// EventBridge opens SSE streams against the runtime. Unlike Client it runs
// without an overall request timeout because streams stay open for the whole
// job; staleness is detected per read via the stream read timeout instead.
type EventBridge struct {
	baseURL           string
	credentials       Credentials
	httpClient        *http.Client
	streamReadTimeout time.Duration
}

// NewEventBridge returns an EventBridge for cfg. StreamReadTimeout defaults
// to 10s.
func NewEventBridge(cfg Config) *EventBridge {
	readTimeout := cfg.StreamReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &EventBridge{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		credentials: cfg.Credentials,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 5,
			},
		},
		streamReadTimeout: readTimeout,
	}
}

// OpenStream connects to the /event feed scoped to a workspace directory.
// The caller owns the returned Stream and must Close it.
func (b *EventBridge) OpenStream(ctx context.Context, directory string) (*Stream, error) {
	const op = "event.stream"

	target := b.baseURL + "/event"
	if query := directoryQuery(directory); len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &ConnectError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	if b.credentials.Password != "" {
		req.SetBasicAuth(b.credentials.Username, b.credentials.Password)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		metrics.AgentRequests.WithLabelValues(op, "connect_error").Inc()
		return nil, &ConnectError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		metrics.AgentRequests.WithLabelValues(op, "http_error").Inc()
		return nil, &HTTPError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	metrics.AgentRequests.WithLabelValues(op, "ok").Inc()

	s := &Stream{
		body:        resp.Body,
		lines:       make(chan lineResult),
		done:        make(chan struct{}),
		readTimeout: b.streamReadTimeout,
	}
	go s.pump()
	return s, nil
}

// Stream is one open SSE connection. Next and Close may be called from
// different goroutines; Next itself is not safe for concurrent use.
type Stream struct {
	body        io.ReadCloser
	lines       chan lineResult
	done        chan struct{}
	readTimeout time.Duration

	closeOnce sync.Once
	closeErr  error

	event     string
	dataLines []string
}

type lineResult struct {
	text string
	err  error
}

// pump reads raw lines off the connection and hands them to Next. It exits
// when the body is closed or the stream ends, then delivers the final error.
func (s *Stream) pump() {
	defer close(s.lines)

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case s.lines <- lineResult{text: scanner.Text()}:
		case <-s.done:
			return
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case s.lines <- lineResult{err: err}:
	case <-s.done:
	}
}

// Next blocks for the next complete event. It returns ErrReadTimeout when no
// line arrives within the read timeout, io.EOF when the stream ends, and a
// ConnectError for transport failures.
func (s *Stream) Next() (*Event, error) {
	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()

	for {
		select {
		case res, ok := <-s.lines:
			if !ok {
				return nil, io.EOF
			}
			if res.err != nil {
				if res.err == io.EOF {
					return nil, io.EOF
				}
				return nil, &ConnectError{Op: "read event stream", Err: res.err}
			}
			if ev := s.feed(res.text); ev != nil {
				return ev, nil
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(s.readTimeout)
		case <-timer.C:
			return nil, ErrReadTimeout
		}
	}
}

// feed advances the SSE parser by one line and returns a completed event on
// blank-line boundaries.
func (s *Stream) feed(line string) *Event {
	line = strings.TrimSpace(line)
	if line == "" {
		if len(s.dataLines) == 0 {
			return nil
		}
		name := s.event
		if name == "" {
			name = "message"
		}
		data := parseJSONValue(strings.Join(s.dataLines, "\n"))
		s.event = ""
		s.dataLines = nil
		return &Event{Name: name, Data: data}
	}
	if strings.HasPrefix(line, ":") {
		return nil
	}
	if strings.HasPrefix(line, "event:") {
		s.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		return nil
	}
	if strings.HasPrefix(line, "data:") {
		s.dataLines = append(s.dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
	}
	return nil
}

// Close tears the connection down and unblocks the pump goroutine. It is
// idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

func parseJSONValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// PayloadHasSession reports whether the payload mentions the session id under
// a sessionID or session_id key at any nesting depth. The runtime's event
// feed is global per directory, so the executor filters events with this.
func PayloadHasSession(payload any, sessionID string) bool {
	switch v := payload.(type) {
	case map[string]any:
		for key, value := range v {
			if key == "sessionID" || key == "session_id" {
				if s, ok := value.(string); ok && s == sessionID {
					return true
				}
			}
			if PayloadHasSession(value, sessionID) {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if PayloadHasSession(item, sessionID) {
				return true
			}
		}
	}
	return false
}
