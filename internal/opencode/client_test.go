package opencode_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waaall/opencode-agent/internal/opencode"
)

func TestCreateSessionSendsDirectoryAndAuth(t *testing.T) {
	var gotPath, gotDirectory, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotDirectory = r.URL.Query().Get("directory")
		if user, pass, ok := r.BasicAuth(); ok {
			gotAuth = user + ":" + pass
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "ses_123"}`))
	}))
	defer srv.Close()

	client := opencode.NewClient(opencode.Config{
		BaseURL:     srv.URL + "/",
		Credentials: opencode.Credentials{Username: "opencode", Password: "secret"},
	})
	sessionID, err := client.CreateSession(context.Background(), "/data/opencode-jobs/job-1", "")
	require.NoError(t, err)

	assert.Equal(t, "ses_123", sessionID)
	assert.Equal(t, "/session", gotPath)
	assert.Equal(t, "/data/opencode-jobs/job-1", gotDirectory)
	assert.Equal(t, "opencode:secret", gotAuth)
	assert.Equal(t, map[string]any{"title": "headless-run"}, gotBody)
}

func TestCreateSessionWithoutPasswordSkipsAuth(t *testing.T) {
	authSent := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, authSent = r.BasicAuth()
		_, _ = w.Write([]byte(`{"sessionID": "ses_456"}`))
	}))
	defer srv.Close()

	client := opencode.NewClient(opencode.Config{BaseURL: srv.URL})
	sessionID, err := client.CreateSession(context.Background(), "/ws", "job-1")
	require.NoError(t, err)

	assert.Equal(t, "ses_456", sessionID)
	assert.False(t, authSent)
}

func TestCreateSessionMissingIDIsDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "ok"}`))
	}))
	defer srv.Close()

	client := opencode.NewClient(opencode.Config{BaseURL: srv.URL})
	_, err := client.CreateSession(context.Background(), "/ws", "job-1")

	var decodeErr *opencode.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Contains(t, err.Error(), "missing session id")
	assert.False(t, opencode.IsTransient(err))
}

func TestPromptAsyncBodyShape(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := opencode.NewClient(opencode.Config{BaseURL: srv.URL})
	err := client.PromptAsync(context.Background(), "/ws", "ses_1", "do the thing", "build",
		map[string]string{"providerID": "anthropic", "modelID": "claude-sonnet-4"})
	require.NoError(t, err)

	assert.Equal(t, "/session/ses_1/prompt_async", gotPath)
	assert.Equal(t, "build", gotBody["agent"])
	assert.Equal(t, []any{map[string]any{"type": "text", "text": "do the thing"}}, gotBody["parts"])
	assert.Equal(t, map[string]any{"providerID": "anthropic", "modelID": "claude-sonnet-4"}, gotBody["model"])
}

func TestPromptAsyncOmitsModelWhenUnset(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
	}))
	defer srv.Close()

	client := opencode.NewClient(opencode.Config{BaseURL: srv.URL})
	require.NoError(t, client.PromptAsync(context.Background(), "/ws", "ses_1", "hi", "build", nil))

	_, hasModel := gotBody["model"]
	assert.False(t, hasModel)
}

func TestListPermissionsDecodesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id": "perm-1", "sessionID": "ses_1", "permission": "file.edit",
			 "patterns": ["outputs/report.md"], "metadata": {"command": null}}
		]`))
	}))
	defer srv.Close()

	client := opencode.NewClient(opencode.Config{BaseURL: srv.URL})
	requests, err := client.ListPermissions(context.Background(), "/ws")
	require.NoError(t, err)

	require.Len(t, requests, 1)
	assert.Equal(t, "perm-1", requests[0].ID)
	assert.Equal(t, "ses_1", requests[0].SessionID)
	assert.Equal(t, "file.edit", requests[0].Permission)
	assert.Equal(t, []string{"outputs/report.md"}, requests[0].Patterns)
	assert.Nil(t, requests[0].Metadata["command"])
}

func TestReplyPermissionAttachesMessageWhenSet(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
	}))
	defer srv.Close()

	client := opencode.NewClient(opencode.Config{BaseURL: srv.URL})
	err := client.ReplyPermission(context.Background(), "/ws", "perm-1", "reject", "rejected by security policy: dangerous command")
	require.NoError(t, err)

	assert.Equal(t, "/permission/perm-1/reply", gotPath)
	assert.Equal(t, "reject", gotBody["reply"])
	assert.Equal(t, "rejected by security policy: dangerous command", gotBody["message"])
}

func TestSessionStatusKeepsRawPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ses_1": {"type": "idle", "message": "done", "tokens": 1234}}`))
	}))
	defer srv.Close()

	client := opencode.NewClient(opencode.Config{BaseURL: srv.URL})
	status, err := client.SessionStatus(context.Background(), "/ws")
	require.NoError(t, err)

	state, ok := status["ses_1"]
	require.True(t, ok)
	assert.Equal(t, "idle", state.Type)
	assert.Equal(t, "done", state.Message)
	assert.Equal(t, float64(1234), state.Raw["tokens"])
}

func TestLastMessagesSetsLimitQuery(t *testing.T) {
	var gotPath, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotLimit = r.URL.Query().Get("limit")
		_, _ = w.Write([]byte(`[{"role": "assistant"}]`))
	}))
	defer srv.Close()

	client := opencode.NewClient(opencode.Config{BaseURL: srv.URL})
	messages, err := client.LastMessages(context.Background(), "/ws", "ses_1", 1)
	require.NoError(t, err)

	assert.Equal(t, "/session/ses_1/message", gotPath)
	assert.Equal(t, "1", gotLimit)
	require.Len(t, messages, 1)
	assert.Equal(t, "assistant", messages[0]["role"])
}

func TestNon2xxIsHTTPErrorWithTrimmedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded\n"))
	}))
	defer srv.Close()

	client := opencode.NewClient(opencode.Config{BaseURL: srv.URL})
	_, err := client.Health(context.Background())

	var httpErr *opencode.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.Equal(t, "upstream exploded", httpErr.Body)
	assert.Equal(t, "health", httpErr.Op)
	assert.False(t, opencode.IsTransient(err))
}

func TestUnreachableRuntimeIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := opencode.NewClient(opencode.Config{BaseURL: srv.URL})
	_, err := client.Health(context.Background())

	var connectErr *opencode.ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.True(t, opencode.IsTransient(err))
}
