package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/avatarlive/internal/directions"
)

type recorded struct {
	method string
	path   string
	header http.Header
	body   map[string]any
}

type upstream struct {
	mu       sync.Mutex
	requests []recorded
	handler  func(w http.ResponseWriter, r *http.Request)
}

func newUpstream(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*upstream, *httptest.Server) {
	t.Helper()
	u := &upstream{handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, header: r.Header.Clone()}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		u.mu.Lock()
		u.requests = append(u.requests, rec)
		u.mu.Unlock()
		u.handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return u, srv
}

func (u *upstream) last(t *testing.T) recorded {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	require.NotEmpty(t, u.requests)
	return u.requests[len(u.requests)-1]
}

func newTestClient(baseURL string, observe Observer) *Client {
	table := directions.NewTable(
		directions.Profile{AvatarID: "avatar-default", VoiceID: "voice-default", ContextID: "ctx-default"},
		map[string]directions.Profile{"sales": {AvatarID: "avatar-sales", ContextID: "ctx-sales"}},
	)
	return NewClient(Options{
		BaseURL:    baseURL + "/",
		APIKey:     "key-123",
		Directions: table,
		Observe:    observe,
	})
}

func TestIssueTokenUsesDirectionProfile(t *testing.T) {
	u, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":100,"data":{"session_id":"s-1","session_token":"t-1"}}`))
	})
	c := newTestClient(srv.URL, nil)

	creds, err := c.IssueToken(context.Background(), TokenRequest{Language: "it", Direction: "Sales", Sandbox: true})
	require.NoError(t, err)
	assert.Equal(t, Credentials{SessionID: "s-1", SessionToken: "t-1"}, creds)

	req := u.last(t)
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/v1/sessions/token", req.path)
	assert.Equal(t, "key-123", req.header.Get("X-API-KEY"))
	assert.Equal(t, "avatar-sales", req.body["avatar_id"])
	assert.Equal(t, true, req.body["is_sandbox"])
	persona := req.body["avatar_persona"].(map[string]any)
	assert.Equal(t, "voice-default", persona["voice_id"])
	assert.Equal(t, "ctx-sales", persona["context_id"])
	assert.Equal(t, "it", persona["language"])
}

func TestIssueTokenFallsBackToDefaultDirection(t *testing.T) {
	u, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"session_id":"s-2","session_token":"t-2"}`))
	})
	c := newTestClient(srv.URL, nil)

	creds, err := c.IssueToken(context.Background(), TokenRequest{Direction: "unknown"})
	require.NoError(t, err)
	assert.Equal(t, "s-2", creds.SessionID)

	req := u.last(t)
	assert.Equal(t, "avatar-default", req.body["avatar_id"])
	assert.Equal(t, "en", req.body["avatar_persona"].(map[string]any)["language"])
}

func TestIssueTokenWithoutAPIKey(t *testing.T) {
	c := NewClient(Options{BaseURL: "http://127.0.0.1:1"})

	_, err := c.IssueToken(context.Background(), TokenRequest{})

	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "LIVEAVATAR_API_KEY", ce.Setting)
	assert.False(t, c.Configured())
}

func TestIssueTokenUpstreamFailureKeepsStatusAndBody(t *testing.T) {
	var observed []int
	_, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"avatar quota exhausted"}` + "\n"))
	})
	c := newTestClient(srv.URL, func(op string, status int, _ time.Duration) {
		assert.Equal(t, "token", op)
		observed = append(observed, status)
	})

	_, err := c.IssueToken(context.Background(), TokenRequest{})

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusInternalServerError, ue.Status)
	assert.Equal(t, `{"message":"avatar quota exhausted"}`, ue.Body)
	assert.True(t, ue.Retryable())
	assert.Contains(t, err.Error(), "avatar quota exhausted")
	assert.Equal(t, []int{http.StatusInternalServerError}, observed)
}

func TestIssueTokenRejectsIncompleteResponse(t *testing.T) {
	_, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"session_id":"s-1"}}`))
	})
	c := newTestClient(srv.URL, nil)

	_, err := c.IssueToken(context.Background(), TokenRequest{})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestStartSession(t *testing.T) {
	u, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"livekit_url":"wss://lk.example","livekit_client_token":"jwt"}}`))
	})
	c := newTestClient(srv.URL, nil)

	info, err := c.StartSession(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, ConnectionInfo{LiveKitURL: "wss://lk.example", LiveKitToken: "jwt"}, info)
	assert.Equal(t, "Bearer t-1", u.last(t).header.Get("Authorization"))
	assert.Empty(t, u.last(t).header.Get("X-API-KEY"))

	_, err = c.StartSession(context.Background(), " ")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestStopSessionNotFound(t *testing.T) {
	u, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such session", http.StatusNotFound)
	})
	c := newTestClient(srv.URL, nil)

	err := c.StopSession(context.Background(), "s-1", "t-1")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "s-1", u.last(t).body["session_id"])

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.False(t, ue.Retryable())
}

func TestSendEvent(t *testing.T) {
	u, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(srv.URL, nil)

	require.NoError(t, c.SendEvent(context.Background(), "t-1", "avatar.speak_response", map[string]string{"text": "hi"}))
	req := u.last(t)
	assert.Equal(t, "/v1/sessions/event", req.path)
	assert.Equal(t, "avatar.speak_response", req.body["event_type"])
	assert.Equal(t, map[string]any{"text": "hi"}, req.body["data"])

	assert.ErrorIs(t, c.SendEvent(context.Background(), "t-1", "", nil), ErrInvalidRequest)
}

func TestTranscriptAcceptsContentOrText(t *testing.T) {
	u, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[{"role":"user","content":"hello"},{"role":"assistant","text":"hi there"}]}`))
	})
	c := newTestClient(srv.URL, nil)

	msgs, err := c.Transcript(context.Background(), "s 1")
	require.NoError(t, err)
	assert.Equal(t, []TranscriptMessage{{Role: "user", Content: "hello"}, {Role: "assistant", Content: "hi there"}}, msgs)
	assert.Equal(t, http.MethodGet, u.last(t).method)
	assert.Equal(t, "/v1/sessions/s 1/transcript", u.last(t).path)
}

func TestTransportFailureIsRetryableUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	c := newTestClient(srv.URL, nil)

	_, err := c.StartSession(context.Background(), "t-1")

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Zero(t, ue.Status)
	assert.True(t, ue.Retryable())
}

func TestCanceledContext(t *testing.T) {
	_, srv := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	c := newTestClient(srv.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.SendEvent(ctx, "t-1", "x", nil)
	assert.True(t, errors.Is(err, context.Canceled))
}
