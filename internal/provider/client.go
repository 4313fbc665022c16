// Package provider is the HTTP client for the upstream live-avatar service.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antoniostano/avatarlive/internal/directions"
)

const (
	opToken      = "token"
	opStart      = "start"
	opStop       = "stop"
	opEvent      = "event"
	opTranscript = "transcript"

	maxErrorBody    = 4 << 10
	maxResponseBody = 1 << 20
)

// TokenRequest selects the avatar configuration for a new session.
type TokenRequest struct {
	Language  string `json:"language"`
	Direction string `json:"direction,omitempty"`
	Sandbox   bool   `json:"isSandbox,omitempty"`
}

type Credentials struct {
	SessionID    string `json:"session_id"`
	SessionToken string `json:"session_token"`
}

// ConnectionInfo is what a client needs to join the provider's LiveKit room.
type ConnectionInfo struct {
	LiveKitURL   string `json:"livekit_url"`
	LiveKitToken string `json:"livekit_client_token"`
}

// TranscriptMessage is one transcript line. The provider sends either
// content or text; Content holds whichever was present.
type TranscriptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Observer receives one call per upstream request. status is zero when no
// response arrived.
type Observer func(op string, status int, elapsed time.Duration)

type Options struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	DefaultLanguage string
	Directions      *directions.Table
	HTTPClient      *http.Client
	Logger          *slog.Logger
	Observe         Observer
}

// Client calls the provider API. It never retries.
type Client struct {
	baseURL         string
	apiKey          string
	defaultLanguage string
	directions      *directions.Table
	http            *http.Client
	logger          *slog.Logger
	observe         Observer
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if opts.Directions == nil {
		opts.Directions = directions.NewTable(directions.Profile{}, nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if strings.TrimSpace(opts.DefaultLanguage) == "" {
		opts.DefaultLanguage = "en"
	}
	return &Client{
		baseURL:         strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		apiKey:          strings.TrimSpace(opts.APIKey),
		defaultLanguage: opts.DefaultLanguage,
		directions:      opts.Directions,
		http:            httpClient,
		logger:          opts.Logger,
		observe:         opts.Observe,
	}
}

// Configured reports whether token issuance can be attempted.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

type tokenPayload struct {
	Mode      string         `json:"mode"`
	AvatarID  string         `json:"avatar_id"`
	IsSandbox bool           `json:"is_sandbox"`
	Persona   personaPayload `json:"avatar_persona"`
}

type personaPayload struct {
	VoiceID   string `json:"voice_id,omitempty"`
	ContextID string `json:"context_id,omitempty"`
	Language  string `json:"language"`
}

// IssueToken creates a provider session for the profile selected by
// req.Direction, falling back to the default profile.
func (c *Client) IssueToken(ctx context.Context, req TokenRequest) (Credentials, error) {
	if c.apiKey == "" {
		return Credentials{}, &ConfigurationError{Setting: "LIVEAVATAR_API_KEY"}
	}
	profile, resolved := c.directions.Lookup(req.Direction)
	if profile.AvatarID == "" {
		return Credentials{}, &ConfigurationError{Setting: "LIVEAVATAR_AVATAR_ID"}
	}
	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = c.defaultLanguage
	}

	payload := tokenPayload{
		Mode:      "FULL",
		AvatarID:  profile.AvatarID,
		IsSandbox: req.Sandbox,
		Persona: personaPayload{
			VoiceID:   profile.VoiceID,
			ContextID: profile.ContextID,
			Language:  language,
		},
	}

	var creds Credentials
	if err := c.do(ctx, opToken, http.MethodPost, "/v1/sessions/token", c.apiKeyAuth, payload, &creds); err != nil {
		return Credentials{}, err
	}
	if creds.SessionID == "" || creds.SessionToken == "" {
		return Credentials{}, fmt.Errorf("liveavatar %s: %w: missing session_id or session_token", opToken, ErrMalformedResponse)
	}
	c.logger.Info("provider session issued", "session_id", creds.SessionID, "direction", resolved, "language", language, "sandbox", req.Sandbox)
	return creds, nil
}

// StartSession starts the provider session and returns the room credentials.
func (c *Client) StartSession(ctx context.Context, sessionToken string) (ConnectionInfo, error) {
	if strings.TrimSpace(sessionToken) == "" {
		return ConnectionInfo{}, fmt.Errorf("%w: session_token is required", ErrInvalidRequest)
	}
	var info ConnectionInfo
	if err := c.do(ctx, opStart, http.MethodPost, "/v1/sessions/start", bearer(sessionToken), struct{}{}, &info); err != nil {
		return ConnectionInfo{}, err
	}
	if info.LiveKitURL == "" || info.LiveKitToken == "" {
		return ConnectionInfo{}, fmt.Errorf("liveavatar %s: %w: missing livekit_url or livekit_client_token", opStart, ErrMalformedResponse)
	}
	return info, nil
}

// StopSession ends the provider session. Callers treat IsNotFound as done.
func (c *Client) StopSession(ctx context.Context, sessionID, sessionToken string) error {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(sessionToken) == "" {
		return fmt.Errorf("%w: session_id and session_token are required", ErrInvalidRequest)
	}
	body := map[string]string{"session_id": sessionID}
	if err := c.do(ctx, opStop, http.MethodPost, "/v1/sessions/stop", bearer(sessionToken), body, nil); err != nil {
		return err
	}
	c.logger.Info("provider session stopped", "session_id", sessionID)
	return nil
}

// SendEvent relays a typed event into the live session.
func (c *Client) SendEvent(ctx context.Context, sessionToken, eventType string, data any) error {
	if strings.TrimSpace(sessionToken) == "" || strings.TrimSpace(eventType) == "" {
		return fmt.Errorf("%w: session_token and event_type are required", ErrInvalidRequest)
	}
	body := struct {
		EventType string `json:"event_type"`
		Data      any    `json:"data,omitempty"`
	}{EventType: eventType, Data: data}
	return c.do(ctx, opEvent, http.MethodPost, "/v1/sessions/event", bearer(sessionToken), body, nil)
}

// Transcript fetches the conversation of a finished or running session.
func (c *Client) Transcript(ctx context.Context, sessionID string) ([]TranscriptMessage, error) {
	if c.apiKey == "" {
		return nil, &ConfigurationError{Setting: "LIVEAVATAR_API_KEY"}
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}

	var out struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
			Text    string `json:"text"`
		} `json:"messages"`
	}
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/transcript"
	if err := c.do(ctx, opTranscript, http.MethodGet, path, c.apiKeyAuth, nil, &out); err != nil {
		return nil, err
	}

	msgs := make([]TranscriptMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		content := m.Content
		if content == "" {
			content = m.Text
		}
		msgs = append(msgs, TranscriptMessage{Role: m.Role, Content: content})
	}
	return msgs, nil
}

func (c *Client) apiKeyAuth(req *http.Request) {
	req.Header.Set("X-API-KEY", c.apiKey)
}

func bearer(token string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, auth func(*http.Request), in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("liveavatar %s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("liveavatar %s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != nil {
		auth(req)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.record(op, 0, start)
		return &UpstreamError{Op: op, Err: err}
	}
	defer res.Body.Close()
	c.record(op, res.StatusCode, start)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		c.logger.Warn("provider call failed", "op", op, "status", res.StatusCode)
		return &UpstreamError{Op: op, Status: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxErrorBody))
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return &UpstreamError{Op: op, Status: res.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if err := decodeData(raw, out); err != nil {
		return fmt.Errorf("liveavatar %s: %w: %v", op, ErrMalformedResponse, err)
	}
	return nil
}

func (c *Client) record(op string, status int, start time.Time) {
	if c.observe != nil {
		c.observe(op, status, time.Since(start))
	}
}

// decodeData accepts both a flat object and one nested under "data".
func decodeData(raw []byte, out any) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err == nil {
		if d := bytes.TrimSpace(env.Data); len(d) > 0 && d[0] == '{' {
			raw = d
		}
	}
	return json.Unmarshal(raw, out)
}
