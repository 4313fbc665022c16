// Package proxyclient talks to the session proxy's HTTP surface on behalf of
// a liveavatar.Controller.
package proxyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/avatarlive/internal/liveavatar"
)

const (
	maxErrorBody    = 4 << 10
	maxResponseBody = 1 << 20
)

// Error is a non-2xx answer from the proxy.
type Error struct {
	Op        string
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("proxy %s: %d %s: %s", e.Op, e.Status, e.Code, msg)
	}
	return fmt.Sprintf("proxy %s: %d: %s", e.Op, e.Status, msg)
}

type Client struct {
	baseURL string
	http    *http.Client
}

var _ liveavatar.Proxy = (*Client)(nil)

// New returns a client for the proxy at baseURL. A nil httpClient gets a
// 20 second timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) IssueToken(ctx context.Context, req liveavatar.StartRequest) (liveavatar.Credentials, error) {
	in := map[string]any{"language": req.Language}
	if req.Direction != "" {
		in["direction"] = req.Direction
	}
	if req.Sandbox {
		in["isSandbox"] = true
	}
	var out struct {
		SessionID    string `json:"session_id"`
		SessionToken string `json:"session_token"`
	}
	if err := c.post(ctx, "token", "/session/token", in, &out); err != nil {
		return liveavatar.Credentials{}, err
	}
	if out.SessionID == "" || out.SessionToken == "" {
		return liveavatar.Credentials{}, fmt.Errorf("proxy token: response is missing session credentials")
	}
	return liveavatar.Credentials{SessionID: out.SessionID, SessionToken: out.SessionToken}, nil
}

func (c *Client) StartSession(ctx context.Context, sessionToken string) (liveavatar.ConnectionInfo, error) {
	var out struct {
		URL   string `json:"livekit_url"`
		Token string `json:"livekit_client_token"`
	}
	if err := c.post(ctx, "start", "/session/start", map[string]string{"session_token": sessionToken}, &out); err != nil {
		return liveavatar.ConnectionInfo{}, err
	}
	if out.URL == "" || out.Token == "" {
		return liveavatar.ConnectionInfo{}, fmt.Errorf("proxy start: response is missing room credentials")
	}
	return liveavatar.ConnectionInfo{URL: out.URL, Token: out.Token}, nil
}

// StopSession treats a session the proxy no longer knows as stopped.
func (c *Client) StopSession(ctx context.Context, sessionID, sessionToken string) error {
	err := c.post(ctx, "stop", "/session/stop", map[string]string{
		"session_id":    sessionID,
		"session_token": sessionToken,
	}, nil)
	var pe *Error
	if errors.As(err, &pe) && pe.Status == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) SendEvent(ctx context.Context, sessionToken, eventType string, data any) error {
	return c.post(ctx, "event", "/session/event", map[string]any{
		"session_token": sessionToken,
		"event_type":    eventType,
		"data":          data,
	}, nil)
}

func (c *Client) post(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("proxy %s: marshal request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("proxy %s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("proxy %s: %w", op, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		pe := &Error{Op: op, Status: res.StatusCode}
		var body struct {
			Error     string `json:"error"`
			Code      string `json:"code"`
			Retryable bool   `json:"retryable"`
		}
		if json.Unmarshal(raw, &body) == nil && (body.Error != "" || body.Code != "") {
			pe.Message, pe.Code, pe.Retryable = body.Error, body.Code, body.Retryable
		} else {
			pe.Message = strings.TrimSpace(string(raw))
		}
		return pe
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxErrorBody))
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("proxy %s: read response: %w", op, err)
	}
	if err := decodeData(raw, out); err != nil {
		return fmt.Errorf("proxy %s: decode response: %w", op, err)
	}
	return nil
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
