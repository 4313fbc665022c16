package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StatusError is a non-2xx answer from the chat endpoint.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat http status %d: %s", e.Status, e.Body)
}

// HTTPBackend talks to an OpenAI-compatible /chat/completions endpoint.
type HTTPBackend struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

func NewHTTPBackend(baseURL, apiKey, model string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBackend{
		url:    strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/chat/completions",
		apiKey: strings.TrimSpace(apiKey),
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string              `json:"model"`
	Messages []completionMessage `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message completionMessage `json:"message"`
	} `json:"choices"`
}

func (b *HTTPBackend) Complete(ctx context.Context, req Request) (string, error) {
	body := completionRequest{Model: b.model}
	if prompt := strings.TrimSpace(req.SystemPrompt); prompt != "" {
		body.Messages = append(body.Messages, completionMessage{Role: string(RoleSystem), Content: prompt})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, completionMessage{Role: string(m.Role), Content: m.Text})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	res, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &StatusError{Status: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var out completionResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat response has no choices")
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("chat response is empty")
	}
	return text, nil
}
