// Package chat is the text-only demo conversation that sits beside the live
// avatar: it shapes the visible history and asks a chat backend for a reply.
package chat

import (
	"context"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one chat entry. Insertion order is display order.
type Message struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// History is the conversation as displayed. Its first assistant entry is the
// synthetic greeting shown before the user says anything.
type History []Message

// ForBackend returns the messages sent to the chat backend: blank entries
// and the leading greeting are dropped.
func (h History) ForBackend() []Message {
	out := make([]Message, 0, len(h))
	for i, m := range h {
		if i == 0 && m.Role == RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		out = append(out, m)
	}
	return out
}

// LastUserText returns the text of the most recent user message.
func (h History) LastUserText() string {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Role == RoleUser {
			return strings.TrimSpace(h[i].Text)
		}
	}
	return ""
}

// Request is what a Backend receives.
type Request struct {
	Language     string
	SystemPrompt string
	Messages     []Message
}

// Backend produces one assistant reply.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
}
