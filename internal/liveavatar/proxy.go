package liveavatar

import (
	"context"
)

// StartRequest selects the avatar configuration for a new session.
type StartRequest struct {
	Language  string
	Direction string
	Sandbox   bool
}

// Credentials identify one provider session.
type Credentials struct {
	SessionID    string
	SessionToken string
}

// ConnectionInfo is what the transport needs to join the provider room.
type ConnectionInfo struct {
	URL   string
	Token string
}

// Proxy is the session proxy as seen from the client.
type Proxy interface {
	IssueToken(ctx context.Context, req StartRequest) (Credentials, error)
	StartSession(ctx context.Context, sessionToken string) (ConnectionInfo, error)
	StopSession(ctx context.Context, sessionID, sessionToken string) error
	SendEvent(ctx context.Context, sessionToken, eventType string, data any) error
}

// Transport is one real-time room connection. A new Transport is created for
// every session attempt and is owned by the Controller until teardown.
type Transport interface {
	// Connect joins the room. Events raised before Connect returns are
	// delivered to sink as well.
	Connect(ctx context.Context, url, token string, sink EventSink) error
	Disconnect()
	LocalIdentity() string
	RemoteParticipants() []RemoteParticipant
	SetMicrophoneEnabled(enabled bool) error
}

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the session transcript.
type Message struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Text string `json:"text"`
}
