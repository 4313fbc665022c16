package journal

import (
	"context"
	"time"
)

// Kind classifies a journal record.
type Kind string

const (
	KindIssued   Kind = "issued"
	KindStarted  Kind = "started"
	KindStopped  Kind = "stopped"
	KindExpired  Kind = "expired"
	KindText     Kind = "text"
	KindFailure  Kind = "failure"
	KindRelayAck Kind = "relay_ack"
)

// Record is one entry of a session's audit trail. Detail is stored already
// redacted when Redacted is true.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Redacted  bool      `json:"redacted"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and lists session records.
type Store interface {
	Append(ctx context.Context, record Record) error
	// List returns the latest limit records of a session in chronological
	// order. limit <= 0 means all of them.
	List(ctx context.Context, sessionID string, limit int) ([]Record, error)
	Close() error
}
