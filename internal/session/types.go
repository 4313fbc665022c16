package session

import "time"

// Status is the proxy's view of a provider session.
type Status string

const (
	StatusIssued  Status = "issued"
	StatusStarted Status = "started"
	StatusEnded   Status = "ended"
	StatusExpired Status = "expired"
)

// Live reports whether the provider session may still hold resources.
func (s Status) Live() bool {
	return s == StatusIssued || s == StatusStarted
}

// Session is a provider session issued through the proxy.
type Session struct {
	ID        string    `json:"session_id"`
	Direction string    `json:"direction,omitempty"`
	Language  string    `json:"language"`
	Sandbox   bool      `json:"is_sandbox"`
	Status    Status    `json:"status"`
	IssuedAt  time.Time `json:"issued_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	// Token is the provider session token; it never leaves the process in
	// listings.
	Token string `json:"-"`
}

// Summary is the public listing form of a Session.
type Summary struct {
	SessionID        string    `json:"session_id"`
	Direction        string    `json:"direction,omitempty"`
	Language         string    `json:"language"`
	Status           Status    `json:"status"`
	IssuedAt         time.Time `json:"issued_at"`
	StartedAt        time.Time `json:"started_at,omitzero"`
	RemainingSeconds int       `json:"remaining_seconds,omitempty"`
}
