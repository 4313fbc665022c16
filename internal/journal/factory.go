package journal

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/avatarlive/internal/policy"
)

// NewStore creates a postgres-backed journal when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// NewRecord builds a record for sessionID with detail passed through PII
// redaction.
func NewRecord(sessionID string, kind Kind, detail string) Record {
	redacted, changed := policy.RedactPII(detail)
	return Record{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Detail:    redacted,
		Redacted:  changed,
		CreatedAt: time.Now().UTC(),
	}
}

func normalize(record Record) Record {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return record
}
