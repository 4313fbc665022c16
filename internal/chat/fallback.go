package chat

import (
	"context"
	"errors"
	"fmt"
)

// FallbackBackend tries primary first and falls back on error. Cancellation
// is never masked.
type FallbackBackend struct {
	primary  Backend
	fallback Backend
}

func NewFallbackBackend(primary, fallback Backend) *FallbackBackend {
	return &FallbackBackend{primary: primary, fallback: fallback}
}

func (b *FallbackBackend) Complete(ctx context.Context, req Request) (string, error) {
	if b.primary == nil {
		if b.fallback == nil {
			return "", fmt.Errorf("fallback backend misconfigured")
		}
		return b.fallback.Complete(ctx, req)
	}
	text, err := b.primary.Complete(ctx, req)
	if err == nil {
		return text, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || b.fallback == nil {
		return "", err
	}
	fallbackText, fallbackErr := b.fallback.Complete(ctx, req)
	if fallbackErr != nil {
		return "", fmt.Errorf("primary backend error: %w; fallback backend error: %v", err, fallbackErr)
	}
	return fallbackText, nil
}
