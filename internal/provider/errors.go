package provider

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/antoniostano/avatarlive/internal/reliability"
)

var (
	// ErrInvalidRequest marks caller mistakes such as a missing session token.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrMalformedResponse is returned when a 2xx response cannot be used.
	ErrMalformedResponse = errors.New("malformed provider response")
)

// ConfigurationError reports a missing or unusable operator setting.
type ConfigurationError struct {
	Setting string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider is not configured: %s is missing", e.Setting)
}

// UpstreamError carries a failed provider call. Status is zero when no
// response was received.
type UpstreamError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("liveavatar %s: %v", e.Op, e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("liveavatar %s: upstream status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("liveavatar %s: upstream status %d: %s", e.Op, e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Retryable reports whether the same call may succeed later. Nothing in this
// package retries; the flag is surfaced to callers.
func (e *UpstreamError) Retryable() bool {
	if e.Status == 0 {
		return e.Err != nil
	}
	return reliability.IsRetryableHTTPStatus(e.Status)
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Status == http.StatusNotFound
}
