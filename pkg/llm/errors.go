package llm

import (
	"errors"
	"fmt"
)

// bodyPrefixLen caps how much of an upstream error body is retained.
const bodyPrefixLen = 512

// UpstreamError is a non-transient failure reported by the LLM backend with
// an HTTP status of 400 or above.
type UpstreamError struct {
	// Status is the upstream HTTP status code.
	Status int

	// Body is a prefix of the upstream response body.
	Body string
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("llm: upstream status %d: %s", e.Status, e.Body)
}

// NewUpstreamError builds an UpstreamError, truncating body to a bounded
// prefix so huge error pages never end up in logs or events verbatim.
func NewUpstreamError(status int, body string) *UpstreamError {
	if len(body) > bodyPrefixLen {
		body = body[:bodyPrefixLen]
	}
	return &UpstreamError{Status: status, Body: body}
}

// TransientError wraps a network-level failure (connection reset, timeout)
// that did not reach the backend or yielded no HTTP status.
type TransientError struct {
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("llm: transient: %v", e.Err)
}

// Unwrap exposes the underlying cause.
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
