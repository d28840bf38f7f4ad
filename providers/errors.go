package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// maxErrorMessageLen bounds classified messages so provider SDKs cannot
// flood logs or SSE payloads with multi-kilobyte bodies.
const maxErrorMessageLen = 200

// ProviderError is the base error for all provider failures.
type ProviderError struct {
	Provider string
	Message  string
	Err      error // underlying cause, may be nil
}

func (e *ProviderError) Error() string {
	if e.Provider == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AuthenticationError indicates a missing or invalid API key.
type AuthenticationError struct{ ProviderError }

// PermissionError indicates the credentials lack access to the resource.
type PermissionError struct{ ProviderError }

// RateLimitError indicates the provider throttled the request.
// RetryAfter, when known, is the provider-suggested wait in seconds.
type RateLimitError struct {
	ProviderError
	RetryAfter *float64
}

// ModelNotFoundError indicates the requested model does not exist.
type ModelNotFoundError struct{ ProviderError }

// ConnectionError indicates a network failure or timeout.
type ConnectionError struct{ ProviderError }

func newBase(provider string, msg string, err error) ProviderError {
	return ProviderError{Provider: provider, Message: truncateMessage(msg), Err: err}
}

func truncateMessage(msg string) string {
	if len(msg) > maxErrorMessageLen {
		return msg[:maxErrorMessageLen]
	}
	return msg
}

// Classify converts an arbitrary error into the provider taxonomy by
// pattern-matching its lowercased message. It is pure and total: typed
// provider errors pass through unchanged, so Classify(Classify(e)) is
// always Classify(e). The substring tests are deliberate compatibility
// points; wrapped SDKs do not expose stable error codes.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}

	// Already classified errors pass through untouched.
	var (
		authErr  *AuthenticationError
		permErr  *PermissionError
		rateErr  *RateLimitError
		modelErr *ModelNotFoundError
		connErr  *ConnectionError
		baseErr  *ProviderError
	)
	switch {
	case errors.As(err, &authErr), errors.As(err, &permErr), errors.As(err, &rateErr),
		errors.As(err, &modelErr), errors.As(err, &connErr), errors.As(err, &baseErr):
		return err
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "api key") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401"):
		return &AuthenticationError{newBase(provider, err.Error(), err)}

	case strings.Contains(msg, "permission") || strings.Contains(msg, "403"):
		return &PermissionError{newBase(provider, err.Error(), err)}

	case strings.Contains(msg, "rate") && strings.Contains(msg, "limit"):
		return &RateLimitError{ProviderError: newBase(provider, err.Error(), err)}

	case strings.Contains(msg, "not found") || strings.Contains(msg, "404"):
		return &ModelNotFoundError{newBase(provider, err.Error(), err)}

	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "connection refused") || isNetworkError(err):
		return &ConnectionError{newBase(provider, err.Error(), err)}

	default:
		pe := newBase(provider, err.Error(), err)
		return &pe
	}
}

// isNetworkError reports whether the error type itself indicates a
// connectivity problem, regardless of message content.
func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsTransient reports whether the error is worth retrying: rate limits
// and connection failures only. Authentication, permission, and model
// lookup failures never clear on retry.
func IsTransient(err error) bool {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsRateLimit reports whether the error is a rate limit.
func IsRateLimit(err error) bool {
	var rateErr *RateLimitError
	return errors.As(err, &rateErr)
}

// RetryAfterSeconds extracts the provider-suggested wait from a rate
// limit error, or nil when absent or not a rate limit.
func RetryAfterSeconds(err error) *float64 {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.RetryAfter
	}
	return nil
}
