package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassify_Substrings(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want string
	}{
		{"authentication word", "Authentication failed for request", "auth"},
		{"api key", "invalid API key provided", "auth"},
		{"unauthorized", "server said Unauthorized", "auth"},
		{"401 code", "HTTP 401 returned", "auth"},
		{"permission word", "permission denied for model", "permission"},
		{"403 code", "HTTP 403 returned", "permission"},
		{"rate and limit", "rate limit exceeded, slow down", "ratelimit"},
		{"not found", "model not found on this endpoint", "notfound"},
		{"404 code", "HTTP 404 returned", "notfound"},
		{"timeout word", "request timeout after 30s", "connection"},
		{"timed out", "operation timed out", "connection"},
		{"connection refused", "dial tcp: connection refused", "connection"},
		{"plain", "something odd happened", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("test", errors.New(tt.msg))
			got := taxonomyName(err)
			if got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.msg, got, tt.want)
			}
		})
	}
}

func taxonomyName(err error) string {
	var (
		authErr  *AuthenticationError
		permErr  *PermissionError
		rateErr  *RateLimitError
		modelErr *ModelNotFoundError
		connErr  *ConnectionError
	)
	switch {
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &permErr):
		return "permission"
	case errors.As(err, &rateErr):
		return "ratelimit"
	case errors.As(err, &modelErr):
		return "notfound"
	case errors.As(err, &connErr):
		return "connection"
	default:
		return "plain"
	}
}

func TestClassify_Idempotent(t *testing.T) {
	inputs := []error{
		errors.New("rate limit hit"),
		errors.New("401 unauthorized"),
		errors.New("whatever"),
		context.DeadlineExceeded,
	}
	for _, in := range inputs {
		once := Classify("p", in)
		twice := Classify("p", once)
		if once != twice {
			t.Errorf("Classify not idempotent for %v: %v != %v", in, once, twice)
		}
	}
}

func TestClassify_Nil(t *testing.T) {
	if err := Classify("p", nil); err != nil {
		t.Errorf("Classify(nil) = %v, want nil", err)
	}
}

func TestClassify_DeadlineExceeded(t *testing.T) {
	err := Classify("p", fmt.Errorf("calling api: %w", context.DeadlineExceeded))
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("deadline exceeded should classify as connection, got %T", err)
	}
}

func TestClassify_TruncatesLongMessages(t *testing.T) {
	long := strings.Repeat("x", 500)
	err := Classify("p", errors.New(long))
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if len(pe.Message) != maxErrorMessageLen {
		t.Errorf("message length = %d, want %d", len(pe.Message), maxErrorMessageLen)
	}
}

func TestClassify_PreservesProviderName(t *testing.T) {
	err := Classify("openai", errors.New("boom"))
	if !strings.Contains(err.Error(), "openai") {
		t.Errorf("error should carry provider name, got: %s", err.Error())
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limit", &RateLimitError{ProviderError: newBase("p", "rl", nil)}, true},
		{"connection", &ConnectionError{newBase("p", "conn", nil)}, true},
		{"auth", &AuthenticationError{newBase("p", "auth", nil)}, false},
		{"permission", &PermissionError{newBase("p", "perm", nil)}, false},
		{"not found", &ModelNotFoundError{newBase("p", "nf", nil)}, false},
		{"plain", errors.New("x"), false},
		{"wrapped connection", fmt.Errorf("stage: %w", &ConnectionError{newBase("p", "conn", nil)}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	secs := 30.0
	rl := &RateLimitError{ProviderError: newBase("p", "rl", nil), RetryAfter: &secs}
	got := RetryAfterSeconds(rl)
	if got == nil || *got != 30.0 {
		t.Errorf("RetryAfterSeconds = %v, want 30.0", got)
	}
	if RetryAfterSeconds(errors.New("x")) != nil {
		t.Error("RetryAfterSeconds should be nil for non rate-limit errors")
	}
	bare := &RateLimitError{ProviderError: newBase("p", "rl", nil)}
	if RetryAfterSeconds(bare) != nil {
		t.Error("RetryAfterSeconds should be nil when the provider gave no hint")
	}
}

func TestProviderError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Classify("p", fmt.Errorf("wrapping: %w", cause))
	if !errors.Is(err, cause) {
		t.Error("classified error should unwrap to the original cause")
	}
}
