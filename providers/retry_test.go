package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/promptforge/promptforge/types"
)

// scriptedProvider fails a fixed number of times before succeeding.
type scriptedProvider struct {
	failures int
	err      error
	calls    int
}

func (s *scriptedProvider) ID() string    { return "scripted" }
func (s *scriptedProvider) Model() string { return "test-model" }
func (s *scriptedProvider) Close() error  { return nil }
func (s *scriptedProvider) TestConnection(ctx context.Context) error {
	return nil
}
func (s *scriptedProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, s.err
	}
	return &Response{Content: "ok", Usage: types.NewTokenUsage(1, 1)}, nil
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		ConnectionBase: time.Millisecond,
		ConnectionCap:  4 * time.Millisecond,
		RateLimitBase:  time.Millisecond,
		RateLimitCap:   4 * time.Millisecond,
		MaxRetryAfter:  90 * time.Second,
	}
}

func TestCompleteWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	p := &scriptedProvider{failures: 2, err: errors.New("connection refused")}
	resp, err := CompleteWithRetry(context.Background(), p, Request{}, fastRetryConfig())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Content)
	}
	if p.calls != 3 {
		t.Errorf("calls = %d, want 3", p.calls)
	}
}

func TestCompleteWithRetry_ExhaustsBudget(t *testing.T) {
	p := &scriptedProvider{failures: 10, err: errors.New("request timed out")}
	_, err := CompleteWithRetry(context.Background(), p, Request{}, fastRetryConfig())
	if err == nil {
		t.Fatal("expected error after budget exhaustion")
	}
	if p.calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", p.calls)
	}
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("final error should be classified, got %T", err)
	}
}

func TestCompleteWithRetry_NonTransientFailsImmediately(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"auth", errors.New("invalid api key")},
		{"permission", errors.New("permission denied")},
		{"not found", errors.New("model not found")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{failures: 10, err: tt.err}
			_, err := CompleteWithRetry(context.Background(), p, Request{}, fastRetryConfig())
			if err == nil {
				t.Fatal("expected error")
			}
			if p.calls != 1 {
				t.Errorf("calls = %d, want 1 (no retries)", p.calls)
			}
		})
	}
}

func TestCompleteWithRetry_HonorsRetryAfter(t *testing.T) {
	secs := 0.001
	p := &scriptedProvider{
		failures: 1,
		err:      &RateLimitError{ProviderError: newBase("p", "rate limit", nil), RetryAfter: &secs},
	}
	start := time.Now()
	_, err := CompleteWithRetry(context.Background(), p, Request{}, fastRetryConfig())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("retry waited %s, should honor the tiny retry_after", elapsed)
	}
}

func TestCompleteWithRetry_ExcessiveRetryAfterNotRetried(t *testing.T) {
	secs := 120.0
	p := &scriptedProvider{
		failures: 10,
		err:      &RateLimitError{ProviderError: newBase("p", "rate limit", nil), RetryAfter: &secs},
	}
	_, err := CompleteWithRetry(context.Background(), p, Request{}, fastRetryConfig())
	if err == nil {
		t.Fatal("expected error")
	}
	if p.calls != 1 {
		t.Errorf("calls = %d, want 1 (retry_after beyond cap is terminal)", p.calls)
	}
}

func TestCompleteWithRetry_ContextCancelsBackoff(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.ConnectionBase = 10 * time.Second
	cfg.ConnectionCap = 10 * time.Second

	p := &scriptedProvider{failures: 10, err: errors.New("connection refused")}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := CompleteWithRetry(ctx, p, Request{}, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took %s, backoff sleep not interrupted", elapsed)
	}
}

func TestBackoff_ExponentialWithCap(t *testing.T) {
	base := time.Second
	cap := 8 * time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 8 * time.Second},
		{10, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(base, cap, tt.attempt); got != tt.want {
			t.Errorf("backoff(attempt=%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
