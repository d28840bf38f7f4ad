package providers

import (
	"context"
	"math"
	"time"

	"github.com/promptforge/promptforge/logger"
)

// RetryConfig controls CompleteWithRetry backoff behavior.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first call.
	MaxRetries int
	// ConnectionBase is the initial backoff for connection failures.
	ConnectionBase time.Duration
	// ConnectionCap bounds connection backoff growth.
	ConnectionCap time.Duration
	// RateLimitBase is the initial backoff for rate limits without a
	// provider-suggested wait.
	RateLimitBase time.Duration
	// RateLimitCap bounds rate limit backoff growth.
	RateLimitCap time.Duration
	// MaxRetryAfter is the longest provider-suggested wait worth
	// honoring; anything above it fails immediately.
	MaxRetryAfter time.Duration
}

// DefaultRetryConfig returns the standard backoff schedule.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		ConnectionBase: 1 * time.Second,
		ConnectionCap:  8 * time.Second,
		RateLimitBase:  10 * time.Second,
		RateLimitCap:   60 * time.Second,
		MaxRetryAfter:  90 * time.Second,
	}
}

// backoff computes the exponential delay for the given attempt,
// clamped to cap. Attempt counts from zero.
func backoff(base, cap time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > cap || d <= 0 {
		return cap
	}
	return d
}

// retryDelay decides whether err is retriable and, if so, how long to
// wait before the next attempt.
func retryDelay(cfg RetryConfig, err error, attempt int) (time.Duration, bool) {
	if ra := RetryAfterSeconds(err); ra != nil {
		wait := time.Duration(*ra * float64(time.Second))
		if wait > cfg.MaxRetryAfter {
			return 0, false
		}
		return wait, true
	}
	if IsRateLimit(err) {
		return backoff(cfg.RateLimitBase, cfg.RateLimitCap, attempt), true
	}
	if IsTransient(err) {
		return backoff(cfg.ConnectionBase, cfg.ConnectionCap, attempt), true
	}
	return 0, false
}

// CompleteWithRetry invokes p.Complete, retrying transient failures
// with exponential backoff. Rate limits honor the provider-suggested
// wait when present, unless it exceeds the configured maximum. The
// context cancels any pending backoff sleep.
func CompleteWithRetry(ctx context.Context, p Provider, req Request, cfg RetryConfig) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		resp, err := p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = Classify(p.ID(), err)

		if attempt == cfg.MaxRetries {
			break
		}
		delay, retriable := retryDelay(cfg, lastErr, attempt)
		if !retriable {
			return nil, lastErr
		}

		logger.Warn("provider attempt failed, retrying",
			"provider", p.ID(), "attempt", attempt+1, "of", cfg.MaxRetries+1,
			"backoff", delay, "error", lastErr)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}
