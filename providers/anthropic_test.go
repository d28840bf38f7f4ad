package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/promptforge/promptforge/types"
)

func newAnthropicTestServer(t *testing.T, handler http.HandlerFunc) *AnthropicProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewAnthropicProvider(AnthropicConfig{
		ID:      "anthropic",
		Model:   "claude-sonnet-4-5",
		APIKey:  "sk-ant-test",
		BaseURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	return p
}

func TestAnthropicProvider_Complete(t *testing.T) {
	var gotBody anthropicRequest
	p := newAnthropicTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s, want /v1/messages", r.URL.Path)
		}
		if key := r.Header.Get("x-api-key"); key != "sk-ant-test" {
			t.Errorf("x-api-key = %q", key)
		}
		if v := r.Header.Get("anthropic-version"); v == "" {
			t.Error("anthropic-version header missing")
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{
			"content": [{"type": "text", "text": "optimized "}, {"type": "text", "text": "prompt"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 100, "output_tokens": 50,
			          "cache_creation_input_tokens": 20, "cache_read_input_tokens": 10}
		}`))
	})

	resp, err := p.Complete(context.Background(), Request{
		System:   "You rewrite prompts.",
		Messages: []types.Message{types.UserMessage("improve this")},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "optimized prompt" {
		t.Errorf("content = %q, text blocks should concatenate", resp.Content)
	}
	u := resp.Usage
	if u.InputTokens == nil || *u.InputTokens != 100 {
		t.Errorf("input tokens = %v", u.InputTokens)
	}
	if u.CacheCreationInputTokens == nil || *u.CacheCreationInputTokens != 20 {
		t.Errorf("cache creation tokens = %v", u.CacheCreationInputTokens)
	}
	if u.CacheReadInputTokens == nil || *u.CacheReadInputTokens != 10 {
		t.Errorf("cache read tokens = %v", u.CacheReadInputTokens)
	}
	if gotBody.System != "You rewrite prompts." {
		t.Errorf("system = %q", gotBody.System)
	}
	if gotBody.MaxTokens == 0 {
		t.Error("max_tokens must always be sent")
	}
}

func TestAnthropicProvider_SystemRoleHoisted(t *testing.T) {
	var gotBody anthropicRequest
	p := newAnthropicTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"content": [{"type": "text", "text": "ok"}], "usage": {"input_tokens": 1, "output_tokens": 1}}`))
	})

	_, err := p.Complete(context.Background(), Request{
		Messages: []types.Message{
			types.SystemMessage("be brief"),
			types.UserMessage("hello"),
		},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if gotBody.System != "be brief" {
		t.Errorf("system = %q, system-role messages must hoist to the top-level field", gotBody.System)
	}
	for _, m := range gotBody.Messages {
		if m.Role == "system" {
			t.Error("system role must not appear in messages array")
		}
	}
}

func TestAnthropicProvider_RateLimit(t *testing.T) {
	p := newAnthropicTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("retry-after", "12.5")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"type": "rate_limit_error", "message": "Too many requests"}}`))
	})

	_, err := p.Complete(context.Background(), Request{
		Messages: []types.Message{types.UserMessage("hi")},
	})
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("got %T, want RateLimitError", err)
	}
	if rl.RetryAfter == nil || *rl.RetryAfter != 12.5 {
		t.Errorf("RetryAfter = %v, want 12.5", rl.RetryAfter)
	}
}

func TestAnthropicProvider_AuthError(t *testing.T) {
	p := newAnthropicTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"type": "authentication_error", "message": "invalid x-api-key"}}`))
	})

	_, err := p.Complete(context.Background(), Request{
		Messages: []types.Message{types.UserMessage("hi")},
	})
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("got %T, want AuthenticationError", err)
	}
}
