// Package providers implements multi-LLM provider support with unified interfaces.
//
// This package provides a common abstraction for chat-based LLM providers
// including OpenAI-compatible APIs, Anthropic, and a local claude CLI
// transport. It handles:
//   - Completion requests with provider defaults
//   - JSON-mode completions with lenient response extraction
//   - Typed error classification and transient-error retry
//   - Token usage reporting (exact when the API provides it, estimated otherwise)
//
// All providers implement the Provider interface; stages consume it and never
// see transport details.
package providers

import (
	"context"
	"time"

	"github.com/promptforge/promptforge/types"
)

// Request represents a completion request to a provider.
type Request struct {
	System      string            `json:"system"`
	Messages    []types.Message   `json:"messages"`
	Temperature *float64          `json:"temperature,omitempty"` // nil uses the provider default
	MaxTokens   *int              `json:"max_tokens,omitempty"`  // nil uses the provider default
	Metadata    map[string]string `json:"metadata,omitempty"`    // Optional metadata for provider-specific context
}

// Response represents a completion response from a provider.
type Response struct {
	Content string           `json:"content"`
	Model   string           `json:"model"`
	Usage   types.TokenUsage `json:"usage"`
	Latency time.Duration    `json:"latency"`
	Raw     []byte           `json:"raw,omitempty"`
}

// Defaults holds default request parameters for a provider.
type Defaults struct {
	Temperature       float64
	MaxTokens         int
	RequestsPerSecond float64 // 0 disables client-side rate limiting
}

// DefaultProviderDefaults returns the parameters used when a spec leaves
// them unset.
func DefaultProviderDefaults() Defaults {
	return Defaults{
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// Provider is the contract pipeline stages program against.
type Provider interface {
	// ID returns the configured provider identifier (e.g. "openai", "mock").
	ID() string

	// Model returns the model name requests are issued against.
	Model() string

	// Complete performs a single completion round trip.
	Complete(ctx context.Context, req Request) (*Response, error)

	// TestConnection verifies the provider is reachable. Callers bound it
	// with their own timeout; ConnectionTestTimeout is the conventional one.
	TestConnection(ctx context.Context) error

	// Close releases provider resources (HTTP connections, processes).
	Close() error
}

// ConnectionTestTimeout bounds TestConnection probes.
const ConnectionTestTimeout = 10 * time.Second

// CompleteJSON performs a completion and extracts a JSON object from the
// response content. The model frequently wraps JSON in markdown fences or
// prose; extraction is lenient (see ParseJSONObject). The raw Response is
// returned even when extraction fails so callers keep usage accounting.
func CompleteJSON(ctx context.Context, p Provider, req Request) (map[string]any, *Response, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, resp, err
	}
	obj, err := ParseJSONObject(resp.Content)
	if err != nil {
		return nil, resp, err
	}
	return obj, resp, nil
}
