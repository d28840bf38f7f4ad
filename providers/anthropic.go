package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/promptforge/promptforge/logger"
	"github.com/promptforge/promptforge/types"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
)

// AnthropicConfig configures a provider for the Anthropic Messages API.
type AnthropicConfig struct {
	ID         string
	Model      string
	APIKey     string
	BaseURL    string
	Defaults   Defaults
	HTTPClient *http.Client
}

// AnthropicProvider talks to the Anthropic Messages API directly.
type AnthropicProvider struct {
	id      string
	model   string
	apiKey  string
	baseURL string
	defs    Defaults
	client  *http.Client
	limiter *rate.Limiter
}

// NewAnthropicProvider builds a provider from config.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, &AuthenticationError{newBase(cfg.ID, "api key is required", nil)}
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic provider %q: model is required", cfg.ID)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	defs := cfg.Defaults
	if defs.Temperature == 0 {
		defs.Temperature = DefaultProviderDefaults().Temperature
	}
	if defs.MaxTokens == 0 {
		defs.MaxTokens = DefaultProviderDefaults().MaxTokens
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	var limiter *rate.Limiter
	if defs.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(defs.RequestsPerSecond), 1)
	}
	return &AnthropicProvider{
		id:      cfg.ID,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		defs:    defs,
		client:  client,
		limiter: limiter,
	}, nil
}

func (p *AnthropicProvider) ID() string    { return p.id }
func (p *AnthropicProvider) Model() string { return p.model }
func (p *AnthropicProvider) Close() error  { return nil }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a Messages API request. All four usage counters are
// carried through so cache-aware accounting survives aggregation.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, &ConnectionError{newBase(p.id, err.Error(), err)}
		}
	}

	body := anthropicRequest{
		Model:       p.model,
		System:      req.System,
		Temperature: p.defs.Temperature,
		MaxTokens:   p.defs.MaxTokens,
	}
	if req.Temperature != nil {
		body.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		body.MaxTokens = *req.MaxTokens
	}
	for _, m := range req.Messages {
		// The Messages API rejects the system role inside messages.
		if m.Role == "system" {
			if body.System == "" {
				body.System = m.Content
			} else {
				body.System += "\n\n" + m.Content
			}
			continue
		}
		body.Messages = append(body.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := p.baseURL + "/v1/messages"
	logger.APIRequest("anthropic", http.MethodPost, url, nil, map[string]interface{}{
		"model":       p.model,
		"messages":    len(body.Messages),
		"temperature": body.Temperature,
		"max_tokens":  body.MaxTokens,
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	start := time.Now()
	httpResp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return nil, Classify(p.id, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &ConnectionError{newBase(p.id, fmt.Sprintf("reading response body: %v", err), err)}
	}

	logger.APIResponse("anthropic", httpResp.StatusCode, string(raw), nil)

	if httpResp.StatusCode != http.StatusOK {
		return nil, p.statusError(httpResp, raw)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if parsed.Error != nil {
		return nil, Classify(p.id, fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message))
	}

	var content string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	usage := types.NewTokenUsage(parsed.Usage.InputTokens, parsed.Usage.OutputTokens)
	if parsed.Usage.CacheCreationInputTokens > 0 {
		usage.CacheCreationInputTokens = types.Int(parsed.Usage.CacheCreationInputTokens)
	}
	if parsed.Usage.CacheReadInputTokens > 0 {
		usage.CacheReadInputTokens = types.Int(parsed.Usage.CacheReadInputTokens)
	}

	return &Response{
		Content: content,
		Model:   p.model,
		Usage:   usage,
		Latency: latency,
		Raw:     raw,
	}, nil
}

func (p *AnthropicProvider) statusError(resp *http.Response, raw []byte) error {
	msg := http.StatusText(resp.StatusCode)
	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &AuthenticationError{newBase(p.id, msg, nil)}
	case http.StatusForbidden:
		return &PermissionError{newBase(p.id, msg, nil)}
	case http.StatusTooManyRequests:
		rl := &RateLimitError{ProviderError: newBase(p.id, msg, nil)}
		if ra := resp.Header.Get("retry-after"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				rl.RetryAfter = &secs
			}
		}
		return rl
	case http.StatusNotFound:
		return &ModelNotFoundError{newBase(p.id, msg, nil)}
	default:
		return &ProviderError{Provider: p.id, Message: truncateMessage(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg))}
	}
}

// TestConnection issues a one-token request, the cheapest call the
// Messages API allows for credential checks.
func (p *AnthropicProvider) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ConnectionTestTimeout)
	defer cancel()

	one := 1
	_, err := p.Complete(ctx, Request{
		Messages:  []types.Message{types.UserMessage("ping")},
		MaxTokens: &one,
	})
	return err
}
