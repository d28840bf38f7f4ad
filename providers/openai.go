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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIConfig configures an OpenAI-compatible chat completions
// provider. BaseURL covers OpenRouter, Together, vLLM, and any other
// endpoint speaking the same dialect.
type OpenAIConfig struct {
	ID       string
	Model    string
	APIKey   string
	BaseURL  string
	Defaults Defaults
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// OpenAIProvider talks to an OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	id      string
	model   string
	apiKey  string
	baseURL string
	defs    Defaults
	client  *http.Client
	limiter *rate.Limiter
}

// NewOpenAIProvider builds a provider from config, applying standard
// defaults for anything unset.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, &AuthenticationError{newBase(cfg.ID, "api key is required", nil)}
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai provider %q: model is required", cfg.ID)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
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
	return &OpenAIProvider{
		id:      cfg.ID,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		defs:    defs,
		client:  client,
		limiter: limiter,
	}, nil
}

func (p *OpenAIProvider) ID() string    { return p.id }
func (p *OpenAIProvider) Model() string { return p.model }

// Close releases no resources for HTTP providers but satisfies the
// Provider contract.
func (p *OpenAIProvider) Close() error { return nil }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Complete sends a chat completion request and maps the reply onto the
// neutral Response shape. Latency covers the full round trip and is
// reported even on error paths so budget accounting stays honest.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, &ConnectionError{newBase(p.id, err.Error(), err)}
		}
	}

	body := openAIRequest{
		Model:       p.model,
		Temperature: p.defs.Temperature,
		MaxTokens:   p.defs.MaxTokens,
	}
	if req.Temperature != nil {
		body.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		body.MaxTokens = *req.MaxTokens
	}
	if req.System != "" {
		body.Messages = append(body.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := p.baseURL + "/chat/completions"
	logger.APIRequest("openai", http.MethodPost, url, nil, map[string]interface{}{
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
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

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

	logger.APIResponse("openai", httpResp.StatusCode, string(raw), nil)

	if httpResp.StatusCode != http.StatusOK {
		return nil, p.statusError(httpResp, raw)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if parsed.Error != nil {
		return nil, Classify(p.id, fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return nil, &ProviderError{Provider: p.id, Message: "response contained no choices"}
	}

	usage := types.NewTokenUsage(parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens)
	if cached := parsed.Usage.PromptTokensDetails.CachedTokens; cached > 0 {
		usage.CacheReadInputTokens = types.Int(cached)
	}

	return &Response{
		Content: parsed.Choices[0].Message.Content,
		Model:   p.model,
		Usage:   usage,
		Latency: latency,
		Raw:     raw,
	}, nil
}

// statusError maps HTTP status codes onto the provider error taxonomy.
// The response body, when it carries an API error message, wins over
// the generic status text.
func (p *OpenAIProvider) statusError(resp *http.Response, raw []byte) error {
	msg := http.StatusText(resp.StatusCode)
	var parsed openAIResponse
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
		if ra := resp.Header.Get("Retry-After"); ra != "" {
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

// TestConnection verifies credentials by listing models. It bounds its
// own timeout so health checks cannot hang a caller.
func (p *OpenAIProvider) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ConnectionTestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Classify(p.id, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return p.statusError(resp, nil)
	}
	return nil
}
