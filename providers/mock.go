package providers

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/promptforge/promptforge/types"
)

// MockResponseFunc produces a mock completion for a request. Returning
// an error simulates a provider failure.
type MockResponseFunc func(ctx context.Context, req Request) (string, error)

// MockProvider returns canned responses without network calls. It is
// used for development mode, arena-style offline runs, and tests.
//
// By default it detects which pipeline stage is calling from the
// request metadata (falling back to system prompt sniffing) and
// returns stage-appropriate JSON so a full optimization run works
// end to end offline.
type MockProvider struct {
	id    string
	model string

	mu        sync.Mutex
	responses map[string]string
	fn        MockResponseFunc
	calls     []Request
	latency   time.Duration
}

// NewMockProvider creates a mock with stage-keyed default responses.
func NewMockProvider(id, model string) *MockProvider {
	return &MockProvider{
		id:        id,
		model:     model,
		responses: defaultMockResponses(),
	}
}

func (m *MockProvider) ID() string    { return m.id }
func (m *MockProvider) Model() string { return m.model }
func (m *MockProvider) Close() error  { return nil }

// SetResponse overrides the canned response for a stage key.
func (m *MockProvider) SetResponse(stage, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[stage] = response
}

// SetResponseFunc installs a custom response function that takes
// precedence over canned responses.
func (m *MockProvider) SetResponseFunc(fn MockResponseFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
}

// SetLatency makes Complete sleep before answering, for timeout and
// progress-pump tests.
func (m *MockProvider) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Calls returns a copy of every request seen so far.
func (m *MockProvider) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// Complete records the request and returns the configured response.
// Usage is approximated at four characters per token with small
// floors, mirroring how real providers bill trivial calls.
func (m *MockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	fn := m.fn
	latency := m.latency
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(latency):
		}
	}

	var content string
	if fn != nil {
		var err error
		content, err = fn(ctx, req)
		if err != nil {
			return nil, err
		}
	} else {
		m.mu.Lock()
		content = m.responses[detectStage(req)]
		m.mu.Unlock()
		if content == "" {
			content = "Mock response from " + m.id
		}
	}

	inputTokens := 0
	for _, msg := range req.Messages {
		inputTokens += len(msg.Content) / 4
	}
	inputTokens += len(req.System) / 4
	if inputTokens == 0 {
		inputTokens = 10
	}
	outputTokens := len(content) / 4
	if outputTokens == 0 {
		outputTokens = 20
	}

	return &Response{
		Content: content,
		Model:   m.model,
		Usage:   types.NewTokenUsage(inputTokens, outputTokens),
		Latency: time.Millisecond,
	}, nil
}

// TestConnection always succeeds for the mock.
func (m *MockProvider) TestConnection(ctx context.Context) error { return nil }

// detectStage picks the response key for a request. Explicit metadata
// wins; otherwise the system prompt's wording identifies the stage.
func detectStage(req Request) string {
	if stage, ok := req.Metadata["stage"]; ok {
		return stage
	}
	sys := strings.ToLower(req.System)
	switch {
	case strings.Contains(sys, "analyz"):
		return "analyze"
	case strings.Contains(sys, "strateg"):
		return "strategy"
	case strings.Contains(sys, "optimiz") || strings.Contains(sys, "rewrite"):
		return "optimize"
	case strings.Contains(sys, "validat") || strings.Contains(sys, "score"):
		return "validate"
	default:
		return "default"
	}
}

func defaultMockResponses() map[string]string {
	return map[string]string{
		"analyze": `{
  "task_type": "general",
  "complexity": "medium",
  "weaknesses": ["Lacks specific output format", "No success criteria defined"],
  "strengths": ["Clear core intent"]
}`,
		"strategy": `{
  "strategy": "structured-output",
  "confidence": 0.85,
  "reasoning": "The prompt would benefit from explicit output structure.",
  "secondary_frameworks": ["constraint-injection"]
}`,
		"optimize": `{
  "optimized_prompt": "You are a helpful assistant. Complete the task below and respond in the requested format.\n\nTask: <original intent restated with explicit constraints>\n\nFormat your response as a numbered list.",
  "framework_applied": "structured-output",
  "changes_made": ["Added explicit output format", "Stated the task directly"],
  "optimization_notes": "Structured the prompt around a concrete deliverable."
}`,
		"validate": `{
  "clarity_score": 0.85,
  "specificity_score": 0.8,
  "structure_score": 0.9,
  "faithfulness_score": 0.95,
  "is_improvement": true,
  "verdict": "The optimized prompt is clearer and more specific while preserving intent."
}`,
	}
}
