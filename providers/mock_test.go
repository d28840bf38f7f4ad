package providers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/promptforge/promptforge/types"
)

func TestMockProvider_StageDetection(t *testing.T) {
	tests := []struct {
		name     string
		req      Request
		wantKey  string
		wantFrag string
	}{
		{
			"metadata wins",
			Request{Metadata: map[string]string{"stage": "validate"}, System: "analyze things"},
			"validate", "clarity_score",
		},
		{
			"analyze from system prompt",
			Request{System: "You are an expert prompt analyzer."},
			"analyze", "task_type",
		},
		{
			"strategy from system prompt",
			Request{System: "Select the best optimization strategy."},
			"strategy", "confidence",
		},
		{
			"optimize from system prompt",
			Request{System: "Rewrite the prompt using the framework."},
			"optimize", "optimized_prompt",
		},
		{
			"validate from system prompt",
			Request{System: "Score the optimized prompt on five axes."},
			"validate", "is_improvement",
		},
	}

	mock := NewMockProvider("mock", "mock-model")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectStage(tt.req); got != tt.wantKey {
				t.Errorf("detectStage = %q, want %q", got, tt.wantKey)
			}
			resp, err := mock.Complete(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Complete failed: %v", err)
			}
			var parsed map[string]any
			if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
				t.Fatalf("canned response is not valid JSON: %v", err)
			}
			if _, ok := parsed[tt.wantFrag]; !ok {
				t.Errorf("canned %s response missing %q", tt.wantKey, tt.wantFrag)
			}
		})
	}
}

func TestMockProvider_ResponseFunc(t *testing.T) {
	mock := NewMockProvider("mock", "mock-model")
	mock.SetResponseFunc(func(ctx context.Context, req Request) (string, error) {
		if len(req.Messages) == 0 {
			return "", errors.New("no messages")
		}
		return "echo: " + req.Messages[0].Content, nil
	})

	resp, err := mock.Complete(context.Background(), Request{
		Messages: []types.Message{types.UserMessage("hello")},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "echo: hello" {
		t.Errorf("content = %q", resp.Content)
	}

	if _, err := mock.Complete(context.Background(), Request{}); err == nil {
		t.Error("response func error should propagate")
	}
}

func TestMockProvider_UsageEstimation(t *testing.T) {
	mock := NewMockProvider("mock", "mock-model")
	mock.SetResponse("default", "12345678") // 8 chars, 2 tokens

	resp, err := mock.Complete(context.Background(), Request{
		Messages: []types.Message{types.UserMessage("aaaabbbbccccdddd")}, // 16 chars, 4 tokens
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got := *resp.Usage.InputTokens; got != 4 {
		t.Errorf("input tokens = %d, want 4", got)
	}
	if got := *resp.Usage.OutputTokens; got != 2 {
		t.Errorf("output tokens = %d, want 2", got)
	}
}

func TestMockProvider_UsageFloors(t *testing.T) {
	mock := NewMockProvider("mock", "mock-model")
	mock.SetResponse("default", "x")

	resp, err := mock.Complete(context.Background(), Request{
		Messages: []types.Message{types.UserMessage("a")},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got := *resp.Usage.InputTokens; got != 10 {
		t.Errorf("input floor = %d, want 10", got)
	}
	if got := *resp.Usage.OutputTokens; got != 20 {
		t.Errorf("output floor = %d, want 20", got)
	}
}

func TestMockProvider_RecordsCalls(t *testing.T) {
	mock := NewMockProvider("mock", "mock-model")
	mock.Complete(context.Background(), Request{System: "a"})
	mock.Complete(context.Background(), Request{System: "b"})

	calls := mock.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].System != "a" || calls[1].System != "b" {
		t.Error("calls should preserve order")
	}
}
