package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/promptforge/pipeline"
	"github.com/promptforge/promptforge/providers"
	"github.com/promptforge/promptforge/record"
)

// runOptimize posts a prompt and returns the parsed SSE frames.
func runOptimize(t *testing.T, env *testEnv, body map[string]any) []sseEvent {
	t.Helper()
	resp := postJSON(t, env.ts.URL+"/optimize", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	frames := parseSSE(t, resp.Body)
	require.NotEmpty(t, frames)
	return frames
}

func frameEvents(frames []sseEvent) []string {
	names := make([]string, len(frames))
	for i, f := range frames {
		names[i] = f.Event
	}
	return names
}

func TestOptimizeStreamsToCompletion(t *testing.T) {
	env := newTestEnv(t)

	frames := runOptimize(t, env, map[string]any{
		"prompt": "write a sorting function",
		"tags":   []string{"demo"},
	})

	names := frameEvents(frames)
	for _, want := range []string{
		pipeline.EventAnalysis,
		pipeline.EventStrategy,
		pipeline.EventOptimization,
		pipeline.EventValidation,
	} {
		assert.Contains(t, names, want)
	}

	terminal := frames[len(frames)-1]
	require.Equal(t, pipeline.EventComplete, terminal.Event)
	assert.NotEmpty(t, terminal.ID)
	assert.Equal(t, "completed", terminal.Data["status"])
	assert.NotEmpty(t, terminal.Data["optimized_prompt"])
	assert.Equal(t, "structured-output", terminal.Data["strategy"])
	assert.InDelta(t, 0.8775, terminal.Data["overall_score"], 1e-9)
	assert.Equal(t, []any{"demo"}, terminal.Data["tags"])
	assert.Positive(t, terminal.Data["input_tokens"])

	id, ok := terminal.Data["id"].(string)
	require.True(t, ok)
	rec, err := env.records.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, record.StatusCompleted, rec.Status)
	assert.Equal(t, "structured-output", rec.Strategy)
	require.NotNil(t, rec.OverallScore)
	assert.InDelta(t, 0.8775, *rec.OverallScore, 1e-9)
}

func TestOptimizeRejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		body   map[string]any
		detail string
	}{
		{"empty prompt", map[string]any{"prompt": ""}, "prompt must not be empty"},
		{"oversized prompt", map[string]any{"prompt": strings.Repeat("p", maxPromptChars+1)}, "prompt exceeds"},
		{"unknown strategy", map[string]any{"prompt": "hi", "strategy": "mind-reading"}, `unknown strategy "mind-reading"`},
		{"unknown secondary framework", map[string]any{"prompt": "hi", "secondary_frameworks": []string{"mind-reading"}}, `unknown secondary framework "mind-reading"`},
		{"iterations too low", map[string]any{"prompt": "hi", "max_iterations": 0}, "max_iterations must be between 1 and 5"},
		{"iterations too high", map[string]any{"prompt": "hi", "max_iterations": 6}, "max_iterations must be between 1 and 5"},
		{"threshold too low", map[string]any{"prompt": "hi", "score_threshold": 0.05}, "score_threshold must be between"},
		{"threshold too high", map[string]any{"prompt": "hi", "score_threshold": 1.5}, "score_threshold must be between"},
		{"unknown provider", map[string]any{"prompt": "hi", "provider": "gemini"}, `unknown provider "gemini"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, env.ts.URL+"/optimize", tt.body)
			body := decodeMap(t, resp)
			assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
			assert.Contains(t, body["detail"], tt.detail)
		})
	}
}

func TestOptimizeRejectsUnknownFields(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.ts.URL+"/optimize", map[string]any{
		"prompt": "hi",
		"promtp": "typo",
	})
	body := decodeMap(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["detail"], "invalid request body")
}

func TestOptimizeLinksProjectAndPrompt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	frames := runOptimize(t, env, map[string]any{
		"prompt":  "draft a welcome email",
		"project": "Email Tools",
		"title":   "Welcome email",
	})
	terminal := frames[len(frames)-1]
	require.Equal(t, pipeline.EventComplete, terminal.Event)

	projectID, _ := terminal.Data["project_id"].(string)
	promptID, _ := terminal.Data["prompt_id"].(string)
	require.NotEmpty(t, projectID)
	require.NotEmpty(t, promptID)

	proj, err := env.projects.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, "Email Tools", proj.Name)

	prompt, err := env.projects.GetPrompt(ctx, promptID)
	require.NoError(t, err)
	assert.Equal(t, "Welcome email", prompt.Title)
	assert.Equal(t, "draft a welcome email", prompt.Content)

	// The same prompt in the same project is reused, not duplicated.
	frames = runOptimize(t, env, map[string]any{
		"prompt":  "draft a welcome email",
		"project": "Email Tools",
		"title":   "Welcome email",
	})
	again := frames[len(frames)-1]
	assert.Equal(t, projectID, again.Data["project_id"])
	assert.Equal(t, promptID, again.Data["prompt_id"])
}

func TestOptimizeStreamReportsProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mock.SetResponseFunc(func(context.Context, providers.Request) (string, error) {
		return "", errors.New("503 service unavailable")
	})

	frames := runOptimize(t, env, map[string]any{"prompt": "doomed run"})
	terminal := frames[len(frames)-1]
	require.Equal(t, pipeline.EventError, terminal.Event)
	assert.Equal(t, "error", terminal.Data["status"])
	assert.NotEmpty(t, terminal.Data["error"])

	recs, err := env.records.List(context.Background(), record.ListOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, record.StatusError, recs[0].Status)
	assert.NotEmpty(t, recs[0].Error)
}

func TestOptimizeStreamReportsRateLimit(t *testing.T) {
	env := newTestEnv(t)
	retryAfter := 120.0
	env.mock.SetResponseFunc(func(context.Context, providers.Request) (string, error) {
		return "", &providers.RateLimitError{
			ProviderError: providers.ProviderError{Provider: "mock", Message: "rate limit exceeded"},
			RetryAfter:    &retryAfter,
		}
	})

	frames := runOptimize(t, env, map[string]any{"prompt": "throttled run"})
	terminal := frames[len(frames)-1]
	require.Equal(t, pipeline.EventError, terminal.Event)
	assert.Equal(t, "rate_limit", terminal.Data["error_type"])
	assert.Equal(t, float64(120), terminal.Data["retry_after"])
}

func TestGetOptimizationCaching(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	frames := runOptimize(t, env, map[string]any{"prompt": "cache me"})
	completedID := frames[len(frames)-1].Data["id"].(string)

	resp, err := http.Get(env.ts.URL + "/optimize/" + completedID)
	require.NoError(t, err)
	body := decodeMap(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "max-age=3600, immutable", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "completed", body["status"])

	running := record.New("still going")
	require.NoError(t, running.TransitionTo(record.StatusRunning))
	require.NoError(t, env.records.Create(ctx, running))

	resp, err = http.Get(env.ts.URL + "/optimize/" + running.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	resp, err = http.Get(env.ts.URL + "/optimize/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelOptimization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := record.New("long running prompt")
	require.NoError(t, rec.TransitionTo(record.StatusRunning))
	require.NoError(t, env.records.Create(ctx, rec))

	resp := postJSON(t, env.ts.URL+"/optimize/"+rec.ID+"/cancel", nil)
	body := decodeMap(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, rec.ID, body["id"])
	assert.Equal(t, "cancelled", body["status"])

	stored, err := env.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusCancelled, stored.Status)

	resp = postJSON(t, env.ts.URL+"/optimize/"+rec.ID+"/cancel", nil)
	body = decodeMap(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["detail"], "not running")
}

func TestRetryReportsScoreDeltas(t *testing.T) {
	env := newTestEnv(t)

	frames := runOptimize(t, env, map[string]any{"prompt": "tighten this pitch"})
	originalID := frames[len(frames)-1].Data["id"].(string)

	env.mock.SetResponse("validate", `{
		"clarity_score": 0.95,
		"specificity_score": 0.9,
		"structure_score": 0.95,
		"faithfulness_score": 1.0,
		"is_improvement": true,
		"verdict": "Stronger on every axis."
	}`)

	resp := postJSON(t, env.ts.URL+"/optimize/"+originalID+"/retry", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	retryFrames := parseSSE(t, resp.Body)
	terminal := retryFrames[len(retryFrames)-1]
	require.Equal(t, pipeline.EventComplete, terminal.Event)

	assert.Equal(t, originalID, terminal.Data["retry_of"])
	assert.InDelta(t, 0.9525, terminal.Data["overall_score"], 1e-9)

	deltas, ok := terminal.Data["score_deltas"].(map[string]any)
	require.True(t, ok, "complete payload should carry score_deltas")
	assert.InDelta(t, 0.1, deltas["clarity"], 1e-9)
	assert.InDelta(t, 0.075, deltas["overall"], 1e-9)
}

func TestRetryMissingRecord(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.ts.URL+"/optimize/missing/retry", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBatchOptimizeAggregates(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.ts.URL+"/optimize/batch", map[string]any{
		"prompts": []string{"summarize this report", "", "draft a headline"},
	})
	body := decodeMap(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, float64(3), body["total"])
	assert.Equal(t, float64(2), body["completed"])
	assert.Equal(t, float64(1), body["failed"])

	results, ok := body["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 3)

	first := results[0].(map[string]any)
	assert.Equal(t, "completed", first["status"])
	assert.NotEmpty(t, first["id"])

	second := results[1].(map[string]any)
	assert.Equal(t, "error", second["status"])
	assert.Contains(t, second["error"], "prompt must not be empty")

	// Failed validation never creates a record.
	recs, err := env.records.List(context.Background(), record.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestBatchOptimizeLimits(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.ts.URL+"/optimize/batch", map[string]any{"prompts": []string{}})
	body := decodeMap(t, resp)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body["detail"], fmt.Sprintf("between 1 and %d", maxBatchPrompts))

	over := make([]string, maxBatchPrompts+1)
	for i := range over {
		over[i] = "prompt"
	}
	resp = postJSON(t, env.ts.URL+"/optimize/batch", map[string]any{"prompts": over})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}
