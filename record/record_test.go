package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/promptforge/types"
)

func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }

func TestNewRecord(t *testing.T) {
	r := New("make this prompt better")

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "make this prompt better", r.RawPrompt)
	assert.False(t, r.CreatedAt.IsZero())
	assert.Nil(t, r.StartedAt)
	assert.Nil(t, r.CompletedAt)
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		ok   bool
	}{
		{"pending starts running", StatusPending, StatusRunning, true},
		{"pending can cancel", StatusPending, StatusCancelled, true},
		{"pending cannot complete directly", StatusPending, StatusCompleted, false},
		{"running completes", StatusRunning, StatusCompleted, true},
		{"running errors", StatusRunning, StatusError, true},
		{"running cancels", StatusRunning, StatusCancelled, true},
		{"running cannot go back to pending", StatusRunning, StatusPending, false},
		{"completed is terminal", StatusCompleted, StatusRunning, false},
		{"error is terminal", StatusError, StatusRunning, false},
		{"cancelled is terminal", StatusCancelled, StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New("x")
			r.Status = tt.from
			err := r.TransitionTo(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, r.Status)
			} else {
				require.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, r.Status, "failed transition leaves status unchanged")
			}
		})
	}
}

func TestTransitionStampsTimestamps(t *testing.T) {
	r := New("x")

	require.NoError(t, r.TransitionTo(StatusRunning))
	require.NotNil(t, r.StartedAt)
	assert.Nil(t, r.CompletedAt)

	require.NoError(t, r.TransitionTo(StatusCompleted))
	require.NotNil(t, r.CompletedAt)
	assert.True(t, r.Status.Terminal())
}

func TestTransitionRejectsUnknownStatus(t *testing.T) {
	r := New("x")
	err := r.TransitionTo(Status("exploded"))
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTags(t *testing.T) {
	r := New("x")

	assert.True(t, r.AddTag("alpha"))
	assert.False(t, r.AddTag("alpha"), "adding a present tag is a no-op")
	assert.True(t, r.AddTag("beta"))
	assert.Equal(t, []string{"alpha", "beta"}, r.Tags)

	assert.True(t, r.RemoveTag("alpha"))
	assert.False(t, r.RemoveTag("alpha"), "removing an absent tag is a no-op")
	assert.Equal(t, []string{"beta"}, r.Tags)
}

func TestClone(t *testing.T) {
	r := New("x")
	r.Tags = []string{"a"}
	r.Weaknesses = []string{"vague"}
	r.ClarityScore = floatPtr(0.8)

	c := r.Clone()
	c.Tags[0] = "mutated"
	c.Weaknesses[0] = "mutated"
	*c.ClarityScore = 0.1

	assert.Equal(t, "a", r.Tags[0])
	assert.Equal(t, "vague", r.Weaknesses[0])
	assert.Equal(t, 0.8, *r.ClarityScore)
}

func TestResponsePayload(t *testing.T) {
	r := New("raw")
	r.Status = StatusCompleted
	r.OptimizedPrompt = "better"
	r.TaskType = "coding"
	r.Strategy = "structured-output"
	r.StrategyConfidence = 0.85
	r.ClarityScore = floatPtr(0.9)
	r.SpecificityScore = floatPtr(0.8)
	r.StructureScore = floatPtr(0.7)
	r.FaithfulnessScore = floatPtr(1.0)
	r.OverallScore = floatPtr(0.865)
	r.IsImprovement = boolPtr(true)
	r.Verdict = "better"
	r.DurationMS = 1234
	r.Usage = types.NewTokenUsage(100, 50)

	payload := r.ResponsePayload()

	assert.Equal(t, r.ID, payload["id"])
	assert.Equal(t, "completed", payload["status"])
	assert.Equal(t, "better", payload["optimized_prompt"])
	assert.Equal(t, 0.9, payload["clarity_score"])
	assert.Equal(t, 0.865, payload["overall_score"])
	assert.Equal(t, true, payload["is_improvement"])
	assert.Equal(t, 0.85, payload["strategy_confidence"])
	assert.Equal(t, 100, payload["input_tokens"])
	assert.Equal(t, 50, payload["output_tokens"])
	assert.Equal(t, 0, payload["cache_creation_input_tokens"])

	display, ok := payload["display_scores"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 9, display["clarity"])
	assert.Equal(t, 9, display["overall"]) // 8.65 rounds half-up to 9
	assert.Equal(t, 7, display["structure"])
}

func TestResponsePayloadOmitsUnscored(t *testing.T) {
	r := New("raw")
	payload := r.ResponsePayload()

	assert.NotContains(t, payload, "clarity_score")
	assert.NotContains(t, payload, "overall_score")
	assert.NotContains(t, payload, "is_improvement")
	assert.NotContains(t, payload, "display_scores")
	assert.NotContains(t, payload, "strategy_confidence")
	assert.Equal(t, 0, payload["input_tokens"])
}

func TestScoreDeltas(t *testing.T) {
	original := New("raw")
	original.ClarityScore = floatPtr(0.6)
	original.SpecificityScore = floatPtr(0.5)
	original.OverallScore = floatPtr(0.55)

	retry := New("raw")
	retry.ClarityScore = floatPtr(0.9)
	retry.SpecificityScore = floatPtr(0.45)
	retry.OverallScore = floatPtr(0.7)
	// StructureScore scored only on the retry: no delta for it.
	retry.StructureScore = floatPtr(0.8)

	deltas := ScoreDeltas(original, retry)
	require.NotNil(t, deltas)
	assert.InDelta(t, 0.3, deltas["clarity"], 1e-9)
	assert.InDelta(t, -0.05, deltas["specificity"], 1e-9)
	assert.InDelta(t, 0.15, deltas["overall"], 1e-9)
	assert.NotContains(t, deltas, "structure")
	assert.NotContains(t, deltas, "faithfulness")
}

func TestScoreDeltasNilCases(t *testing.T) {
	assert.Nil(t, ScoreDeltas(nil, New("x")))
	assert.Nil(t, ScoreDeltas(New("x"), nil))
	assert.Nil(t, ScoreDeltas(New("x"), New("y")), "no shared scored dimensions")
}

func TestRecordTimestampsSurviveClone(t *testing.T) {
	r := New("x")
	require.NoError(t, r.TransitionTo(StatusRunning))

	c := r.Clone()
	require.NotNil(t, c.StartedAt)
	assert.WithinDuration(t, *r.StartedAt, *c.StartedAt, time.Millisecond)
}
