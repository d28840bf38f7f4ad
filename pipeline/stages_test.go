package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/promptforge/codebase"
	"github.com/promptforge/promptforge/providers"
	"github.com/promptforge/promptforge/strategy"
	"github.com/promptforge/promptforge/template"
	"github.com/promptforge/promptforge/types"
)

func newStageContext(mock *providers.MockProvider, rawPrompt string) *Context {
	return newContext(RunRequest{
		RunID:     "stage-test",
		RawPrompt: rawPrompt,
		Provider:  mock,
	})
}

func TestNormalizeStages(t *testing.T) {
	tests := []struct {
		name      string
		requested []string
		want      []string
		wantErr   string
	}{
		{
			name:      "empty selects everything",
			requested: nil,
			want:      []string{StageAnalyze, StageStrategy, StageOptimize, StageValidate},
		},
		{
			name:      "subset reordered to canonical",
			requested: []string{StageValidate, StageAnalyze},
			want:      []string{StageAnalyze, StageValidate},
		},
		{
			name:      "duplicates collapse",
			requested: []string{StageOptimize, StageOptimize},
			want:      []string{StageOptimize},
		},
		{
			name:      "unknown stage rejected",
			requested: []string{"deploy"},
			wantErr:   `unknown stage "deploy"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeStages(tt.requested)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAnalyzeStageExecute(t *testing.T) {
	mock := providers.NewMockProvider("mock", "mock-model")
	mock.SetResponse(StageAnalyze, `{
		"task_type": "Coding",
		"complexity": "High",
		"weaknesses": ["vague output format", 42],
		"strengths": "already states the language"
	}`)

	pc := newStageContext(mock, "write a parser")
	st := NewAnalyzeStage(template.NewRenderer(), providers.DefaultRetryConfig())

	require.NoError(t, st.Execute(context.Background(), pc))
	require.NotNil(t, pc.Analysis)
	assert.Equal(t, "coding", pc.Analysis.TaskType)
	assert.Equal(t, "high", pc.Analysis.Complexity)
	assert.Equal(t, []string{"vague output format"}, pc.Analysis.Weaknesses)
	assert.Equal(t, []string{"already states the language"}, pc.Analysis.Strengths)
	assert.Positive(t, pc.LastUsage.Total())

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "write a parser", calls[0].Messages[0].Content)
	assert.Equal(t, StageAnalyze, calls[0].Metadata["stage"])
}

func TestAnalyzeStageDefaultsAndErrors(t *testing.T) {
	t.Run("missing fields default", func(t *testing.T) {
		mock := providers.NewMockProvider("mock", "mock-model")
		mock.SetResponse(StageAnalyze, `{"complexity": "EXTREME"}`)

		pc := newStageContext(mock, "do something")
		st := NewAnalyzeStage(template.NewRenderer(), providers.DefaultRetryConfig())

		require.NoError(t, st.Execute(context.Background(), pc))
		assert.Equal(t, "general", pc.Analysis.TaskType)
		assert.Equal(t, "medium", pc.Analysis.Complexity)
		assert.Empty(t, pc.Analysis.Weaknesses)
	})

	t.Run("unparseable response fails", func(t *testing.T) {
		mock := providers.NewMockProvider("mock", "mock-model")
		mock.SetResponse(StageAnalyze, "I would rather chat about the weather.")

		pc := newStageContext(mock, "do something")
		st := NewAnalyzeStage(template.NewRenderer(), providers.DefaultRetryConfig())

		err := st.Execute(context.Background(), pc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing analysis response")
		assert.Positive(t, pc.LastUsage.Total(), "spend is recorded even when parsing fails")
	})
}

func TestAnalyzeStageEmbedsCodebaseContext(t *testing.T) {
	mock := providers.NewMockProvider("mock", "mock-model")
	pc := newStageContext(mock, "add an endpoint")
	pc.Codebase = &codebase.Context{Language: "Go", Framework: "chi"}

	st := NewAnalyzeStage(template.NewRenderer(), providers.DefaultRetryConfig())
	require.NoError(t, st.Execute(context.Background(), pc))

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].System, "CODEBASE CONTEXT")
	assert.Contains(t, calls[0].System, "Language: Go")
	assert.Contains(t, calls[0].System, "Framework: chi")
}

func TestOptimizeStageExecute(t *testing.T) {
	mock := providers.NewMockProvider("mock", "mock-model")
	mock.SetResponse(StageOptimize, `{
		"optimized_prompt": "You are a senior engineer. Rewrite the function with tests.",
		"changes_made": ["added persona", "required tests"],
		"optimization_notes": "persona plus explicit deliverable"
	}`)

	sel := strategy.NewSelection(strategy.PersonaAssignment, "test", 0.9, "coding", false, nil)
	pc := newStageContext(mock, "fix my function")
	pc.Selection = &sel

	st := NewOptimizeStage(template.NewRenderer(), providers.DefaultRetryConfig())
	require.NoError(t, st.Execute(context.Background(), pc))

	require.NotNil(t, pc.Optimization)
	assert.Equal(t, "You are a senior engineer. Rewrite the function with tests.", pc.Optimization.OptimizedPrompt)
	// framework_applied was omitted, so the selection's strategy fills in.
	assert.Equal(t, string(strategy.PersonaAssignment), pc.Optimization.FrameworkApplied)
	assert.Equal(t, []string{"added persona", "required tests"}, pc.Optimization.ChangesMade)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "fix my function", calls[0].Messages[0].Content)
	assert.Contains(t, calls[0].System, string(strategy.PersonaAssignment))
}

func TestOptimizeStageEmptyRewrite(t *testing.T) {
	mock := providers.NewMockProvider("mock", "mock-model")
	mock.SetResponse(StageOptimize, `{"optimized_prompt": "   "}`)

	pc := newStageContext(mock, "fix my function")
	st := NewOptimizeStage(template.NewRenderer(), providers.DefaultRetryConfig())

	err := st.Execute(context.Background(), pc)
	require.ErrorIs(t, err, ErrEmptyOptimization)
	assert.Nil(t, pc.Optimization)
	assert.Positive(t, pc.LastUsage.Total())
}

func TestOptimizeStageSelfHealsSelection(t *testing.T) {
	mock := providers.NewMockProvider("mock", "mock-model")
	pc := newStageContext(mock, "explain how DNS resolution works")
	require.Nil(t, pc.Selection)

	st := NewOptimizeStage(template.NewRenderer(), providers.DefaultRetryConfig())
	require.NoError(t, st.Execute(context.Background(), pc))

	require.NotNil(t, pc.Selection, "a skipped strategy stage is backfilled heuristically")
	assert.False(t, pc.Selection.IsOverride)
	assert.NotEmpty(t, pc.Selection.Reasoning)
	require.NotNil(t, pc.Optimization)
}

func TestOptimizeStageRewritesPreviousIteration(t *testing.T) {
	mock := providers.NewMockProvider("mock", "mock-model")
	pc := newStageContext(mock, "original prompt")
	pc.CurrentPrompt = "previous rewrite"

	st := NewOptimizeStage(template.NewRenderer(), providers.DefaultRetryConfig())
	require.NoError(t, st.Execute(context.Background(), pc))

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "previous rewrite", calls[0].Messages[0].Content)
}

func TestSecondarySection(t *testing.T) {
	assert.Empty(t, secondarySection(nil))

	got := secondarySection([]strategy.Strategy{strategy.ChainOfThought, strategy.StructuredOutput})
	assert.Contains(t, got, "Blend in these secondary frameworks")
	assert.Contains(t, got, string(strategy.ChainOfThought))
	assert.Contains(t, got, string(strategy.StructuredOutput))
}

func TestValidateStageExecute(t *testing.T) {
	mock := providers.NewMockProvider("mock", "mock-model")
	mock.SetResponse(StageValidate, `{
		"clarity_score": 0.9,
		"specificity_score": 0.8,
		"structure_score": 0.7,
		"faithfulness_score": 1.0,
		"framework_adherence_score": 0.85,
		"is_improvement": true,
		"verdict": "Much sharper."
	}`)

	sel := strategy.NewSelection(strategy.StructuredOutput, "test", 0.9, "coding", false, nil)
	pc := newStageContext(mock, "raw")
	pc.Selection = &sel
	pc.Optimization = &types.OptimizationResult{OptimizedPrompt: "the rewrite"}

	st := NewValidateStage(template.NewRenderer(), providers.DefaultRetryConfig())
	require.NoError(t, st.Execute(context.Background(), pc))

	v := pc.Validation
	require.NotNil(t, v)
	// .25*.9 + .25*.8 + .20*.7 + .30*1.0
	assert.InDelta(t, 0.8650, v.OverallScore, 1e-9)
	assert.True(t, v.IsImprovement)
	assert.Equal(t, "Much sharper.", v.Verdict)
	require.NotNil(t, v.FrameworkAdherence)
	assert.InDelta(t, 0.85, *v.FrameworkAdherence, 1e-9)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].System, "the rewrite")
	assert.Contains(t, calls[0].System, "framework_adherence_score")
	assert.Contains(t, calls[0].System, string(strategy.StructuredOutput))
}

func TestValidateStageAbsorbsBadJSON(t *testing.T) {
	mock := providers.NewMockProvider("mock", "mock-model")
	mock.SetResponse(StageValidate, "The rewrite looks good to me!")

	pc := newStageContext(mock, "raw")
	st := NewValidateStage(template.NewRenderer(), providers.DefaultRetryConfig())

	require.NoError(t, st.Execute(context.Background(), pc), "a lost verdict does not fail the run")

	v := pc.Validation
	require.NotNil(t, v)
	assert.Equal(t, 0.5, v.Clarity)
	assert.Equal(t, 0.5, v.Specificity)
	assert.Equal(t, 0.5, v.Structure)
	assert.Equal(t, 0.5, v.Faithfulness)
	assert.InDelta(t, 0.5, v.OverallScore, 1e-9)
	assert.False(t, v.IsImprovement)
	assert.Equal(t, "No verdict available.", v.Verdict)
	assert.Nil(t, v.FrameworkAdherence)
}

func TestValidateStageImprovementCoercion(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     bool
	}{
		{
			// String truthiness: any non-empty string counts, even "false".
			name:     "string false is still truthy",
			response: `{"clarity_score": 0.5, "specificity_score": 0.5, "structure_score": 0.5, "faithfulness_score": 0.5, "is_improvement": "false", "verdict": "eh"}`,
			want:     true,
		},
		{
			name:     "empty string is falsy",
			response: `{"clarity_score": 0.5, "specificity_score": 0.5, "structure_score": 0.5, "faithfulness_score": 0.5, "is_improvement": "", "verdict": "eh"}`,
			want:     false,
		},
		{
			name:     "low scores override a true flag",
			response: `{"clarity_score": 0.2, "specificity_score": 0.2, "structure_score": 0.2, "faithfulness_score": 0.2, "is_improvement": true, "verdict": "weak"}`,
			want:     false,
		},
		{
			name:     "high scores override a false flag",
			response: `{"clarity_score": 0.9, "specificity_score": 0.9, "structure_score": 0.9, "faithfulness_score": 0.9, "is_improvement": false, "verdict": "strong"}`,
			want:     true,
		},
		{
			name:     "numeric flag follows nonzero",
			response: `{"clarity_score": 0.5, "specificity_score": 0.5, "structure_score": 0.5, "faithfulness_score": 0.5, "is_improvement": 1, "verdict": "eh"}`,
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := providers.NewMockProvider("mock", "mock-model")
			mock.SetResponse(StageValidate, tt.response)

			pc := newStageContext(mock, "raw")
			st := NewValidateStage(template.NewRenderer(), providers.DefaultRetryConfig())

			require.NoError(t, st.Execute(context.Background(), pc))
			assert.Equal(t, tt.want, pc.Validation.IsImprovement)
		})
	}
}

func TestValidateStageClampsScores(t *testing.T) {
	mock := providers.NewMockProvider("mock", "mock-model")
	mock.SetResponse(StageValidate, `{
		"clarity_score": 1.7,
		"specificity_score": -0.3,
		"structure_score": 0.5,
		"faithfulness_score": 0.5,
		"is_improvement": false,
		"verdict": "odd numbers"
	}`)

	pc := newStageContext(mock, "raw")
	st := NewValidateStage(template.NewRenderer(), providers.DefaultRetryConfig())

	require.NoError(t, st.Execute(context.Background(), pc))
	assert.Equal(t, 1.0, pc.Validation.Clarity)
	assert.Equal(t, 0.0, pc.Validation.Specificity)
}

func TestValidateStageWithoutSelection(t *testing.T) {
	mock := providers.NewMockProvider("mock", "mock-model")
	pc := newStageContext(mock, "raw")

	st := NewValidateStage(template.NewRenderer(), providers.DefaultRetryConfig())
	require.NoError(t, st.Execute(context.Background(), pc))

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.NotContains(t, calls[0].System, "framework_adherence_score",
		"adherence scoring only applies when a strategy was selected")
	assert.Nil(t, pc.Validation.FrameworkAdherence)
}
