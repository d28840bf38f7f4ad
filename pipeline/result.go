package pipeline

import (
	"github.com/promptforge/promptforge/strategy"
	"github.com/promptforge/promptforge/types"
)

// Result is the aggregated outcome of a completed run.
type Result struct {
	RunID           string                    `json:"run_id"`
	RawPrompt       string                    `json:"raw_prompt"`
	OptimizedPrompt string                    `json:"optimized_prompt"`
	Analysis        *types.AnalysisResult     `json:"analysis,omitempty"`
	Selection       *strategy.Selection       `json:"selection,omitempty"`
	Optimization    *types.OptimizationResult `json:"optimization,omitempty"`
	Validation      *types.ValidationResult   `json:"validation,omitempty"`
	Iterations      int                       `json:"iterations"`
	StagesRun       []string                  `json:"stages_run"`
	TotalUsage      types.TokenUsage          `json:"total_usage"`
	ModelUsed       string                    `json:"model_used"`
	DurationMS      int64                     `json:"duration_ms"`
}

// OverallScore returns the validation score, or zero when the validate
// stage did not run.
func (r *Result) OverallScore() float64 {
	if r.Validation == nil {
		return 0
	}
	return r.Validation.OverallScore
}

// StrategyApplied names the strategy used, empty when selection never
// happened.
func (r *Result) StrategyApplied() string {
	if r.Selection == nil {
		return ""
	}
	return string(r.Selection.Strategy)
}

// Payload flattens the result into the complete-event body.
func (r *Result) Payload() map[string]any {
	payload := map[string]any{
		"optimization_id":  r.RunID,
		"raw_prompt":       r.RawPrompt,
		"optimized_prompt": r.OptimizedPrompt,
		"iterations":       r.Iterations,
		"stages_run":       r.StagesRun,
		"total_usage":      r.TotalUsage,
		"model_used":       r.ModelUsed,
		"duration_ms":      r.DurationMS,
	}
	if r.Analysis != nil {
		payload["analysis"] = r.Analysis
	}
	if r.Selection != nil {
		payload["strategy"] = r.Selection
	}
	if r.Optimization != nil {
		payload["optimization"] = r.Optimization
	}
	if r.Validation != nil {
		payload["validation"] = r.Validation
		payload["overall_score"] = r.Validation.OverallScore
	}
	return payload
}
