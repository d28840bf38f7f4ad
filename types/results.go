package types

import (
	"math"
	"strings"
)

// Prompt complexity levels produced by the analysis stage.
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// AnalysisResult is the analysis stage's assessment of a raw prompt.
type AnalysisResult struct {
	TaskType   string   `json:"task_type"`  // canonical lowercase task type
	Complexity string   `json:"complexity"` // low, medium, high
	Weaknesses []string `json:"weaknesses"`
	Strengths  []string `json:"strengths"`
}

// NewAnalysisResult normalizes task type and complexity at construction.
// Unknown complexity values fall back to medium.
func NewAnalysisResult(taskType, complexity string, weaknesses, strengths []string) AnalysisResult {
	c := strings.ToLower(strings.TrimSpace(complexity))
	switch c {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
	default:
		c = ComplexityMedium
	}
	return AnalysisResult{
		TaskType:   strings.ToLower(strings.TrimSpace(taskType)),
		Complexity: c,
		Weaknesses: weaknesses,
		Strengths:  strengths,
	}
}

// OptimizationResult is the optimizer stage's rewrite of the prompt.
type OptimizationResult struct {
	OptimizedPrompt   string   `json:"optimized_prompt"`
	FrameworkApplied  string   `json:"framework_applied"`
	ChangesMade       []string `json:"changes_made"`
	OptimizationNotes string   `json:"optimization_notes"`
}

// Weighted contribution of each dimension to the overall score.
const (
	clarityWeight      = 0.25
	specificityWeight  = 0.25
	structureWeight    = 0.20
	faithfulnessWeight = 0.30
)

// ValidationResult scores an optimized prompt against the original.
// All dimension scores live in [0, 1]; OverallScore is computed
// server-side, never trusted from the model.
type ValidationResult struct {
	Clarity            float64  `json:"clarity_score"`
	Specificity        float64  `json:"specificity_score"`
	Structure          float64  `json:"structure_score"`
	Faithfulness       float64  `json:"faithfulness_score"`
	FrameworkAdherence *float64 `json:"framework_adherence_score,omitempty"`
	OverallScore       float64  `json:"overall_score"`
	IsImprovement      bool     `json:"is_improvement"`
	Verdict            string   `json:"verdict"`
}

// Finalize clamps every dimension, recomputes the weighted overall
// score, and applies the improvement cross-check: an overall score
// below 0.4 can never be an improvement, one above 0.7 always is.
func (v *ValidationResult) Finalize() {
	v.Clarity = Clamp01(v.Clarity)
	v.Specificity = Clamp01(v.Specificity)
	v.Structure = Clamp01(v.Structure)
	v.Faithfulness = Clamp01(v.Faithfulness)
	if v.FrameworkAdherence != nil {
		fa := Clamp01(*v.FrameworkAdherence)
		v.FrameworkAdherence = &fa
	}
	v.OverallScore = round4(v.Clarity*clarityWeight +
		v.Specificity*specificityWeight +
		v.Structure*structureWeight +
		v.Faithfulness*faithfulnessWeight)
	if v.OverallScore < 0.4 {
		v.IsImprovement = false
	} else if v.OverallScore > 0.7 {
		v.IsImprovement = true
	}
}

// Clamp01 bounds v to the inclusive [0, 1] range.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// DisplayScore projects a [0, 1] score onto the 1-10 integer scale
// external CLIs expect, rounding half-up.
func DisplayScore(score float64) int {
	return int(math.Floor(Clamp01(score)*10 + 0.5))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
