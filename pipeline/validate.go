package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/promptforge/promptforge/logger"
	"github.com/promptforge/promptforge/providers"
	"github.com/promptforge/promptforge/template"
	"github.com/promptforge/promptforge/types"
)

// ValidateStage scores the rewrite against the original. Malformed
// model responses are absorbed into neutral defaults rather than
// failing the run: by this point the optimization itself succeeded, and
// a lost verdict should not discard it.
type ValidateStage struct {
	renderer *template.Renderer
	retry    providers.RetryConfig
}

func NewValidateStage(renderer *template.Renderer, retry providers.RetryConfig) *ValidateStage {
	return &ValidateStage{renderer: renderer, retry: retry}
}

func (s *ValidateStage) Name() string { return StageValidate }

func (s *ValidateStage) Config() StageConfig {
	return StageConfig{
		Label: "Validating result",
		InitialMessages: []string{
			"Comparing the rewrite against the original...",
		},
		ProgressMessages: []string{
			"Scoring clarity and specificity...",
			"Checking intent preservation...",
		},
		ProgressInterval: 2500 * time.Millisecond,
		ResultEvent:      EventValidation,
	}
}

func (s *ValidateStage) Execute(ctx context.Context, pc *Context) error {
	optimized := pc.CurrentPrompt
	if pc.Optimization != nil {
		optimized = pc.Optimization.OptimizedPrompt
	}

	adherenceSection := ""
	adherenceField := ""
	if pc.Selection != nil {
		adherenceSection = fmt.Sprintf(
			"- framework_adherence_score: how faithfully does the rewrite apply the %s strategy?\n",
			pc.Selection.Strategy)
		adherenceField = "\n  \"framework_adherence_score\": <0.0-1.0>,"
	}

	system := s.renderer.RenderOnce(validateTemplate, map[string]string{
		"raw_prompt":        pc.RawPrompt,
		"optimized_prompt":  optimized,
		"adherence_section": adherenceSection,
		"adherence_field":   adherenceField,
	})

	resp, err := providers.CompleteWithRetry(ctx, pc.Provider, providers.Request{
		System:   system,
		Messages: []types.Message{types.UserMessage("Score the optimized prompt.")},
		Metadata: map[string]string{"stage": StageValidate},
	}, s.retry)
	if err != nil {
		return err
	}
	pc.LastUsage = resp.Usage

	parsed, parseErr := providers.ParseJSONObject(resp.Content)
	if parseErr != nil {
		logger.WarnContext(ctx, "validator response unparseable, using neutral defaults",
			"run_id", pc.RunID, "error", parseErr)
		parsed = map[string]any{}
	}

	validation := coerceValidation(parsed)
	validation.Finalize()
	pc.Validation = &validation
	return nil
}

// coerceValidation builds a ValidationResult from whatever the model
// sent. Missing or mistyped scores default to 0.5 and the verdict to a
// placeholder, so a sloppy response degrades instead of erroring.
func coerceValidation(parsed map[string]any) types.ValidationResult {
	v := types.ValidationResult{
		Clarity:       coerceScore(parsed["clarity_score"]),
		Specificity:   coerceScore(parsed["specificity_score"]),
		Structure:     coerceScore(parsed["structure_score"]),
		Faithfulness:  coerceScore(parsed["faithfulness_score"]),
		IsImprovement: coerceImprovement(parsed["is_improvement"]),
	}

	if raw, ok := parsed["framework_adherence_score"]; ok {
		if f, isNumber := raw.(float64); isNumber {
			fa := types.Clamp01(f)
			v.FrameworkAdherence = &fa
		}
	}

	verdict, _ := parsed["verdict"].(string)
	if verdict == "" {
		verdict = "No verdict available."
	}
	v.Verdict = verdict
	return v
}

func coerceScore(v any) float64 {
	switch f := v.(type) {
	case float64:
		return types.Clamp01(f)
	case int:
		return types.Clamp01(float64(f))
	default:
		return 0.5
	}
}

// coerceImprovement mirrors the truthiness rules responses have always
// been held to: any non-empty string counts as true, including "false".
// The Finalize cross-check overrides the flag at both score extremes,
// which in practice bounds the damage of that quirk.
func coerceImprovement(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b != ""
	case float64:
		return b != 0
	default:
		return false
	}
}
