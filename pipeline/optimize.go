package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/promptforge/promptforge/providers"
	"github.com/promptforge/promptforge/strategy"
	"github.com/promptforge/promptforge/template"
	"github.com/promptforge/promptforge/types"
)

// ErrEmptyOptimization signals a model response whose rewrite came back
// blank. The run fails rather than silently shipping the input prompt
// as its own optimization.
var ErrEmptyOptimization = errors.New("model returned an empty optimized prompt")

// OptimizeStage rewrites the current prompt under the selected
// strategy. On refinement iterations the current prompt is the previous
// rewrite, so improvements compound.
type OptimizeStage struct {
	renderer *template.Renderer
	retry    providers.RetryConfig
}

func NewOptimizeStage(renderer *template.Renderer, retry providers.RetryConfig) *OptimizeStage {
	return &OptimizeStage{renderer: renderer, retry: retry}
}

func (s *OptimizeStage) Name() string { return StageOptimize }

func (s *OptimizeStage) Config() StageConfig {
	return StageConfig{
		Label: "Optimizing prompt",
		InitialMessages: []string{
			"Applying the selected strategy...",
			"Rewriting for clarity and specificity...",
		},
		ProgressMessages: []string{
			"Restructuring the prompt...",
			"Making implicit requirements explicit...",
			"Polishing the rewrite...",
		},
		ProgressInterval: 3 * time.Second,
		ResultEvent:      EventOptimization,
	}
}

func (s *OptimizeStage) Execute(ctx context.Context, pc *Context) error {
	sel := s.ensureSelection(pc)

	system := s.renderer.RenderOnce(optimizeTemplate, map[string]string{
		"strategy":             string(sel.Strategy),
		"strategy_description": strategy.Describe(sel.Strategy),
		"secondary_section":    secondarySection(sel.SecondaryFrameworks),
		"reasoning_hint":       strategy.ReasoningSuffix(sel.Strategy),
		"context_section":      contextSection(pc.contextBlock()),
	})

	resp, err := providers.CompleteWithRetry(ctx, pc.Provider, providers.Request{
		System:   system,
		Messages: []types.Message{types.UserMessage(pc.CurrentPrompt)},
		Metadata: map[string]string{"stage": StageOptimize},
	}, s.retry)
	if err != nil {
		return err
	}
	pc.LastUsage = resp.Usage

	parsed, err := providers.ParseJSONObject(resp.Content)
	if err != nil {
		return fmt.Errorf("parsing optimization response: %w", err)
	}

	result, err := coerceOptimization(parsed, sel)
	if err != nil {
		return err
	}
	pc.Optimization = &result
	return nil
}

// ensureSelection supplies a heuristic selection when the strategy
// stage was skipped without an override, so subset runs still apply a
// coherent strategy.
func (s *OptimizeStage) ensureSelection(pc *Context) strategy.Selection {
	if pc.Selection != nil {
		return *pc.Selection
	}
	selector := strategy.NewSelector(nil)
	sel := selector.SelectHeuristic(pc.RawPrompt, pc.analysisOrDefault(), pc.Codebase)
	pc.Selection = &sel
	return sel
}

func secondarySection(secondaries []strategy.Strategy) string {
	if len(secondaries) == 0 {
		return ""
	}
	parts := make([]string, 0, len(secondaries))
	for _, sec := range secondaries {
		parts = append(parts, fmt.Sprintf("%s (%s)", sec, strategy.Describe(sec)))
	}
	return "Blend in these secondary frameworks where they reinforce the primary: " +
		strings.Join(parts, "; ") + ".\n"
}

func coerceOptimization(parsed map[string]any, sel strategy.Selection) (types.OptimizationResult, error) {
	optimized, _ := parsed["optimized_prompt"].(string)
	if strings.TrimSpace(optimized) == "" {
		return types.OptimizationResult{}, ErrEmptyOptimization
	}

	framework, _ := parsed["framework_applied"].(string)
	if framework == "" {
		framework = string(sel.Strategy)
	}
	notes, _ := parsed["optimization_notes"].(string)

	return types.OptimizationResult{
		OptimizedPrompt:   optimized,
		FrameworkApplied:  framework,
		ChangesMade:       coerceStringList(parsed["changes_made"]),
		OptimizationNotes: notes,
	}, nil
}
