package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/promptforge/promptforge/providers"
	"github.com/promptforge/promptforge/template"
	"github.com/promptforge/promptforge/types"
)

// AnalyzeStage classifies the raw prompt: task type, complexity, and
// the weaknesses the optimizer should fix.
type AnalyzeStage struct {
	renderer *template.Renderer
	retry    providers.RetryConfig
}

func NewAnalyzeStage(renderer *template.Renderer, retry providers.RetryConfig) *AnalyzeStage {
	return &AnalyzeStage{renderer: renderer, retry: retry}
}

func (s *AnalyzeStage) Name() string { return StageAnalyze }

func (s *AnalyzeStage) Config() StageConfig {
	return StageConfig{
		Label: "Analyzing prompt",
		InitialMessages: []string{
			"Reading the prompt and identifying the task...",
			"Assessing complexity and structure...",
		},
		ProgressMessages: []string{
			"Cataloging weaknesses...",
			"Noting existing strengths...",
			"Still analyzing...",
		},
		ProgressInterval: 2500 * time.Millisecond,
		ResultEvent:      EventAnalysis,
	}
}

func (s *AnalyzeStage) Execute(ctx context.Context, pc *Context) error {
	system := s.renderer.RenderOnce(analyzeTemplate, map[string]string{
		"context_section": contextSection(pc.contextBlock()),
	})

	resp, err := providers.CompleteWithRetry(ctx, pc.Provider, providers.Request{
		System:   system,
		Messages: []types.Message{types.UserMessage(pc.RawPrompt)},
		Metadata: map[string]string{"stage": StageAnalyze},
	}, s.retry)
	if err != nil {
		return err
	}
	pc.LastUsage = resp.Usage

	parsed, err := providers.ParseJSONObject(resp.Content)
	if err != nil {
		return fmt.Errorf("parsing analysis response: %w", err)
	}

	analysis := coerceAnalysis(parsed)
	pc.Analysis = &analysis
	return nil
}

// coerceAnalysis maps a parsed model response onto AnalysisResult,
// tolerating missing or mistyped fields.
func coerceAnalysis(parsed map[string]any) types.AnalysisResult {
	taskType, _ := parsed["task_type"].(string)
	if taskType == "" {
		taskType = "general"
	}
	complexity, _ := parsed["complexity"].(string)
	return types.NewAnalysisResult(
		taskType,
		complexity,
		coerceStringList(parsed["weaknesses"]),
		coerceStringList(parsed["strengths"]),
	)
}

func coerceStringList(v any) []string {
	switch items := v.(type) {
	case []string:
		return append([]string(nil), items...)
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if items == "" {
			return nil
		}
		return []string{items}
	default:
		return nil
	}
}
