package pipeline

import (
	"context"
	"time"

	"github.com/promptforge/promptforge/strategy"
)

// StrategyStage picks the optimization strategy for the analyzed
// prompt. It delegates to the strategy selector, which tries the model
// and falls back to the deterministic heuristic chain.
type StrategyStage struct{}

func NewStrategyStage() *StrategyStage {
	return &StrategyStage{}
}

func (s *StrategyStage) Name() string { return StageStrategy }

func (s *StrategyStage) Config() StageConfig {
	return StageConfig{
		Label: "Selecting strategy",
		InitialMessages: []string{
			"Matching the task against the strategy playbook...",
		},
		ProgressMessages: []string{
			"Weighing candidate strategies...",
			"Checking for redundant techniques...",
		},
		ProgressInterval: 2500 * time.Millisecond,
		ResultEvent:      EventStrategy,
	}
}

func (s *StrategyStage) Execute(ctx context.Context, pc *Context) error {
	selector := strategy.NewSelector(pc.Provider)
	sel, usage := selector.SelectTracked(ctx, pc.RawPrompt, pc.analysisOrDefault(), pc.Codebase)
	pc.Selection = &sel
	pc.LastUsage = usage
	return nil
}
