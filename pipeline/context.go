package pipeline

import (
	"time"

	"github.com/promptforge/promptforge/codebase"
	"github.com/promptforge/promptforge/providers"
	"github.com/promptforge/promptforge/strategy"
	"github.com/promptforge/promptforge/types"
)

// Context is the mutable state one run threads through its stages. A
// fresh Context is built per run; stages read upstream results and
// write their own, so no state leaks between runs.
type Context struct {
	RunID     string
	RawPrompt string

	// CurrentPrompt is what the optimizer rewrites this cycle: the raw
	// prompt on the first iteration, the previous optimized prompt on
	// refinement iterations.
	CurrentPrompt string

	Provider providers.Provider
	Codebase *codebase.Context

	Analysis     *types.AnalysisResult
	Selection    *strategy.Selection
	Optimization *types.OptimizationResult
	Validation   *types.ValidationResult

	// Iteration counts optimize/validate cycles, starting at 1.
	Iteration int

	// LastUsage is the spend of the most recent stage; the orchestrator
	// folds it into TotalUsage after each stage returns.
	LastUsage  types.TokenUsage
	TotalUsage types.TokenUsage

	StartedAt time.Time
}

func newContext(req RunRequest) *Context {
	return &Context{
		RunID:         req.RunID,
		RawPrompt:     req.RawPrompt,
		CurrentPrompt: req.RawPrompt,
		Provider:      req.Provider,
		Codebase:      req.Context,
		Iteration:     1,
		StartedAt:     time.Now(),
	}
}

// absorbUsage moves the stage's spend into the running total.
func (c *Context) absorbUsage() {
	if !c.LastUsage.IsZero() {
		c.TotalUsage = c.TotalUsage.Add(c.LastUsage)
		c.LastUsage = types.TokenUsage{}
	}
}

// contextBlock renders the codebase context for prompt embedding, empty
// when no context resolved.
func (c *Context) contextBlock() string {
	if c.Codebase == nil {
		return ""
	}
	return c.Codebase.Render()
}

// analysisOrDefault supplies a neutral analysis when the analyze stage
// was skipped, so downstream stages never branch on nil.
func (c *Context) analysisOrDefault() types.AnalysisResult {
	if c.Analysis != nil {
		return *c.Analysis
	}
	return types.NewAnalysisResult("general", types.ComplexityMedium, nil, nil)
}
