package pipeline

import (
	"context"
	"fmt"
	"time"
)

// Canonical stage names in execution order.
const (
	StageAnalyze  = "analyze"
	StageStrategy = "strategy"
	StageOptimize = "optimize"
	StageValidate = "validate"
)

// stageOrder fixes the canonical sequence; requested subsets are
// reordered to match it.
var stageOrder = []string{StageAnalyze, StageStrategy, StageOptimize, StageValidate}

// Stage is one pipeline step. Execute reads its inputs from the run
// Context and writes its result back, recording token spend in
// Context.LastUsage.
type Stage interface {
	Name() string
	Config() StageConfig
	Execute(ctx context.Context, pc *Context) error
}

// StageConfig drives the streaming choreography around a stage: the
// label shown to clients, the scripted messages emitted while the stage
// works, and the event name its result is published under.
type StageConfig struct {
	// Label is the human-readable stage name for stage_start events.
	Label string

	// InitialMessages are emitted in order right after stage_start,
	// each with a higher progress value, before the stage's own work
	// produces anything.
	InitialMessages []string

	// ProgressMessages cycle on the progress pump while the stage runs
	// longer than ProgressInterval.
	ProgressMessages []string

	// ProgressInterval is the pump period. Zero uses the orchestrator
	// default.
	ProgressInterval time.Duration

	// ResultEvent names the SSE event carrying the stage's result.
	ResultEvent string
}

// normalizeStages validates a requested stage subset and returns it in
// canonical order. An empty request selects every stage.
func normalizeStages(requested []string) ([]string, error) {
	if len(requested) == 0 {
		out := make([]string, len(stageOrder))
		copy(out, stageOrder)
		return out, nil
	}

	want := make(map[string]bool, len(requested))
	for _, name := range requested {
		known := false
		for _, canonical := range stageOrder {
			if name == canonical {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown stage %q", name)
		}
		want[name] = true
	}

	out := make([]string, 0, len(want))
	for _, canonical := range stageOrder {
		if want[canonical] {
			out = append(out, canonical)
		}
	}
	return out, nil
}
