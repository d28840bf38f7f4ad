// Package budget tracks token spend per model across the process
// lifetime. The pipeline records usage after every run; the stats
// endpoint reads the totals back out.
package budget

import (
	"sort"
	"sync"

	"github.com/promptforge/promptforge/types"
)

// ModelUsage is one model's accumulated spend.
type ModelUsage struct {
	Model  string           `json:"model"`
	Calls  int              `json:"calls"`
	Tokens types.TokenUsage `json:"tokens"`
}

// Recorder accumulates token usage keyed by model name. Safe for
// concurrent use; the zero value is not usable, construct with
// NewRecorder.
type Recorder struct {
	mu     sync.Mutex
	totals map[string]types.TokenUsage
	calls  map[string]int
}

func NewRecorder() *Recorder {
	return &Recorder{
		totals: make(map[string]types.TokenUsage),
		calls:  make(map[string]int),
	}
}

// RecordUsage folds one run's usage into the model's running total.
// Zero usage still counts the call so failed parses remain visible in
// call counts.
func (r *Recorder) RecordUsage(model string, usage types.TokenUsage) {
	if model == "" {
		model = "unknown"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals[model] = r.totals[model].Add(usage)
	r.calls[model]++
}

// Usage returns the accumulated usage for one model.
func (r *Recorder) Usage(model string) types.TokenUsage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totals[model]
}

// Snapshot returns per-model totals sorted by model name.
func (r *Recorder) Snapshot() []ModelUsage {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ModelUsage, 0, len(r.totals))
	for model, usage := range r.totals {
		out = append(out, ModelUsage{Model: model, Calls: r.calls[model], Tokens: usage})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// TotalTokens sums every model's spend.
func (r *Recorder) TotalTokens() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, usage := range r.totals {
		total += usage.Total()
	}
	return total
}
