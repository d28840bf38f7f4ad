package record

import (
	"context"
	"math"
	"sync"

	"github.com/promptforge/promptforge/events"
	"github.com/promptforge/promptforge/types"
)

// Stats summarizes every stored optimization.
type Stats struct {
	TotalOptimizations  int            `json:"total_optimizations"`
	ByStatus            map[string]int `json:"by_status"`
	ByStrategy          map[string]int `json:"by_strategy"`
	AverageOverallScore float64        `json:"average_overall_score"`
	ImprovedCount       int            `json:"improved_count"`
	TotalInputTokens    int            `json:"total_input_tokens"`
	TotalOutputTokens   int            `json:"total_output_tokens"`
	TotalTokens         int            `json:"total_tokens"`
}

func (s *Stats) clone() *Stats {
	out := *s
	out.ByStatus = make(map[string]int, len(s.ByStatus))
	for k, v := range s.ByStatus {
		out.ByStatus[k] = v
	}
	out.ByStrategy = make(map[string]int, len(s.ByStrategy))
	for k, v := range s.ByStrategy {
		out.ByStrategy[k] = v
	}
	return &out
}

// Aggregator computes Stats over a Store with a cache that is
// invalidated on any write that could change the output.
type Aggregator struct {
	store Store

	mu     sync.Mutex
	cached *Stats
}

func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// Stats returns the aggregate, recomputing only when the cache has
// been invalidated since the last call.
func (a *Aggregator) Stats(ctx context.Context) (*Stats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cached != nil {
		return a.cached.clone(), nil
	}

	records, err := a.store.List(ctx, ListOptions{})
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ByStatus:   make(map[string]int),
		ByStrategy: make(map[string]int),
	}
	scoreSum := 0.0
	scored := 0
	for _, r := range records {
		stats.TotalOptimizations++
		stats.ByStatus[string(r.Status)]++
		if r.Strategy != "" {
			stats.ByStrategy[r.Strategy]++
		}
		if r.OverallScore != nil {
			scoreSum += *r.OverallScore
			scored++
		}
		if r.IsImprovement != nil && *r.IsImprovement {
			stats.ImprovedCount++
		}
		stats.TotalInputTokens += types.IntValue(r.Usage.InputTokens)
		stats.TotalOutputTokens += types.IntValue(r.Usage.OutputTokens)
		stats.TotalTokens += r.Usage.Total()
	}
	if scored > 0 {
		stats.AverageOverallScore = math.Round(scoreSum/float64(scored)*10000) / 10000
	}

	a.cached = stats
	return stats.clone(), nil
}

// Invalidate drops the cache; the next Stats call recomputes.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	a.cached = nil
	a.mu.Unlock()
}

// invalidatingEvents are the bus events whose occurrence can change the
// aggregate.
var invalidatingEvents = []string{
	"promptforge:optimization.started",
	"promptforge:optimization.completed",
	"promptforge:optimization.failed",
	"promptforge:prompt.created",
	"promptforge:prompt.updated",
}

// BindBus invalidates the cache whenever a write-indicating event is
// published. Returns an unsubscribe func.
func (a *Aggregator) BindBus(bus *events.Bus) func() {
	handler := func(ctx context.Context, payload map[string]any, sourceApp string) (any, error) {
		a.Invalidate()
		return nil, nil
	}

	ids := make([]string, 0, len(invalidatingEvents))
	for _, eventType := range invalidatingEvents {
		ids = append(ids, bus.Subscribe(eventType, handler, events.WithAppID("stats-aggregator")))
	}
	return func() {
		for _, id := range ids {
			bus.Unsubscribe(id)
		}
	}
}
