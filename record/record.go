// Package record persists optimization runs: one Record per pipeline
// invocation, carrying the raw and optimized prompts, every stage's
// output, token spend, and linkage to projects, prompts, and earlier
// attempts. Stores hand out deep copies only; a caller can never
// mutate persisted state through a returned pointer.
package record

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/promptforge/promptforge/types"
)

// Record is one persisted optimization run.
type Record struct {
	ID     string `json:"id"`
	Status Status `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	RawPrompt       string `json:"raw_prompt"`
	OptimizedPrompt string `json:"optimized_prompt,omitempty"`

	// Analysis stage output.
	TaskType   string   `json:"task_type,omitempty"`
	Complexity string   `json:"complexity,omitempty"`
	Weaknesses []string `json:"weaknesses,omitempty"`
	Strengths  []string `json:"strengths,omitempty"`

	// Strategy stage output.
	Strategy            string   `json:"strategy,omitempty"`
	StrategyReasoning   string   `json:"strategy_reasoning,omitempty"`
	StrategyConfidence  float64  `json:"strategy_confidence,omitempty"`
	SecondaryFrameworks []string `json:"secondary_frameworks,omitempty"`

	// Optimizer stage output.
	FrameworkApplied  string   `json:"framework_applied,omitempty"`
	ChangesMade       []string `json:"changes_made,omitempty"`
	OptimizationNotes string   `json:"optimization_notes,omitempty"`

	// Validator stage output. Pointers distinguish "not validated"
	// from a genuine zero score.
	ClarityScore       *float64 `json:"clarity_score,omitempty"`
	SpecificityScore   *float64 `json:"specificity_score,omitempty"`
	StructureScore     *float64 `json:"structure_score,omitempty"`
	FaithfulnessScore  *float64 `json:"faithfulness_score,omitempty"`
	FrameworkAdherence *float64 `json:"framework_adherence_score,omitempty"`
	OverallScore       *float64 `json:"overall_score,omitempty"`
	IsImprovement      *bool    `json:"is_improvement,omitempty"`
	Verdict            string   `json:"verdict,omitempty"`

	Iterations int              `json:"iterations,omitempty"`
	DurationMS int64            `json:"duration_ms,omitempty"`
	ModelUsed  string           `json:"model_used,omitempty"`
	Usage      types.TokenUsage `json:"usage"`

	// Error holds the failure message when Status is error.
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`

	// Linkage. ProjectID and PromptID tie the run into the project
	// hierarchy; RetryOf points at the record this one re-attempts.
	ProjectID string `json:"project_id,omitempty"`
	PromptID  string `json:"prompt_id,omitempty"`
	RetryOf   string `json:"retry_of,omitempty"`

	// ContextSnapshot preserves the codebase context the run saw,
	// serialized at submission time.
	ContextSnapshot json.RawMessage `json:"context_snapshot,omitempty"`

	// Cosmetic fields, mutable even after the run reaches a terminal
	// status.
	Title string   `json:"title,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// New creates a pending record for a raw prompt.
func New(rawPrompt string) *Record {
	return &Record{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
		RawPrompt: rawPrompt,
	}
}

// Clone returns a deep copy. Stores use it on both the way in and the
// way out.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		// Record contains only marshalable fields; reaching this means
		// the struct definition itself broke.
		panic("record: clone marshal: " + err.Error())
	}
	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		panic("record: clone unmarshal: " + err.Error())
	}
	return &out
}

// AddTag appends a tag unless it is already present.
func (r *Record) AddTag(tag string) bool {
	for _, existing := range r.Tags {
		if existing == tag {
			return false
		}
	}
	r.Tags = append(r.Tags, tag)
	return true
}

// RemoveTag deletes a tag; removing an absent tag is a no-op.
func (r *Record) RemoveTag(tag string) bool {
	for i, existing := range r.Tags {
		if existing == tag {
			r.Tags = append(r.Tags[:i], r.Tags[i+1:]...)
			return true
		}
	}
	return false
}

// ResponsePayload flattens the record into the API shape shared by the
// GET endpoint and the SSE complete event. Score deltas ride along only
// on retries where both sides validated.
func (r *Record) ResponsePayload() map[string]any {
	payload := map[string]any{
		"id":         r.ID,
		"status":     string(r.Status),
		"raw_prompt": r.RawPrompt,
		"created_at": r.CreatedAt,
	}

	addString := func(key, v string) {
		if v != "" {
			payload[key] = v
		}
	}
	addString("optimized_prompt", r.OptimizedPrompt)
	addString("task_type", r.TaskType)
	addString("complexity", r.Complexity)
	addString("framework_applied", r.FrameworkApplied)
	addString("optimization_notes", r.OptimizationNotes)
	addString("strategy", r.Strategy)
	addString("strategy_reasoning", r.StrategyReasoning)
	addString("verdict", r.Verdict)
	addString("model_used", r.ModelUsed)
	addString("error", r.Error)
	addString("error_type", r.ErrorType)
	addString("project_id", r.ProjectID)
	addString("prompt_id", r.PromptID)
	addString("retry_of", r.RetryOf)
	addString("title", r.Title)

	if len(r.Weaknesses) > 0 {
		payload["weaknesses"] = r.Weaknesses
	}
	if len(r.Strengths) > 0 {
		payload["strengths"] = r.Strengths
	}
	if len(r.ChangesMade) > 0 {
		payload["changes_made"] = r.ChangesMade
	}
	if len(r.SecondaryFrameworks) > 0 {
		payload["secondary_frameworks"] = r.SecondaryFrameworks
	}
	if len(r.Tags) > 0 {
		payload["tags"] = r.Tags
	}
	if r.Strategy != "" {
		payload["strategy_confidence"] = r.StrategyConfidence
	}

	addScore := func(key string, v *float64) {
		if v != nil {
			payload[key] = *v
		}
	}
	addScore("clarity_score", r.ClarityScore)
	addScore("specificity_score", r.SpecificityScore)
	addScore("structure_score", r.StructureScore)
	addScore("faithfulness_score", r.FaithfulnessScore)
	addScore("framework_adherence_score", r.FrameworkAdherence)
	addScore("overall_score", r.OverallScore)
	if r.IsImprovement != nil {
		payload["is_improvement"] = *r.IsImprovement
	}
	if r.OverallScore != nil {
		payload["display_scores"] = r.displayScores()
	}

	if r.Iterations > 0 {
		payload["iterations"] = r.Iterations
	}
	if r.DurationMS > 0 {
		payload["duration_ms"] = r.DurationMS
	}

	payload["input_tokens"] = types.IntValue(r.Usage.InputTokens)
	payload["output_tokens"] = types.IntValue(r.Usage.OutputTokens)
	payload["cache_creation_input_tokens"] = types.IntValue(r.Usage.CacheCreationInputTokens)
	payload["cache_read_input_tokens"] = types.IntValue(r.Usage.CacheReadInputTokens)

	return payload
}

// displayScores projects stored [0,1] scores onto the 1-10 scale
// external CLIs print.
func (r *Record) displayScores() map[string]int {
	out := map[string]int{}
	add := func(key string, v *float64) {
		if v != nil {
			out[key] = types.DisplayScore(*v)
		}
	}
	add("clarity", r.ClarityScore)
	add("specificity", r.SpecificityScore)
	add("structure", r.StructureScore)
	add("faithfulness", r.FaithfulnessScore)
	add("overall", r.OverallScore)
	return out
}

// ScoreDeltas compares a retry's scores against the run it re-attempts.
// Only dimensions scored on both sides appear; values are new minus
// old, rounded to four decimals.
func ScoreDeltas(original, retry *Record) map[string]float64 {
	if original == nil || retry == nil {
		return nil
	}
	deltas := map[string]float64{}
	add := func(key string, was, now *float64) {
		if was != nil && now != nil {
			deltas[key] = math.Round((*now-*was)*10000) / 10000
		}
	}
	add("clarity", original.ClarityScore, retry.ClarityScore)
	add("specificity", original.SpecificityScore, retry.SpecificityScore)
	add("structure", original.StructureScore, retry.StructureScore)
	add("faithfulness", original.FaithfulnessScore, retry.FaithfulnessScore)
	add("overall", original.OverallScore, retry.OverallScore)
	if len(deltas) == 0 {
		return nil
	}
	return deltas
}
