package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/promptforge/promptforge/codebase"
	"github.com/promptforge/promptforge/logger"
	"github.com/promptforge/promptforge/providers"
	"github.com/promptforge/promptforge/types"
)

const (
	shortPromptThreshold = 50
	confidenceCap        = 0.95
	highComplexityBump   = 0.10
	contextBoostDelta    = 0.05
)

// specificityPatterns flag weaknesses that constraint injection fixes
// directly. Word boundaries keep "vague" from matching inside other
// words.
var specificityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bvague\b`),
	regexp.MustCompile(`(?i)\bunclear\b`),
	regexp.MustCompile(`(?i)\blacks? specifics?\b`),
	regexp.MustCompile(`(?i)\blacks? specific\b`),
	regexp.MustCompile(`(?i)\bambiguous\b`),
	regexp.MustCompile(`(?i)\btoo (general|broad)\b`),
	regexp.MustCompile(`(?i)\bmissing (details?|requirements?)\b`),
	regexp.MustCompile(`(?i)\bno specific\b`),
	regexp.MustCompile(`(?i)\bnot specific\b`),
	regexp.MustCompile(`(?i)\bundefined\b`),
	regexp.MustCompile(`(?i)\bimprecise\b`),
}

// p2Exempt lists natural strategies that already address specificity in
// their own way; constraint injection would fight them.
var p2Exempt = map[Strategy]bool{
	ChainOfThought:     true,
	PersonaAssignment:  true,
	FewShotScaffolding: true,
	Risen:              true,
}

// cotTasks are the task types where chain-of-thought is the natural
// high-complexity response.
var cotTasks = map[string]bool{
	"reasoning": true,
	"analysis":  true,
	"math":      true,
}

const selectorSystemPrompt = `You are a prompt engineering strategist. Given a raw prompt and its analysis, select the single best optimization strategy from this catalog:

- chain-of-thought: elicit explicit intermediate reasoning before the final answer
- few-shot-scaffolding: provide worked examples demonstrating expected input and output
- persona-assignment: assign the model a concrete role with domain expertise and voice
- structured-output: pin the response to an explicit output format or schema
- constraint-injection: state precise requirements, limits, and acceptance criteria
- step-by-step: decompose the task into ordered, independently verifiable steps
- context-anchoring: ground the task in relevant background and reference material
- audience-calibration: tune vocabulary, tone, and depth to a named audience
- risen: frame the prompt as Role, Instructions, Steps, End goal, Narrowing
- co-star: frame the prompt as Context, Objective, Style, Tone, Audience, Response

Respond with JSON only:
{"strategy": "<name>", "confidence": <0.0-1.0>, "reasoning": "<one or two sentences>", "secondary_frameworks": ["<name>", ...]}`

// Selector chooses an optimization strategy for an analyzed prompt.
// With a provider it asks the model first and falls back to the
// heuristic on any failure; without one it is fully deterministic.
type Selector struct {
	provider providers.Provider
	retry    providers.RetryConfig
}

// NewSelector returns a selector. provider may be nil to disable the
// LLM path.
func NewSelector(provider providers.Provider) *Selector {
	return &Selector{
		provider: provider,
		retry:    providers.DefaultRetryConfig(),
	}
}

// Select picks a strategy for the analyzed prompt. cc may be nil.
func (s *Selector) Select(ctx context.Context, rawPrompt string, analysis types.AnalysisResult, cc *codebase.Context) Selection {
	sel, _ := s.SelectTracked(ctx, rawPrompt, analysis, cc)
	return sel
}

// SelectTracked behaves like Select and additionally reports the token
// usage the LLM path consumed. Tokens spent on a completion whose JSON
// failed to parse still count, even though the heuristic supplies the
// answer.
func (s *Selector) SelectTracked(ctx context.Context, rawPrompt string, analysis types.AnalysisResult, cc *codebase.Context) (Selection, types.TokenUsage) {
	var spent types.TokenUsage
	if s.provider != nil {
		sel, usage, err := s.selectViaLLM(ctx, rawPrompt, analysis, cc)
		if err == nil {
			return sel, usage
		}
		spent = usage
		logger.WarnContext(ctx, "LLM strategy selection failed, using heuristic", "error", err)
	}
	return s.SelectHeuristic(rawPrompt, analysis, cc), spent
}

// selectViaLLM asks the model for a selection and normalizes whatever
// comes back. Any failure, transport or parse, falls through to the
// heuristic.
func (s *Selector) selectViaLLM(ctx context.Context, rawPrompt string, analysis types.AnalysisResult, cc *codebase.Context) (Selection, types.TokenUsage, error) {
	available := make(map[string]string, len(all))
	for _, strat := range all {
		available[string(strat)] = Describe(strat)
	}
	payload := map[string]any{
		"raw_prompt": rawPrompt,
		"analysis": map[string]any{
			"task_type":  analysis.TaskType,
			"complexity": analysis.Complexity,
			"weaknesses": analysis.Weaknesses,
			"strengths":  analysis.Strengths,
		},
		"available_strategies": available,
	}
	if rendered := cc.Render(); rendered != "" {
		payload["codebase_context"] = rendered
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Selection{}, types.TokenUsage{}, fmt.Errorf("marshaling selector payload: %w", err)
	}

	resp, err := providers.CompleteWithRetry(ctx, s.provider, providers.Request{
		System:   selectorSystemPrompt,
		Messages: []types.Message{types.UserMessage(string(body))},
		Metadata: map[string]string{"stage": "strategy"},
	}, s.retry)
	if err != nil {
		return Selection{}, types.TokenUsage{}, err
	}
	parsed, err := providers.ParseJSONObject(resp.Content)
	if err != nil {
		return Selection{}, resp.Usage, err
	}
	return s.normalizeLLMSelection(parsed, analysis), resp.Usage, nil
}

// normalizeLLMSelection applies the validation rules to a raw model
// response: alias rewriting, unknown-strategy fallback, confidence
// clamping, reasoning synthesis, and secondary filtering.
func (s *Selector) normalizeLLMSelection(parsed map[string]any, analysis types.AnalysisResult) Selection {
	rawStrategy, _ := parsed["strategy"].(string)
	strat, known := Normalize(rawStrategy)
	if !known {
		strat = DefaultForTask(analysis.TaskType)
		logger.Warn("LLM returned unknown strategy, using task default",
			"returned", rawStrategy, "default", strat, "task_type", analysis.TaskType)
	}

	confidence := coerceConfidence(parsed["confidence"])

	reasoning := ""
	if r, ok := parsed["reasoning"].(string); ok {
		reasoning = strings.TrimSpace(r)
	}
	if reasoning == "" {
		reasoning = fmt.Sprintf("Selected %s for %s task.", strat, analysis.TaskType)
	}

	var secondaries []Strategy
	if rawList, ok := parsed["secondary_frameworks"].([]any); ok {
		for _, item := range rawList {
			name, ok := item.(string)
			if !ok {
				continue
			}
			if sec, known := Normalize(name); known {
				secondaries = append(secondaries, sec)
			}
		}
	}

	return NewSelection(strat, reasoning, confidence, analysis.TaskType, false, secondaries)
}

// coerceConfidence accepts the number, string, or garbage a model may
// emit for confidence; out-of-range values clamp and unparseable ones
// default to 0.75.
func coerceConfidence(v any) float64 {
	switch c := v.(type) {
	case float64:
		return clamp01(c)
	case int:
		return clamp01(float64(c))
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(c), 64); err == nil {
			return clamp01(f)
		}
	}
	return 0.75
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

// SelectHeuristic is the deterministic fallback: a three-priority chain
// over the task-type combo table with redundancy checks and confidence
// adjustments.
func (s *Selector) SelectHeuristic(rawPrompt string, analysis types.AnalysisResult, cc *codebase.Context) Selection {
	taskKey := CanonicalTaskKey(analysis.TaskType)
	combo, known := ComboForTask(taskKey)

	var sel Selection
	switch {
	case analysis.Complexity == types.ComplexityHigh && cotTasks[taskKey]:
		sel = selectP1(combo, analysis)
	case countSpecificityWeaknesses(analysis.Weaknesses) >= 1 && !p2Exempt[combo.Primary]:
		sel = selectP2(combo, analysis)
	default:
		sel = selectP3(combo, known, analysis, cc)
	}

	if utf8.RuneCountInString(rawPrompt) < shortPromptThreshold {
		sel.Confidence = math.Max(0, sel.Confidence-0.05)
	}
	return sel
}

// selectP1 handles high-complexity reasoning-shaped tasks: chain of
// thought unless the prompt already shows it, in which case the combo's
// first secondary takes over.
func selectP1(combo Combo, analysis types.AnalysisResult) Selection {
	if IsRedundant(ChainOfThought, analysis.Strengths) && len(combo.Secondaries) > 0 {
		primary := combo.Secondaries[0]
		reasoning := fmt.Sprintf(
			"High-complexity %s task already demonstrates explicit reasoning; %s adds more value than restating it. %s",
			analysis.TaskType, primary, ReasoningSuffix(primary))
		return NewSelection(primary, reasoning, 0.85, analysis.TaskType, false, combo.Secondaries[1:])
	}
	reasoning := fmt.Sprintf(
		"High-complexity %s task benefits most from explicit intermediate reasoning. %s",
		analysis.TaskType, ReasoningSuffix(ChainOfThought))
	return NewSelection(ChainOfThought, reasoning, 0.95, analysis.TaskType, false, combo.Secondaries)
}

// selectP2 handles specificity weaknesses with constraint injection.
// The natural combo demotes to secondary position.
func selectP2(combo Combo, analysis types.AnalysisResult) Selection {
	count := countSpecificityWeaknesses(analysis.Weaknesses)
	confidence := 0.80
	switch {
	case count >= 3:
		confidence = 0.90
	case count == 2:
		confidence = 0.85
	}

	reasoning := fmt.Sprintf(
		"The analysis found %d specificity weakness(es); injecting explicit constraints addresses them directly. %s",
		count, ReasoningSuffix(ConstraintInjection))

	secondaries := make([]Strategy, 0, 2)
	for _, cand := range append([]Strategy{combo.Primary}, combo.Secondaries...) {
		if cand != ConstraintInjection {
			secondaries = append(secondaries, cand)
		}
	}
	return NewSelection(ConstraintInjection, reasoning, confidence, analysis.TaskType, false, secondaries)
}

// selectP3 falls back to the task type's natural strategy, stepping to
// the combo's secondary when the prompt already exhibits the natural
// pick, then applies the complexity bump and context boost.
func selectP3(combo Combo, known bool, analysis types.AnalysisResult, cc *codebase.Context) Selection {
	primary := combo.Primary
	secondaries := combo.Secondaries
	confidence := 0.75
	if !known {
		confidence = 0.50
	}
	reasoning := fmt.Sprintf("Defaulting to the natural strategy for %s tasks. %s",
		analysis.TaskType, ReasoningSuffix(primary))
	if !known {
		reasoning = fmt.Sprintf("Task type %q is not in the playbook; using the general-purpose default. %s",
			analysis.TaskType, ReasoningSuffix(primary))
	}

	if IsRedundant(primary, analysis.Strengths) {
		if len(combo.Secondaries) > 0 {
			fallback := combo.Secondaries[0]
			if IsRedundant(fallback, analysis.Strengths) {
				confidence = 0.60
			} else {
				confidence = 0.70
			}
			reasoning = fmt.Sprintf(
				"The prompt already exhibits what %s would add; stepping to %s. %s",
				primary, fallback, ReasoningSuffix(fallback))
			primary = fallback
			secondaries = combo.Secondaries[1:]
		} else {
			confidence = 0.60
			reasoning = fmt.Sprintf(
				"The prompt already leans toward %s and the %s playbook offers no alternate, so keeping it at reduced confidence. %s",
				primary, analysis.TaskType, ReasoningSuffix(primary))
		}
	}

	if analysis.Complexity == types.ComplexityHigh {
		confidence = math.Min(confidenceCap, confidence+highComplexityBump)
	}

	if boosted, why := contextFavors(primary, cc); boosted {
		confidence = math.Min(confidenceCap, confidence+contextBoostDelta)
		reasoning += " " + why
	}

	return NewSelection(primary, reasoning, confidence, analysis.TaskType, false, secondaries)
}

func countSpecificityWeaknesses(weaknesses []string) int {
	count := 0
	for _, w := range weaknesses {
		for _, p := range specificityPatterns {
			if p.MatchString(w) {
				count++
				break
			}
		}
	}
	return count
}

// contextFavors reports whether the codebase context independently
// argues for the chosen strategy.
func contextFavors(primary Strategy, cc *codebase.Context) (bool, string) {
	if cc == nil {
		return false, ""
	}
	switch primary {
	case StructuredOutput:
		if hasLanguageToken(cc.Language, "rust", "go", "golang") {
			return true, "The project's strict type system rewards a pinned output structure."
		}
		for _, conv := range cc.Conventions {
			if strings.Contains(strings.ToLower(conv), "strict") {
				return true, "The project's strict conventions reward a pinned output structure."
			}
		}
	case PersonaAssignment:
		domain := strings.ToLower(cc.Framework + " " + cc.Description)
		for _, marker := range []string{"medical", "clinical", "healthcare", "legal", "law"} {
			if strings.Contains(domain, marker) {
				return true, "The regulated domain rewards an expert persona."
			}
		}
	case StepByStep:
		for _, pattern := range cc.Patterns {
			lower := strings.ToLower(pattern)
			if strings.Contains(lower, "layer") || strings.Contains(lower, "tier") ||
				strings.Contains(lower, "microservice") {
				return true, "The layered architecture rewards ordered decomposition."
			}
		}
	case ConstraintInjection:
		if len(cc.Conventions) >= 3 {
			return true, "The project's rich conventions translate directly into constraints."
		}
	}
	return false, ""
}

// hasLanguageToken matches whole language tokens so "Django" never
// matches "go".
func hasLanguageToken(language string, tokens ...string) bool {
	fields := strings.FieldsFunc(strings.ToLower(language), func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '+' && r != '#'
	})
	for _, f := range fields {
		for _, tok := range tokens {
			if f == tok {
				return true
			}
		}
	}
	return false
}
