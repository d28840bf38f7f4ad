// Package strategy implements the optimization strategy catalog and the
// selector that picks a strategy for an analyzed prompt. Selection runs
// an LLM-backed path when a provider is available and falls back to a
// deterministic three-priority heuristic otherwise.
package strategy

import (
	"regexp"
	"strings"
)

// Strategy names one of the ten prompt-rewriting frameworks.
type Strategy string

const (
	ChainOfThought      Strategy = "chain-of-thought"
	FewShotScaffolding  Strategy = "few-shot-scaffolding"
	PersonaAssignment   Strategy = "persona-assignment"
	StructuredOutput    Strategy = "structured-output"
	ConstraintInjection Strategy = "constraint-injection"
	StepByStep          Strategy = "step-by-step"
	ContextAnchoring    Strategy = "context-anchoring"
	AudienceCalibration Strategy = "audience-calibration"
	Risen               Strategy = "risen"
	CoStar              Strategy = "co-star"
)

// Definition carries a strategy's catalog entry. RedundancyPatterns
// match analyzer strengths that indicate the prompt already exhibits
// what the strategy would add, making it a poor pick.
type Definition struct {
	Strategy           Strategy
	Description        string
	ReasoningSuffix    string
	RedundancyPatterns []*regexp.Regexp
}

func patterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(`(?i)\b`+e+`\b`))
	}
	return out
}

var definitions = map[Strategy]Definition{
	ChainOfThought: {
		Strategy:        ChainOfThought,
		Description:     "Elicit explicit intermediate reasoning before the final answer.",
		ReasoningSuffix: "Chain-of-thought surfaces the intermediate reasoning this task depends on.",
		RedundancyPatterns: patterns(
			`step[ -]by[ -]step`,
			`reasoning steps`,
			`chain of thought`,
			`logical progression`,
			`shows? (its |the )?reasoning`,
		),
	},
	FewShotScaffolding: {
		Strategy:        FewShotScaffolding,
		Description:     "Provide worked examples demonstrating the expected input and output.",
		ReasoningSuffix: "Worked examples anchor the expected shape of the response.",
		RedundancyPatterns: patterns(
			`includes? examples?`,
			`examples? (are )?(provided|given|included)`,
			`sample (inputs?|outputs?)`,
			`demonstrations?`,
		),
	},
	PersonaAssignment: {
		Strategy:        PersonaAssignment,
		Description:     "Assign the model a concrete role with domain expertise and voice.",
		ReasoningSuffix: "A concrete persona gives the model a consistent voice and point of view.",
		RedundancyPatterns: patterns(
			`(defines?|assigns?|establishes) (a |the )?(role|persona)`,
			`role (is )?(defined|specified|assigned)`,
			`persona`,
			`acts? as`,
		),
	},
	StructuredOutput: {
		Strategy:        StructuredOutput,
		Description:     "Pin the response to an explicit output format or schema.",
		ReasoningSuffix: "An explicit output contract makes the response mechanically checkable.",
		RedundancyPatterns: patterns(
			`output format`,
			`format (is )?(specified|defined|given)`,
			`structured (output|format|response)`,
			`json`,
			`schema`,
		),
	},
	ConstraintInjection: {
		Strategy:        ConstraintInjection,
		Description:     "State precise requirements, limits, and acceptance criteria.",
		ReasoningSuffix: "Explicit constraints remove the ambiguity the analyzer flagged.",
		RedundancyPatterns: patterns(
			`constraints?`,
			`specific requirements?`,
			`well[- ]defined`,
			`detailed requirements?`,
			`clear (limits|boundaries|criteria)`,
		),
	},
	StepByStep: {
		Strategy:        StepByStep,
		Description:     "Decompose the task into ordered, independently verifiable steps.",
		ReasoningSuffix: "Ordered decomposition keeps long tasks from collapsing into one leap.",
		RedundancyPatterns: patterns(
			`step[ -]by[ -]step`,
			`numbered steps?`,
			`sequential`,
			`ordered (steps?|list)`,
			`breaks? (down|the task)`,
		),
	},
	ContextAnchoring: {
		Strategy:        ContextAnchoring,
		Description:     "Ground the task in relevant background and reference material.",
		ReasoningSuffix: "Anchoring on the supplied background keeps the answer grounded.",
		RedundancyPatterns: patterns(
			`context (is )?(provided|given|included)`,
			`background (information|provided|given)`,
			`well[- ]contextualized`,
			`provides? (rich )?context`,
		),
	},
	AudienceCalibration: {
		Strategy:        AudienceCalibration,
		Description:     "Tune vocabulary, tone, and depth to a named audience.",
		ReasoningSuffix: "Calibrating to the audience sets vocabulary and depth correctly.",
		RedundancyPatterns: patterns(
			`audience`,
			`tone (is )?(specified|defined|set)`,
			`reading level`,
			`targets? (the )?readers?`,
		),
	},
	Risen: {
		Strategy:        Risen,
		Description:     "Frame the prompt as Role, Instructions, Steps, End goal, Narrowing.",
		ReasoningSuffix: "The RISEN frame forces every planning element to be stated.",
		RedundancyPatterns: patterns(
			`clear instructions?`,
			`end goal`,
			`goal (is )?(defined|stated|clear)`,
			`narrowed scope`,
		),
	},
	CoStar: {
		Strategy:        CoStar,
		Description:     "Frame the prompt as Context, Objective, Style, Tone, Audience, Response.",
		ReasoningSuffix: "The CO-STAR frame covers every dimension a general prompt needs.",
		RedundancyPatterns: patterns(
			`objective (is )?(clear|defined|stated)`,
			`style (is )?(specified|defined)`,
			`well[- ]rounded`,
			`comprehensive structure`,
		),
	},
}

// aliases rewrites historical strategy names to canonical ones.
var aliases = map[string]Strategy{
	"cot":                ChainOfThought,
	"chain-of-thoughts":  ChainOfThought,
	"few-shot":           FewShotScaffolding,
	"fewshot":            FewShotScaffolding,
	"few-shot-learning":  FewShotScaffolding,
	"role-prompting":     PersonaAssignment,
	"persona":            PersonaAssignment,
	"role":               PersonaAssignment,
	"output-formatting":  StructuredOutput,
	"output-format":      StructuredOutput,
	"constraints":        ConstraintInjection,
	"constraint":         ConstraintInjection,
	"decomposition":      StepByStep,
	"task-decomposition": StepByStep,
	"context-injection":  ContextAnchoring,
	"audience-targeting": AudienceCalibration,
}

// all lists the catalog in presentation order.
var all = []Strategy{
	ChainOfThought,
	FewShotScaffolding,
	PersonaAssignment,
	StructuredOutput,
	ConstraintInjection,
	StepByStep,
	ContextAnchoring,
	AudienceCalibration,
	Risen,
	CoStar,
}

// All returns the ten strategies in stable order.
func All() []Strategy {
	out := make([]Strategy, len(all))
	copy(out, all)
	return out
}

// Describe returns the strategy's catalog description, or "" for
// unknown values.
func Describe(s Strategy) string {
	return definitions[s].Description
}

// ReasoningSuffix returns the sentence appended to heuristic reasoning
// for the strategy.
func ReasoningSuffix(s Strategy) string {
	return definitions[s].ReasoningSuffix
}

// Normalize canonicalizes a raw strategy name: trim, lowercase, unify
// separators, rewrite legacy aliases. The second result reports whether
// the name resolved to a known strategy.
func Normalize(raw string) (Strategy, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "_", "-")
	key = strings.ReplaceAll(key, " ", "-")
	if alias, ok := aliases[key]; ok {
		return alias, true
	}
	s := Strategy(key)
	if _, ok := definitions[s]; ok {
		return s, true
	}
	return "", false
}

// IsRedundant reports whether any strength indicates the prompt already
// exhibits what the strategy would add.
func IsRedundant(s Strategy, strengths []string) bool {
	def, ok := definitions[s]
	if !ok {
		return false
	}
	for _, strength := range strengths {
		for _, p := range def.RedundancyPatterns {
			if p.MatchString(strength) {
				return true
			}
		}
	}
	return false
}
