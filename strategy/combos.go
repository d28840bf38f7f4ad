package strategy

import "strings"

// Combo pairs a task type's natural primary strategy with up to two
// complementary secondaries.
type Combo struct {
	Primary     Strategy
	Secondaries []Strategy
}

// combos maps canonical task-type keys to their strategy combos.
var combos = map[string]Combo{
	"reasoning":          {ChainOfThought, []Strategy{StepByStep, StructuredOutput}},
	"analysis":           {ChainOfThought, []Strategy{StructuredOutput, ConstraintInjection}},
	"math":               {ChainOfThought, []Strategy{StepByStep}},
	"coding":             {StructuredOutput, []Strategy{ConstraintInjection, FewShotScaffolding}},
	"writing":            {PersonaAssignment, []Strategy{AudienceCalibration, ConstraintInjection}},
	"creative":           {PersonaAssignment, []Strategy{ContextAnchoring}},
	"summarization":      {ConstraintInjection, []Strategy{StructuredOutput, AudienceCalibration}},
	"extraction":         {StructuredOutput, []Strategy{FewShotScaffolding}},
	"translation":        {AudienceCalibration, []Strategy{ConstraintInjection}},
	"classification":     {FewShotScaffolding, []Strategy{StructuredOutput}},
	"question-answering": {ContextAnchoring, []Strategy{ConstraintInjection}},
	"planning":           {Risen, []Strategy{StepByStep, StructuredOutput}},
	"general":            {CoStar, []Strategy{ConstraintInjection}},
}

// CanonicalTaskKey lowers a free-form task type to its combo-table key.
func CanonicalTaskKey(taskType string) string {
	key := strings.ToLower(strings.TrimSpace(taskType))
	key = strings.ReplaceAll(key, "_", "-")
	key = strings.ReplaceAll(key, " ", "-")
	return key
}

// ComboForTask returns the combo for a task type. Unknown task types
// get the general combo; the second result reports whether the task
// type was known.
func ComboForTask(taskType string) (Combo, bool) {
	if combo, ok := combos[CanonicalTaskKey(taskType)]; ok {
		return cloneCombo(combo), true
	}
	return cloneCombo(combos["general"]), false
}

// DefaultForTask returns the natural primary strategy for a task type,
// used when an LLM response names an unknown strategy.
func DefaultForTask(taskType string) Strategy {
	combo, _ := ComboForTask(taskType)
	return combo.Primary
}

func cloneCombo(c Combo) Combo {
	return Combo{
		Primary:     c.Primary,
		Secondaries: append([]Strategy(nil), c.Secondaries...),
	}
}
