package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComboForTask_KnownTasks(t *testing.T) {
	tests := []struct {
		taskType    string
		wantPrimary Strategy
	}{
		{"reasoning", ChainOfThought},
		{"analysis", ChainOfThought},
		{"math", ChainOfThought},
		{"coding", StructuredOutput},
		{"writing", PersonaAssignment},
		{"creative", PersonaAssignment},
		{"summarization", ConstraintInjection},
		{"extraction", StructuredOutput},
		{"translation", AudienceCalibration},
		{"classification", FewShotScaffolding},
		{"question-answering", ContextAnchoring},
		{"planning", Risen},
		{"general", CoStar},
	}
	for _, tt := range tests {
		t.Run(tt.taskType, func(t *testing.T) {
			combo, known := ComboForTask(tt.taskType)
			require.True(t, known)
			assert.Equal(t, tt.wantPrimary, combo.Primary)
			assert.LessOrEqual(t, len(combo.Secondaries), 2)
		})
	}
}

func TestComboForTask_KeyNormalization(t *testing.T) {
	for _, variant := range []string{"Question Answering", "question_answering", "  QUESTION-ANSWERING  "} {
		combo, known := ComboForTask(variant)
		require.True(t, known, "variant %q should resolve", variant)
		assert.Equal(t, ContextAnchoring, combo.Primary)
	}
}

func TestComboForTask_UnknownFallsBackToGeneral(t *testing.T) {
	combo, known := ComboForTask("underwater-basket-weaving")
	assert.False(t, known)
	assert.Equal(t, CoStar, combo.Primary)
}

func TestComboForTask_ReturnsCopies(t *testing.T) {
	combo, _ := ComboForTask("reasoning")
	require.NotEmpty(t, combo.Secondaries)
	combo.Secondaries[0] = "tampered"

	again, _ := ComboForTask("reasoning")
	assert.Equal(t, StepByStep, again.Secondaries[0], "combo table must not be mutable through returns")
}

func TestDefaultForTask(t *testing.T) {
	assert.Equal(t, PersonaAssignment, DefaultForTask("writing"))
	assert.Equal(t, CoStar, DefaultForTask("no-such-task"))
}

func TestComboSecondariesNeverContainPrimary(t *testing.T) {
	for task := range combos {
		combo, _ := ComboForTask(task)
		for _, sec := range combo.Secondaries {
			assert.NotEqual(t, combo.Primary, sec, "task %s repeats its primary in secondaries", task)
		}
	}
}
