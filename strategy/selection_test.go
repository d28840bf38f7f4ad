package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewSelection_ClampsConfidence(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{-0.5, 0.0},
		{0.0, 0.0},
		{0.75, 0.75},
		{1.0, 1.0},
		{1.8, 1.0},
	}
	for _, tt := range tests {
		sel := NewSelection(ChainOfThought, "r", tt.in, "reasoning", false, nil)
		assert.Equal(t, tt.want, sel.Confidence, "confidence %v", tt.in)
	}
}

func TestNewSelection_SecondariesCappedAtTwo(t *testing.T) {
	sel := NewSelection(CoStar, "r", 0.8, "general", false,
		[]Strategy{StepByStep, StructuredOutput, ConstraintInjection})
	assert.Len(t, sel.SecondaryFrameworks, 2)
	assert.Equal(t, []Strategy{StepByStep, StructuredOutput}, sel.SecondaryFrameworks)
}

func TestNewSelection_PrimaryNeverInSecondaries(t *testing.T) {
	sel := NewSelection(ChainOfThought, "r", 0.8, "reasoning", false,
		[]Strategy{ChainOfThought, StepByStep})
	assert.Equal(t, []Strategy{StepByStep}, sel.SecondaryFrameworks)
}

func TestNewSelection_DropsUnknownAndDuplicateSecondaries(t *testing.T) {
	sel := NewSelection(CoStar, "r", 0.8, "general", false,
		[]Strategy{"made-up", StepByStep, StepByStep, Risen})
	assert.Equal(t, []Strategy{StepByStep, Risen}, sel.SecondaryFrameworks)
}

func TestNewSelection_PreservesFields(t *testing.T) {
	sel := NewSelection(Risen, "planning needs structure", 0.9, "planning", true, nil)
	assert.Equal(t, Risen, sel.Strategy)
	assert.Equal(t, "planning needs structure", sel.Reasoning)
	assert.Equal(t, "planning", sel.TaskType)
	assert.True(t, sel.IsOverride)
	assert.Empty(t, sel.SecondaryFrameworks)
}
