package codebase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneIndependence(t *testing.T) {
	orig := &Context{
		Language:    "Go",
		Conventions: []string{"gofmt"},
	}

	clone := orig.Clone()
	clone.Language = "Rust"
	clone.Conventions[0] = "rustfmt"
	clone.Conventions = append(clone.Conventions, "clippy")

	assert.Equal(t, "Go", orig.Language)
	assert.Equal(t, []string{"gofmt"}, orig.Conventions)
}

func TestCloneNil(t *testing.T) {
	var c *Context
	assert.Nil(t, c.Clone())
}

func TestIsEmpty(t *testing.T) {
	tests := []struct {
		name  string
		ctx   *Context
		empty bool
	}{
		{"nil", nil, true},
		{"zero value", &Context{}, true},
		{"scalar set", &Context{Language: "Go"}, false},
		{"list set", &Context{Patterns: []string{"src layout"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.empty, tt.ctx.IsEmpty())
		})
	}
}

func TestMergePrecedence(t *testing.T) {
	base := &Context{
		Language:    "Python",
		Framework:   "Django",
		Conventions: []string{"black", "isort"},
		Patterns:    []string{"src layout"},
	}
	override := &Context{
		Framework:   "FastAPI",
		Conventions: []string{"ruff"},
	}

	merged := Merge(base, override)
	require.NotNil(t, merged)

	// Override wins where set, base survives where not.
	assert.Equal(t, "Python", merged.Language)
	assert.Equal(t, "FastAPI", merged.Framework)
	assert.Equal(t, []string{"ruff"}, merged.Conventions)
	assert.Equal(t, []string{"src layout"}, merged.Patterns)
}

func TestMergeReturnsFreshCopies(t *testing.T) {
	base := &Context{Language: "Go", Conventions: []string{"gofmt"}}

	merged := Merge(base, nil)
	require.NotNil(t, merged)
	merged.Conventions[0] = "mutated"
	assert.Equal(t, []string{"gofmt"}, base.Conventions)

	override := &Context{Language: "Rust"}
	merged = Merge(nil, override)
	require.NotNil(t, merged)
	merged.Language = "mutated"
	assert.Equal(t, "Rust", override.Language)
}

func TestMergeBothNil(t *testing.T) {
	assert.Nil(t, Merge(nil, nil))
}

func TestFromMap(t *testing.T) {
	raw := map[string]any{
		"language":    "Go",
		"framework":   "chi",
		"conventions": []any{"gofmt", nil, 42, map[string]any{"ignored": true}},
		"patterns":    "single pattern",
		"description": 3.5,
	}

	ctx := FromMap(raw)
	require.NotNil(t, ctx)
	assert.Equal(t, "Go", ctx.Language)
	assert.Equal(t, "chi", ctx.Framework)
	assert.Equal(t, "3.5", ctx.Description)
	assert.Equal(t, []string{"gofmt", "42"}, ctx.Conventions)
	assert.Equal(t, []string{"single pattern"}, ctx.Patterns)
}

func TestFromMapNonMap(t *testing.T) {
	assert.Nil(t, FromMap("not a map"))
	assert.Nil(t, FromMap(nil))
	assert.Nil(t, FromMap([]any{"list"}))
}

func TestRenderLabels(t *testing.T) {
	ctx := &Context{
		Language:    "TypeScript",
		Framework:   "Next.js 14.1.0",
		Conventions: []string{"strict mode", "no semicolons"},
	}

	out := ctx.Render()
	assert.Contains(t, out, "Language: TypeScript")
	assert.Contains(t, out, "Framework: Next.js 14.1.0")
	assert.Contains(t, out, "Conventions:")
	assert.Contains(t, out, "• strict mode")
	assert.False(t, strings.HasSuffix(out, "\n"))
}

func TestRenderEmpty(t *testing.T) {
	assert.Equal(t, "", (&Context{}).Render())
}

func TestRenderTruncation(t *testing.T) {
	ctx := &Context{
		Documentation: []string{strings.Repeat("x", 2*renderCharBudget)},
	}

	out := ctx.Render()
	assert.True(t, strings.HasSuffix(out, "... (truncated)"))
	assert.LessOrEqual(t, len(out), renderCharBudget+len("\n... (truncated)"))
}
