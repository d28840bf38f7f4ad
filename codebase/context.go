// Package codebase models the project context threaded through every
// optimization stage: what language and framework the prompt targets,
// which conventions apply, and any documentation worth grounding the
// rewrite in. Context arrives from three layers (workspace extraction,
// project profile, per-request override) that the Resolver merges.
package codebase

import (
	"fmt"
	"strings"
)

// renderCharBudget caps the rendered context block so one oversized
// README cannot crowd the actual prompt out of the model's window.
const renderCharBudget = 8000

// Context describes the codebase surrounding a prompt.
type Context struct {
	Language      string   `json:"language,omitempty"`
	Framework     string   `json:"framework,omitempty"`
	Description   string   `json:"description,omitempty"`
	TestFramework string   `json:"test_framework,omitempty"`
	Conventions   []string `json:"conventions,omitempty"`
	Patterns      []string `json:"patterns,omitempty"`
	CodeSnippets  []string `json:"code_snippets,omitempty"`
	Documentation []string `json:"documentation,omitempty"`
	TestPatterns  []string `json:"test_patterns,omitempty"`
}

// Clone returns a deep copy. Callers own the copy; mutations never
// reach the original.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := &Context{
		Language:      c.Language,
		Framework:     c.Framework,
		Description:   c.Description,
		TestFramework: c.TestFramework,
	}
	out.Conventions = append([]string(nil), c.Conventions...)
	out.Patterns = append([]string(nil), c.Patterns...)
	out.CodeSnippets = append([]string(nil), c.CodeSnippets...)
	out.Documentation = append([]string(nil), c.Documentation...)
	out.TestPatterns = append([]string(nil), c.TestPatterns...)
	return out
}

// IsEmpty reports whether every field is unset.
func (c *Context) IsEmpty() bool {
	if c == nil {
		return true
	}
	return c.Language == "" && c.Framework == "" && c.Description == "" &&
		c.TestFramework == "" && len(c.Conventions) == 0 && len(c.Patterns) == 0 &&
		len(c.CodeSnippets) == 0 && len(c.Documentation) == 0 && len(c.TestPatterns) == 0
}

// Merge combines two contexts, override winning field-by-field: scalars
// take the override value when non-empty, lists take the override list
// when non-empty. The result is always a fresh copy; merging with nil
// copies the other operand rather than returning it.
func Merge(base, override *Context) *Context {
	if base == nil && override == nil {
		return nil
	}
	if base == nil {
		return override.Clone()
	}
	if override == nil {
		return base.Clone()
	}

	out := base.Clone()
	if override.Language != "" {
		out.Language = override.Language
	}
	if override.Framework != "" {
		out.Framework = override.Framework
	}
	if override.Description != "" {
		out.Description = override.Description
	}
	if override.TestFramework != "" {
		out.TestFramework = override.TestFramework
	}
	if len(override.Conventions) > 0 {
		out.Conventions = append([]string(nil), override.Conventions...)
	}
	if len(override.Patterns) > 0 {
		out.Patterns = append([]string(nil), override.Patterns...)
	}
	if len(override.CodeSnippets) > 0 {
		out.CodeSnippets = append([]string(nil), override.CodeSnippets...)
	}
	if len(override.Documentation) > 0 {
		out.Documentation = append([]string(nil), override.Documentation...)
	}
	if len(override.TestPatterns) > 0 {
		out.TestPatterns = append([]string(nil), override.TestPatterns...)
	}
	return out
}

// FromMap coerces an untyped map, as arrives from JSON request bodies,
// into a Context. Scalars are stringified, single strings wrap into
// one-element lists, nil list items drop, and map-valued list entries
// yield an empty list. A non-map input returns nil.
func FromMap(raw any) *Context {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	return &Context{
		Language:      coerceScalar(m["language"]),
		Framework:     coerceScalar(m["framework"]),
		Description:   coerceScalar(m["description"]),
		TestFramework: coerceScalar(m["test_framework"]),
		Conventions:   coerceList(m["conventions"]),
		Patterns:      coerceList(m["patterns"]),
		CodeSnippets:  coerceList(m["code_snippets"]),
		Documentation: coerceList(m["documentation"]),
		TestPatterns:  coerceList(m["test_patterns"]),
	}
}

func coerceScalar(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		if s {
			return "True"
		}
		return "False"
	case float64:
		// JSON numbers decode as float64; render integers without a
		// trailing .0 so 42 stays "42".
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%g", s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func coerceList(v any) []string {
	switch items := v.(type) {
	case nil:
		return nil
	case string:
		if items == "" {
			return nil
		}
		return []string{items}
	case []string:
		out := make([]string, 0, len(items))
		out = append(out, items...)
		return out
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if item == nil {
				continue
			}
			if _, isMap := item.(map[string]any); isMap {
				continue
			}
			out = append(out, coerceScalar(item))
		}
		return out
	case map[string]any:
		return nil
	default:
		return nil
	}
}

// Render projects the context into the labelled block the stages embed
// in their prompts. Output is capped; truncation is explicit so the
// model never sees a silently chopped sentence as authoritative.
func (c *Context) Render() string {
	if c.IsEmpty() {
		return ""
	}

	var b strings.Builder
	writeScalar := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, value)
		}
	}
	writeList := func(label string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s:\n", label)
		for _, item := range items {
			fmt.Fprintf(&b, "  • %s\n", item)
		}
	}

	writeScalar("Language", c.Language)
	writeScalar("Framework", c.Framework)
	writeScalar("Description", c.Description)
	writeScalar("Test Framework", c.TestFramework)
	writeList("Conventions", c.Conventions)
	writeList("Patterns", c.Patterns)
	writeList("Code Snippets", c.CodeSnippets)
	writeList("Documentation", c.Documentation)
	writeList("Test Patterns", c.TestPatterns)

	out := strings.TrimRight(b.String(), "\n")
	if len(out) > renderCharBudget {
		out = out[:renderCharBudget] + "\n... (truncated)"
	}
	return out
}
