// Package template renders the stage prompt templates: the system
// prompts each pipeline stage sends carry {{variable}} placeholders for
// the raw prompt, the rendered context block, the strategy definition,
// and similar fragments.
//
// Two rendering modes exist. Render resolves recursively and fails on
// leftovers, which suits operator-authored templates where every
// placeholder must bind. RenderOnce substitutes each placeholder from
// the variable map exactly once and never rescans substituted content;
// the stages use it because their variables carry user text, and a code
// snippet containing literal braces must survive untouched rather than
// fail the render.
package template

import (
	"fmt"
	"strings"
)

// Renderer substitutes {{variable}} placeholders.
type Renderer struct{}

func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render applies variable substitution with recursive resolution: up to
// three passes so a variable whose value contains another placeholder
// still resolves. Any placeholder left after the passes is an error.
func (r *Renderer) Render(templateText string, vars map[string]string) (string, error) {
	result := templateText

	maxPasses := 3
	for pass := 0; pass < maxPasses; pass++ {
		changed := false
		for key, value := range vars {
			placeholder := fmt.Sprintf("{{%s}}", key)
			if strings.Contains(result, placeholder) {
				result = strings.ReplaceAll(result, placeholder, value)
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	if unresolved := findPlaceholders(result); len(unresolved) > 0 {
		return "", fmt.Errorf("unresolved template placeholders: %v", unresolved)
	}
	return result, nil
}

// RenderOnce walks the template left to right, substituting each known
// placeholder from vars. Substituted values are emitted verbatim and
// never rescanned, so user-supplied content cannot inject further
// substitution. Unknown placeholders pass through unchanged.
func (r *Renderer) RenderOnce(templateText string, vars map[string]string) string {
	var b strings.Builder
	b.Grow(len(templateText))

	for i := 0; i < len(templateText); {
		open := strings.Index(templateText[i:], "{{")
		if open < 0 {
			b.WriteString(templateText[i:])
			break
		}
		open += i
		closing := strings.Index(templateText[open+2:], "}}")
		if closing < 0 {
			b.WriteString(templateText[i:])
			break
		}
		closing += open + 2

		key := templateText[open+2 : closing]
		value, known := vars[key]
		b.WriteString(templateText[i:open])
		if known {
			b.WriteString(value)
		} else {
			b.WriteString(templateText[open : closing+2])
		}
		i = closing + 2
	}
	return b.String()
}

// ValidateRequiredVars checks that all required variables are provided
// and non-empty.
func (r *Renderer) ValidateRequiredVars(requiredVars []string, vars map[string]string) error {
	var missing []string
	for _, required := range requiredVars {
		if value, exists := vars[required]; !exists || value == "" {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required variables: %v", missing)
	}
	return nil
}

// MergeVars merges variable maps, later maps taking precedence. The
// stages use it to layer request-specific fragments over the defaults.
func (r *Renderer) MergeVars(varMaps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, vars := range varMaps {
		for k, v := range vars {
			result[k] = v
		}
	}
	return result
}

// findPlaceholders extracts {{variable}} spans for error reporting.
func findPlaceholders(text string) []string {
	var placeholders []string
	for i := 0; i+3 < len(text); {
		open := strings.Index(text[i:], "{{")
		if open < 0 {
			break
		}
		open += i
		closing := strings.Index(text[open+2:], "}}")
		if closing < 0 {
			break
		}
		closing += open + 2
		placeholders = append(placeholders, text[open:closing+2])
		i = closing + 2
	}
	return placeholders
}

// UsedVars lists the variable names with non-empty values, for debug
// logging of which fragments a stage actually injected.
func UsedVars(vars map[string]string) []string {
	var used []string
	for key, val := range vars {
		if val != "" {
			used = append(used, key)
		}
	}
	return used
}
