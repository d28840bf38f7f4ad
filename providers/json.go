package providers

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Models routinely wrap JSON in markdown fences and sprinkle trailing
// commas or // comments through it. The extraction pipeline recovers
// the object without asking the model to resend.
var (
	jsonFencePattern  = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	jsonObjectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	trailingCommaRe   = regexp.MustCompile(`,\s*([}\]])`)
)

// ParseJSONObject recovers a JSON object from a model response. Four
// strategies run in order until one parses: the trimmed response
// verbatim, the contents of a fenced code block, the outermost brace
// span, and the brace span with // comments and trailing commas
// stripped. The error names the offending prefix to make prompt
// debugging tractable.
func ParseJSONObject(content string) (map[string]any, error) {
	for _, candidate := range jsonCandidates(content) {
		var out map[string]any
		if err := json.Unmarshal([]byte(candidate), &out); err == nil {
			return out, nil
		}
	}
	return nil, fmt.Errorf("no parseable JSON object in response (%s)", snippet(content))
}

// ExtractJSON returns the first candidate string that parses as a JSON
// object, or "" when none does.
func ExtractJSON(content string) string {
	for _, candidate := range jsonCandidates(content) {
		if json.Valid([]byte(candidate)) {
			return candidate
		}
	}
	return ""
}

func jsonCandidates(content string) []string {
	var out []string
	if trimmed := strings.TrimSpace(content); trimmed != "" {
		out = append(out, trimmed)
	}
	if m := jsonFencePattern.FindStringSubmatch(content); len(m) > 1 {
		out = append(out, m[1])
	}
	var span string
	if m := jsonObjectPattern.FindString(content); m != "" {
		span = m
		out = append(out, span)
	}
	if span != "" {
		if cleaned := cleanJSON(span); cleaned != span {
			out = append(out, cleaned)
		}
	}
	return out
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}

// cleanJSON strips // comments outside string values and trailing
// commas before } or ].
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, stripLineComment(line))
	}
	return trailingCommaRe.ReplaceAllString(strings.Join(cleaned, "\n"), "$1")
}

// stripLineComment removes a // comment from a line while honoring
// string boundaries, so "https://example.com" survives intact.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
