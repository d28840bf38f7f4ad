package types

// TokenUsage tracks token consumption reported by a provider call.
// All fields are optional: a nil pointer means the provider did not
// report that counter, which is distinct from reporting zero.
type TokenUsage struct {
	InputTokens              *int `json:"input_tokens,omitempty"`
	OutputTokens             *int `json:"output_tokens,omitempty"`
	CacheCreationInputTokens *int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     *int `json:"cache_read_input_tokens,omitempty"`
}

// NewTokenUsage builds a usage value with input and output counts set.
func NewTokenUsage(input, output int) TokenUsage {
	return TokenUsage{InputTokens: Int(input), OutputTokens: Int(output)}
}

// Add returns the field-wise sum of u and other. Missing counters are
// treated as zero; a summed field stays nil only when it is nil on both
// operands, so "never reported" survives aggregation.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:              addOptional(u.InputTokens, other.InputTokens),
		OutputTokens:             addOptional(u.OutputTokens, other.OutputTokens),
		CacheCreationInputTokens: addOptional(u.CacheCreationInputTokens, other.CacheCreationInputTokens),
		CacheReadInputTokens:     addOptional(u.CacheReadInputTokens, other.CacheReadInputTokens),
	}
}

// Total returns the sum of all reported counters, treating nil as zero.
func (u TokenUsage) Total() int {
	return orZero(u.InputTokens) + orZero(u.OutputTokens) +
		orZero(u.CacheCreationInputTokens) + orZero(u.CacheReadInputTokens)
}

// IsZero reports whether no counter was ever set.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == nil && u.OutputTokens == nil &&
		u.CacheCreationInputTokens == nil && u.CacheReadInputTokens == nil
}

func addOptional(a, b *int) *int {
	if a == nil && b == nil {
		return nil
	}
	sum := orZero(a) + orZero(b)
	return &sum
}

func orZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// Int returns a pointer to v. Convenience for optional token counters.
func Int(v int) *int {
	return &v
}

// IntValue dereferences an optional counter, treating nil as zero.
func IntValue(p *int) int {
	return orZero(p)
}
