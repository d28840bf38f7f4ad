package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Spec describes a provider to construct, typically sourced from the
// service config file or a per-request override.
type Spec struct {
	// Type selects the factory: openai, openrouter, anthropic,
	// claude-cli, or mock.
	Type string `yaml:"type" json:"type"`
	// ID names this provider instance in logs and errors. Defaults
	// to Type.
	ID       string   `yaml:"id" json:"id"`
	Model    string   `yaml:"model" json:"model"`
	APIKey   string   `yaml:"api_key" json:"api_key"`
	BaseURL  string   `yaml:"base_url" json:"base_url"`
	Defaults Defaults `yaml:"defaults" json:"defaults"`
}

// Factory constructs a provider from a spec.
type Factory func(spec Spec) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// RegisterFactory installs a factory for a provider type, replacing
// any previous registration. Provider types are case-insensitive.
func RegisterFactory(providerType string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[strings.ToLower(providerType)] = f
}

// UnsupportedProviderError reports an unknown provider type along with
// the types that are registered, so config typos are self-diagnosing.
type UnsupportedProviderError struct {
	Type  string
	Known []string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("unsupported provider type %q (known: %s)", e.Type, strings.Join(e.Known, ", "))
}

// NewFromSpec constructs a provider via the registered factory for
// spec.Type.
func NewFromSpec(spec Spec) (Provider, error) {
	if spec.ID == "" {
		spec.ID = spec.Type
	}
	factoriesMu.RLock()
	f, ok := factories[strings.ToLower(spec.Type)]
	factoriesMu.RUnlock()
	if !ok {
		return nil, &UnsupportedProviderError{Type: spec.Type, Known: RegisteredTypes()}
	}
	return f(spec)
}

// RegisteredTypes returns the registered provider types, sorted.
func RegisteredTypes() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func init() {
	RegisterFactory("openai", func(spec Spec) (Provider, error) {
		return NewOpenAIProvider(OpenAIConfig{
			ID:       spec.ID,
			Model:    spec.Model,
			APIKey:   spec.APIKey,
			BaseURL:  spec.BaseURL,
			Defaults: spec.Defaults,
		})
	})
	RegisterFactory("openrouter", func(spec Spec) (Provider, error) {
		baseURL := spec.BaseURL
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
		return NewOpenAIProvider(OpenAIConfig{
			ID:       spec.ID,
			Model:    spec.Model,
			APIKey:   spec.APIKey,
			BaseURL:  baseURL,
			Defaults: spec.Defaults,
		})
	})
	RegisterFactory("anthropic", func(spec Spec) (Provider, error) {
		return NewAnthropicProvider(AnthropicConfig{
			ID:       spec.ID,
			Model:    spec.Model,
			APIKey:   spec.APIKey,
			BaseURL:  spec.BaseURL,
			Defaults: spec.Defaults,
		})
	})
	RegisterFactory("claude-cli", func(spec Spec) (Provider, error) {
		return NewClaudeCLIProvider(ClaudeCLIConfig{
			ID:    spec.ID,
			Model: spec.Model,
		}), nil
	})
	RegisterFactory("mock", func(spec Spec) (Provider, error) {
		model := spec.Model
		if model == "" {
			model = "mock-model"
		}
		return NewMockProvider(spec.ID, model), nil
	})
}
