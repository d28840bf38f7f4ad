package events

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/promptforge/promptforge/logger"
)

// Contract binds an event type to the JSON Schema its payload must
// satisfy. ResponseSchema documents the reply shape for request/reply
// types; it is informational and not enforced by the bus.
type Contract struct {
	EventType      string         `json:"event_type"`
	Description    string         `json:"description,omitempty"`
	SourceApp      string         `json:"source_app,omitempty"`
	PayloadSchema  map[string]any `json:"payload_schema,omitempty"`
	ResponseSchema map[string]any `json:"response_schema,omitempty"`
}

type compiledContract struct {
	contract Contract
	schema   *gojsonschema.Schema
}

// ContractRegistry holds declared contracts. Event types without a
// contract pass validation untouched; declared types are checked on
// every publish.
type ContractRegistry struct {
	mu        sync.RWMutex
	contracts map[string]*compiledContract
}

func NewContractRegistry() *ContractRegistry {
	return &ContractRegistry{contracts: make(map[string]*compiledContract)}
}

// Register compiles and stores a contract. Re-registering an event type
// overwrites the previous contract with a warning, matching hot-reload
// behavior where apps re-announce their contracts on reconnect.
func (r *ContractRegistry) Register(c Contract) error {
	if c.EventType == "" {
		return fmt.Errorf("contract missing event type")
	}

	var schema *gojsonschema.Schema
	if c.PayloadSchema != nil {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(c.PayloadSchema))
		if err != nil {
			return fmt.Errorf("compiling payload schema for %s: %w", c.EventType, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contracts[c.EventType]; exists {
		logger.Warn("overwriting existing event contract", "event_type", c.EventType)
	}
	r.contracts[c.EventType] = &compiledContract{contract: c, schema: schema}
	return nil
}

// Get returns the contract declared for an event type.
func (r *ContractRegistry) Get(eventType string) (Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cc, ok := r.contracts[eventType]
	if !ok {
		return Contract{}, false
	}
	return cc.contract, true
}

// Validate checks a payload against the type's declared schema. Types
// without a contract, or contracts without a payload schema, always
// pass.
func (r *ContractRegistry) Validate(eventType string, payload map[string]any) error {
	r.mu.RLock()
	cc, ok := r.contracts[eventType]
	r.mu.RUnlock()
	if !ok || cc.schema == nil {
		return nil
	}

	if payload == nil {
		payload = map[string]any{}
	}
	result, err := cc.schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return fmt.Errorf("validating %s payload: %w", eventType, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			msgs = append(msgs, resultErr.String())
		}
		return fmt.Errorf("payload violates contract for %s: %v", eventType, msgs)
	}
	return nil
}

// All returns every declared contract sorted by event type.
func (r *ContractRegistry) All() []Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Contract, 0, len(r.contracts))
	for _, cc := range r.contracts {
		out = append(out, cc.contract)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventType < out[j].EventType })
	return out
}

// ToJSON renders the registry for the contracts introspection endpoint.
func (r *ContractRegistry) ToJSON() ([]byte, error) {
	return json.MarshalIndent(map[string]any{"contracts": r.All()}, "", "  ")
}

// objectSchema builds the common object-with-required-fields schema
// shape used by the built-in contracts.
func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// DefaultContracts declares the event types the service itself
// publishes. Webhook-relayed external events stay uncontracted and pass
// through unvalidated.
func DefaultContracts() *ContractRegistry {
	r := NewContractRegistry()

	str := map[string]any{"type": "string"}
	num := map[string]any{"type": "number"}
	intSchema := map[string]any{"type": "integer"}

	declare := func(c Contract) {
		if err := r.Register(c); err != nil {
			// Built-in schemas are static; a compile failure is a bug.
			panic(err)
		}
	}

	declare(Contract{
		EventType:   "promptforge:optimization.started",
		Description: "An optimization run began executing.",
		SourceApp:   "promptforge",
		PayloadSchema: objectSchema([]string{"optimization_id", "raw_prompt"}, map[string]any{
			"optimization_id": str,
			"raw_prompt":      str,
			"project_id":      str,
			"strategy":        str,
		}),
	})
	declare(Contract{
		EventType:   "promptforge:optimization.completed",
		Description: "An optimization run finished with a validated result.",
		SourceApp:   "promptforge",
		PayloadSchema: objectSchema([]string{"optimization_id", "overall_score"}, map[string]any{
			"optimization_id": str,
			"overall_score":   num,
			"strategy":        str,
			"project_id":      str,
			"duration_ms":     intSchema,
			"iterations":      intSchema,
		}),
	})
	declare(Contract{
		EventType:   "promptforge:optimization.failed",
		Description: "An optimization run ended in an error.",
		SourceApp:   "promptforge",
		PayloadSchema: objectSchema([]string{"optimization_id", "error_type"}, map[string]any{
			"optimization_id": str,
			"error_type":      str,
			"message":         str,
		}),
	})
	declare(Contract{
		EventType:   "promptforge:prompt.created",
		Description: "A prompt was registered in the library.",
		SourceApp:   "promptforge",
		PayloadSchema: objectSchema([]string{"prompt_id"}, map[string]any{
			"prompt_id":  str,
			"project_id": str,
		}),
	})
	declare(Contract{
		EventType:   "promptforge:prompt.updated",
		Description: "A prompt's content changed and a version snapshot was taken.",
		SourceApp:   "promptforge",
		PayloadSchema: objectSchema([]string{"prompt_id", "version"}, map[string]any{
			"prompt_id": str,
			"version":   intSchema,
		}),
	})

	for _, jobEvent := range []struct {
		suffix, description string
		required            []string
		extra               map[string]any
	}{
		{"submitted", "A job entered the queue.", []string{"job_id", "job_type"}, map[string]any{"priority": intSchema}},
		{"started", "A worker picked the job up.", []string{"job_id", "job_type"}, nil},
		{"progress", "A running job reported progress.", []string{"job_id", "progress"}, map[string]any{"message": str}},
		{"completed", "A job finished successfully.", []string{"job_id"}, map[string]any{"result": map[string]any{}}},
		{"failed", "A job failed or was cancelled.", []string{"job_id"}, map[string]any{"error": str, "reason": str}},
	} {
		props := map[string]any{
			"job_id":   str,
			"job_type": str,
			"progress": num,
		}
		for k, v := range jobEvent.extra {
			props[k] = v
		}
		declare(Contract{
			EventType:     "kernel:job." + jobEvent.suffix,
			Description:   jobEvent.description,
			SourceApp:     "kernel",
			PayloadSchema: objectSchema(jobEvent.required, props),
		})
	}

	return r
}
