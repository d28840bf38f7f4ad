// Package logger provides structured logging with automatic secret redaction.
package logger

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
// These keys are used to store values in context.Context that will be
// automatically extracted and added to log entries.
const (
	// ContextKeyOptimizationID identifies the optimization run being executed.
	ContextKeyOptimizationID contextKey = "optimization_id"

	// ContextKeyJobID identifies a background job.
	ContextKeyJobID contextKey = "job_id"

	// ContextKeyProvider identifies the LLM provider (e.g., "openai", "anthropic").
	ContextKeyProvider contextKey = "provider"

	// ContextKeyModel identifies the specific model being used.
	ContextKeyModel contextKey = "model"

	// ContextKeyStage identifies the pipeline stage (e.g., "analyze", "optimize").
	ContextKeyStage contextKey = "stage"

	// ContextKeyAppID identifies the source application on the event bus.
	ContextKeyAppID contextKey = "app_id"

	// ContextKeyRequestID identifies the individual HTTP request.
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyEnvironment identifies the deployment environment.
	ContextKeyEnvironment contextKey = "environment"
)

// allContextKeys lists all context keys that should be extracted for logging.
// This is used by the handler to iterate over all possible context values.
var allContextKeys = []contextKey{
	ContextKeyOptimizationID,
	ContextKeyJobID,
	ContextKeyProvider,
	ContextKeyModel,
	ContextKeyStage,
	ContextKeyAppID,
	ContextKeyRequestID,
	ContextKeyEnvironment,
}

// WithOptimizationID returns a new context with the optimization ID set.
func WithOptimizationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyOptimizationID, id)
}

// WithJobID returns a new context with the job ID set.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyJobID, id)
}

// WithProvider returns a new context with the provider name set.
func WithProvider(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, ContextKeyProvider, provider)
}

// WithModel returns a new context with the model name set.
func WithModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, ContextKeyModel, model)
}

// WithStage returns a new context with the pipeline stage set.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, ContextKeyStage, stage)
}

// WithAppID returns a new context with the source app ID set.
func WithAppID(ctx context.Context, appID string) context.Context {
	return context.WithValue(ctx, ContextKeyAppID, appID)
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithEnvironment returns a new context with the environment set.
func WithEnvironment(ctx context.Context, environment string) context.Context {
	return context.WithValue(ctx, ContextKeyEnvironment, environment)
}

// LoggingFields holds all standard logging context fields.
// This struct is used with WithLoggingContext for bulk field setting.
type LoggingFields struct {
	OptimizationID string
	JobID          string
	Provider       string
	Model          string
	Stage          string
	AppID          string
	RequestID      string
	Environment    string
}

// WithLoggingContext returns a new context with multiple logging fields set at once.
// Only non-empty values are set.
func WithLoggingContext(ctx context.Context, fields *LoggingFields) context.Context {
	if fields == nil {
		return ctx
	}
	if fields.OptimizationID != "" {
		ctx = WithOptimizationID(ctx, fields.OptimizationID)
	}
	if fields.JobID != "" {
		ctx = WithJobID(ctx, fields.JobID)
	}
	if fields.Provider != "" {
		ctx = WithProvider(ctx, fields.Provider)
	}
	if fields.Model != "" {
		ctx = WithModel(ctx, fields.Model)
	}
	if fields.Stage != "" {
		ctx = WithStage(ctx, fields.Stage)
	}
	if fields.AppID != "" {
		ctx = WithAppID(ctx, fields.AppID)
	}
	if fields.RequestID != "" {
		ctx = WithRequestID(ctx, fields.RequestID)
	}
	if fields.Environment != "" {
		ctx = WithEnvironment(ctx, fields.Environment)
	}
	return ctx
}

// ExtractLoggingFields extracts all logging fields from a context.
// Returns a LoggingFields struct with all values found in the context.
func ExtractLoggingFields(ctx context.Context) LoggingFields {
	fields := LoggingFields{}
	if v := ctx.Value(ContextKeyOptimizationID); v != nil {
		fields.OptimizationID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyJobID); v != nil {
		fields.JobID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyProvider); v != nil {
		fields.Provider, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyModel); v != nil {
		fields.Model, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyStage); v != nil {
		fields.Stage, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyAppID); v != nil {
		fields.AppID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyRequestID); v != nil {
		fields.RequestID, _ = v.(string)
	}
	if v := ctx.Value(ContextKeyEnvironment); v != nil {
		fields.Environment, _ = v.(string)
	}
	return fields
}
