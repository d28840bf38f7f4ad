package telemetry

import (
	"context"
	"time"
)

// Exporter sends spans to an observability backend.
type Exporter interface {
	// Export sends a batch of spans.
	Export(ctx context.Context, spans []*Span) error

	// Shutdown flushes pending data and releases resources.
	Shutdown(ctx context.Context) error
}

// Span is a trace span in OTLP wire shape.
type Span struct {
	// TraceID is the trace identifier (16 bytes, hex-encoded).
	TraceID string `json:"traceId"`
	// SpanID is this span's identifier (8 bytes, hex-encoded).
	SpanID string `json:"spanId"`
	// ParentSpanID is empty for root spans.
	ParentSpanID string `json:"parentSpanId,omitempty"`
	// Name is the operation name.
	Name string `json:"name"`
	// Kind is the span kind.
	Kind SpanKind `json:"kind"`
	// StartTime is when the span started.
	StartTime time.Time `json:"startTimeUnixNano"`
	// EndTime is when the span ended.
	EndTime time.Time `json:"endTimeUnixNano"`
	// Attributes are key-value pairs on the span.
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	// Status is the span outcome.
	Status *SpanStatus `json:"status,omitempty"`
	// Events are timestamped markers within the span.
	Events []*SpanEvent `json:"events,omitempty"`
}

// SpanKind represents the type of span.
type SpanKind int

// Span kinds.
const (
	SpanKindUnspecified SpanKind = 0
	SpanKindInternal    SpanKind = 1
	SpanKindServer      SpanKind = 2
	SpanKindClient      SpanKind = 3
	SpanKindProducer    SpanKind = 4
	SpanKindConsumer    SpanKind = 5
)

// SpanStatus represents the outcome of a span.
type SpanStatus struct {
	// Code is the status code (0=Unset, 1=Ok, 2=Error).
	Code StatusCode `json:"code"`
	// Message is the status message.
	Message string `json:"message,omitempty"`
}

// StatusCode represents the status of a span.
type StatusCode int

// Status codes.
const (
	StatusCodeUnset StatusCode = 0
	StatusCodeOk    StatusCode = 1
	StatusCodeError StatusCode = 2
)

// SpanEvent is a timestamped marker within a span.
type SpanEvent struct {
	// Name is the event name.
	Name string `json:"name"`
	// Time is when the event occurred.
	Time time.Time `json:"timeUnixNano"`
	// Attributes are key-value pairs on the event.
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Resource describes the entity producing telemetry.
type Resource struct {
	// Attributes are key-value pairs describing the resource.
	Attributes map[string]interface{} `json:"attributes"`
}

// DefaultResource returns the service's default resource.
func DefaultResource() *Resource {
	return &Resource{
		Attributes: map[string]interface{}{
			"service.name":    "promptforge",
			"service.version": InstrumentationVersion,
		},
	}
}

// ResourceWithService returns a resource naming a specific service
// instance.
func ResourceWithService(serviceName string) *Resource {
	r := DefaultResource()
	if serviceName != "" {
		r.Attributes["service.name"] = serviceName
	}
	return r
}
