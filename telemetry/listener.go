package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/promptforge/promptforge/events"
)

// subscriberApp tags the telemetry subscriptions in bus introspection.
const subscriberApp = "telemetry"

// pendingEnd buffers a completion that arrived before the matching
// start. The bus keys delivery order by event type, so started and
// completed events ride different workers and can land out of order.
type pendingEnd struct {
	errMsg string // empty means success
	attrs  []attribute.KeyValue
}

// SpanListener converts bus lifecycle events into OTel spans in real
// time: one span per optimization run and one per queue job. It is safe
// for concurrent use and tolerates out-of-order delivery.
type SpanListener struct {
	tracer trace.Tracer

	mu          sync.Mutex
	inflight    map[string]trace.Span
	pendingEnds map[string]*pendingEnd
}

// NewSpanListener creates a listener emitting through tracer.
func NewSpanListener(tracer trace.Tracer) *SpanListener {
	return &SpanListener{
		tracer:      tracer,
		inflight:    make(map[string]trace.Span),
		pendingEnds: make(map[string]*pendingEnd),
	}
}

// BindBus subscribes the listener to the run and job lifecycle
// channels. Returns an unsubscribe func.
func (l *SpanListener) BindBus(bus *events.Bus) func() {
	type binding struct {
		eventType string
		handle    func(map[string]any)
	}
	bindings := []binding{
		{"promptforge:optimization.started", l.startRun},
		{"promptforge:optimization.completed", l.completeRun},
		{"promptforge:optimization.failed", l.failRun},
		{"kernel:job.started", l.startJob},
		{"kernel:job.completed", l.completeJob},
		{"kernel:job.failed", l.failJob},
	}

	ids := make([]string, 0, len(bindings))
	for _, b := range bindings {
		handle := b.handle
		ids = append(ids, bus.Subscribe(b.eventType,
			func(_ context.Context, payload map[string]any, _ string) (any, error) {
				handle(payload)
				return nil, nil
			},
			events.WithAppID(subscriberApp)))
	}
	return func() {
		for _, id := range ids {
			bus.Unsubscribe(id)
		}
	}
}

func (l *SpanListener) startRun(payload map[string]any) {
	id := str(payload, "optimization_id")
	if id == "" {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("optimization.id", id)}
	if v := str(payload, "project_id"); v != "" {
		attrs = append(attrs, attribute.String("project.id", v))
	}
	if v := str(payload, "strategy"); v != "" {
		attrs = append(attrs, attribute.String("optimization.strategy", v))
	}
	l.startSpan("run:"+id, "promptforge.optimization", trace.SpanKindServer, attrs...)
}

func (l *SpanListener) completeRun(payload map[string]any) {
	id := str(payload, "optimization_id")
	if id == "" {
		return
	}
	attrs := []attribute.KeyValue{}
	if v, ok := num(payload, "overall_score"); ok {
		attrs = append(attrs, attribute.Float64("optimization.overall_score", v))
	}
	if v := str(payload, "strategy"); v != "" {
		attrs = append(attrs, attribute.String("optimization.strategy", v))
	}
	if v, ok := num(payload, "duration_ms"); ok {
		attrs = append(attrs, attribute.Int64("optimization.duration_ms", int64(v)))
	}
	if v, ok := num(payload, "iterations"); ok {
		attrs = append(attrs, attribute.Int("optimization.iterations", int(v)))
	}
	l.endSpan("run:"+id, attrs...)
}

func (l *SpanListener) failRun(payload map[string]any) {
	id := str(payload, "optimization_id")
	if id == "" {
		return
	}
	msg := str(payload, "message")
	if msg == "" {
		msg = "optimization failed"
	}
	attrs := []attribute.KeyValue{}
	if v := str(payload, "error_type"); v != "" {
		attrs = append(attrs, attribute.String("error.type", v))
	}
	l.failSpan("run:"+id, msg, attrs...)
}

func (l *SpanListener) startJob(payload map[string]any) {
	id := str(payload, "job_id")
	if id == "" {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("job.id", id)}
	if v := str(payload, "job_type"); v != "" {
		attrs = append(attrs, attribute.String("job.type", v))
	}
	l.startSpan("job:"+id, "promptforge.job", trace.SpanKindConsumer, attrs...)
}

func (l *SpanListener) completeJob(payload map[string]any) {
	id := str(payload, "job_id")
	if id == "" {
		return
	}
	l.endSpan("job:" + id)
}

func (l *SpanListener) failJob(payload map[string]any) {
	id := str(payload, "job_id")
	if id == "" {
		return
	}
	msg := str(payload, "error")
	if reason := str(payload, "reason"); reason != "" {
		msg = reason
	}
	if msg == "" {
		msg = "job failed"
	}
	l.failSpan("job:"+id, msg)
}

// startSpan opens a span and stores it in inflight. If a completion was
// already buffered, the span is ended immediately with the buffered
// outcome.
func (l *SpanListener) startSpan(key, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) {
	_, span := l.tracer.Start(context.Background(), name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)

	l.mu.Lock()
	pe, havePending := l.pendingEnds[key]
	if havePending {
		delete(l.pendingEnds, key)
	} else {
		l.inflight[key] = span
	}
	l.mu.Unlock()

	if havePending {
		span.SetAttributes(pe.attrs...)
		if pe.errMsg != "" {
			span.SetStatus(codes.Error, pe.errMsg)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// endSpan closes an inflight span with Ok status, or buffers the
// completion when the start has not been seen yet.
func (l *SpanListener) endSpan(key string, attrs ...attribute.KeyValue) {
	l.mu.Lock()
	span, ok := l.inflight[key]
	if ok {
		delete(l.inflight, key)
	} else {
		l.pendingEnds[key] = &pendingEnd{attrs: attrs}
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	span.SetAttributes(attrs...)
	span.SetStatus(codes.Ok, "")
	span.End()
}

// failSpan closes an inflight span with Error status, or buffers the
// failure when the start has not been seen yet.
func (l *SpanListener) failSpan(key, errMsg string, attrs ...attribute.KeyValue) {
	l.mu.Lock()
	span, ok := l.inflight[key]
	if ok {
		delete(l.inflight, key)
	} else {
		l.pendingEnds[key] = &pendingEnd{errMsg: errMsg, attrs: attrs}
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	span.SetAttributes(attrs...)
	span.SetStatus(codes.Error, errMsg)
	span.End()
}

// str reads a string payload field, empty when absent or mistyped.
func str(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

// num reads a numeric payload field. In-process publishes carry native
// ints; webhook traffic arrives JSON-decoded as float64.
func num(payload map[string]any, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
