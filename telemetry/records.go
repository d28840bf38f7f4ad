package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/promptforge/promptforge/record"
	"github.com/promptforge/promptforge/types"
)

// RecordConverter turns persisted optimization records into OTLP spans
// so historical runs can be replayed into a tracing backend. IDs are
// derived from the record ID, making the conversion idempotent: the
// same record always maps to the same trace. The exporter supplies the
// resource.
type RecordConverter struct{}

// NewRecordConverter creates a converter.
func NewRecordConverter() *RecordConverter {
	return &RecordConverter{}
}

// ConvertRecord converts one record into a single-span trace with the
// stage outputs as span events. Records that never started produce nil.
func (c *RecordConverter) ConvertRecord(rec *record.Record) []*Span {
	if rec == nil {
		return nil
	}
	return c.convert(rec, generateTraceID(rec.ID), "")
}

// ConvertRecordWithParent converts a record under an inbound trace
// context, so the replayed run appears as a child of the caller's
// trace. A nil or invalid traceparent falls back to ConvertRecord.
func (c *RecordConverter) ConvertRecordWithParent(rec *record.Record, traceCtx *TraceContext) []*Span {
	if traceCtx == nil || traceCtx.Traceparent == "" {
		return c.ConvertRecord(rec)
	}
	parentTraceID, parentSpanID, ok := parseTraceparent(traceCtx.Traceparent)
	if !ok {
		return c.ConvertRecord(rec)
	}
	return c.convert(rec, parentTraceID, parentSpanID)
}

func (c *RecordConverter) convert(rec *record.Record, traceID, parentSpanID string) []*Span {
	if rec == nil {
		return nil
	}
	start, end, ok := recordWindow(rec)
	if !ok {
		return nil
	}

	span := &Span{
		TraceID:      traceID,
		SpanID:       generateSpanID(rec.ID + ":root"),
		ParentSpanID: parentSpanID,
		Name:         "optimization",
		Kind:         SpanKindServer,
		StartTime:    start,
		EndTime:      end,
		Attributes: map[string]interface{}{
			"optimization.id": rec.ID,
		},
		Status: recordStatus(rec),
	}

	addAttr := func(key, v string) {
		if v != "" {
			span.Attributes[key] = v
		}
	}
	addAttr("optimization.strategy", rec.Strategy)
	addAttr("optimization.task_type", rec.TaskType)
	addAttr("optimization.complexity", rec.Complexity)
	addAttr("gen_ai.request.model", rec.ModelUsed)
	addAttr("project.id", rec.ProjectID)
	addAttr("prompt.id", rec.PromptID)
	addAttr("optimization.retry_of", rec.RetryOf)

	if rec.Iterations > 0 {
		span.Attributes["optimization.iterations"] = rec.Iterations
	}
	if rec.DurationMS > 0 {
		span.Attributes["optimization.duration_ms"] = rec.DurationMS
	}
	if rec.OverallScore != nil {
		span.Attributes["optimization.overall_score"] = *rec.OverallScore
	}
	span.Attributes["gen_ai.usage.input_tokens"] = types.IntValue(rec.Usage.InputTokens)
	span.Attributes["gen_ai.usage.output_tokens"] = types.IntValue(rec.Usage.OutputTokens)

	span.Events = stageEvents(rec, end)
	return []*Span{span}
}

// recordWindow derives the span time bounds. Pending records have no
// window; a missing end falls back to start plus the stored duration.
func recordWindow(rec *record.Record) (start, end time.Time, ok bool) {
	if rec.StartedAt != nil {
		start = *rec.StartedAt
	} else if !rec.CreatedAt.IsZero() {
		start = rec.CreatedAt
	} else {
		return time.Time{}, time.Time{}, false
	}

	switch {
	case rec.CompletedAt != nil:
		end = *rec.CompletedAt
	case rec.DurationMS > 0:
		end = start.Add(time.Duration(rec.DurationMS) * time.Millisecond)
	case rec.Status.Terminal():
		end = start
	default:
		// Still pending or running; there is no honest end time yet.
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func recordStatus(rec *record.Record) *SpanStatus {
	switch rec.Status {
	case record.StatusCompleted:
		return &SpanStatus{Code: StatusCodeOk}
	case record.StatusError:
		return &SpanStatus{Code: StatusCodeError, Message: rec.Error}
	case record.StatusCancelled:
		return &SpanStatus{Code: StatusCodeError, Message: "cancelled"}
	default:
		return &SpanStatus{Code: StatusCodeUnset}
	}
}

// stageEvents emits one span event per stage that left output on the
// record. Per-stage timings are not persisted, so events carry the span
// end time.
func stageEvents(rec *record.Record, at time.Time) []*SpanEvent {
	var out []*SpanEvent

	if rec.TaskType != "" || len(rec.Weaknesses) > 0 || len(rec.Strengths) > 0 {
		out = append(out, &SpanEvent{
			Name: "analysis",
			Time: at,
			Attributes: map[string]interface{}{
				"analysis.task_type":      rec.TaskType,
				"analysis.complexity":     rec.Complexity,
				"analysis.weakness_count": len(rec.Weaknesses),
				"analysis.strength_count": len(rec.Strengths),
			},
		})
	}

	if rec.Strategy != "" {
		out = append(out, &SpanEvent{
			Name: "strategy",
			Time: at,
			Attributes: map[string]interface{}{
				"strategy.name":       rec.Strategy,
				"strategy.confidence": rec.StrategyConfidence,
			},
		})
	}

	if rec.FrameworkApplied != "" || len(rec.ChangesMade) > 0 {
		out = append(out, &SpanEvent{
			Name: "optimize",
			Time: at,
			Attributes: map[string]interface{}{
				"optimize.framework_applied": rec.FrameworkApplied,
				"optimize.change_count":      len(rec.ChangesMade),
			},
		})
	}

	if rec.OverallScore != nil {
		attrs := map[string]interface{}{
			"validate.overall_score": *rec.OverallScore,
		}
		addScore := func(key string, v *float64) {
			if v != nil {
				attrs[key] = *v
			}
		}
		addScore("validate.clarity_score", rec.ClarityScore)
		addScore("validate.specificity_score", rec.SpecificityScore)
		addScore("validate.structure_score", rec.StructureScore)
		addScore("validate.faithfulness_score", rec.FaithfulnessScore)
		if rec.IsImprovement != nil {
			attrs["validate.is_improvement"] = *rec.IsImprovement
		}
		out = append(out, &SpanEvent{Name: "validate", Time: at, Attributes: attrs})
	}

	return out
}

// ExportRecords converts terminal records and posts them to the
// exporter in batches. It returns the number of spans exported; the
// first export failure aborts the remainder.
func ExportRecords(ctx context.Context, exporter Exporter, converter *RecordConverter, records []*record.Record, batchSize int) (int, error) {
	if converter == nil {
		converter = NewRecordConverter()
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	exported := 0
	batch := make([]*Span, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := exporter.Export(ctx, batch); err != nil {
			return fmt.Errorf("exporting %d spans: %w", len(batch), err)
		}
		exported += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, rec := range records {
		if !rec.Status.Terminal() {
			continue
		}
		batch = append(batch, converter.ConvertRecord(rec)...)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return exported, err
			}
		}
	}
	return exported, flush()
}

// parseTraceparent extracts trace ID and span ID from a W3C traceparent
// header: version-trace_id-parent_id-trace_flags.
func parseTraceparent(tp string) (traceID, spanID string, ok bool) {
	if !traceparentRe.MatchString(tp) {
		return "", "", false
	}
	traceID = tp[3:35]
	spanID = tp[36:52]
	return traceID, spanID, true
}

// generateTraceID derives a 16-byte trace ID from a string.
func generateTraceID(s string) string {
	hash := sha256.Sum256([]byte(s))
	return hex.EncodeToString(hash[:16])
}

// generateSpanID derives an 8-byte span ID from a string.
func generateSpanID(s string) string {
	hash := sha256.Sum256([]byte(s))
	return hex.EncodeToString(hash[:8])
}
