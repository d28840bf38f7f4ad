package prometheus

import (
	"context"

	"github.com/promptforge/promptforge/events"
)

// subscriberApp tags the metrics subscriptions in bus introspection.
const subscriberApp = "metrics"

// Job terminal statuses as counted on the bus. Run and stage metrics
// come from the orchestrator hook directly and are not re-counted here.
const (
	jobStatusCompleted = "completed"
	jobStatusFailed    = "failed"
	jobStatusCancelled = "cancelled"
)

// BindBus counts job queue lifecycle events published on the bus.
// Cancelled jobs arrive as kernel:job.failed with reason=cancelled and
// are counted separately. Returns an unsubscribe func.
func BindBus(bus *events.Bus) func() {
	ids := []string{
		bus.Subscribe("kernel:job.submitted", func(_ context.Context, payload map[string]any, _ string) (any, error) {
			RecordJobSubmitted(payloadString(payload, "job_type"))
			return nil, nil
		}, events.WithAppID(subscriberApp)),

		bus.Subscribe("kernel:job.completed", func(_ context.Context, payload map[string]any, _ string) (any, error) {
			RecordJobEnd(payloadString(payload, "job_type"), jobStatusCompleted)
			return nil, nil
		}, events.WithAppID(subscriberApp)),

		bus.Subscribe("kernel:job.failed", func(_ context.Context, payload map[string]any, _ string) (any, error) {
			status := jobStatusFailed
			if payloadString(payload, "reason") == jobStatusCancelled {
				status = jobStatusCancelled
			}
			RecordJobEnd(payloadString(payload, "job_type"), status)
			return nil, nil
		}, events.WithAppID(subscriberApp)),
	}

	return func() {
		for _, id := range ids {
			bus.Unsubscribe(id)
		}
	}
}

// payloadString reads a string field from an event payload. Missing or
// non-string values fall back to "unknown" so label cardinality stays
// bounded.
func payloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return "unknown"
}
