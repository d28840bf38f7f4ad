// Package events provides the typed pub/sub bus the service coordinates
// through: optimization lifecycle events, job progress, and webhook
// traffic all flow through one Bus. Contracts attach JSON Schemas to
// event types, History retains a replay window for SSE reconnection,
// and Relay fans events out to streaming clients.
package events

import (
	"time"

	"github.com/google/uuid"
)

// RelayChannel is the reserved event type every published event is
// mirrored onto for streaming consumers. Events published directly to
// it are not mirrored again.
const RelayChannel = "__sse_relay__"

// Event is one published occurrence. ID is a UUIDv4 assigned at publish
// time and reused for the relay copy, so stream replay cursors remain
// stable across both views.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	SourceApp string         `json:"source_app"`
	Timestamp time.Time      `json:"timestamp"`
}

func newEvent(eventType string, payload map[string]any, sourceApp string) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		SourceApp: sourceApp,
		Timestamp: time.Now().UTC(),
	}
}

// relayPayload wraps an event for delivery on the relay channel. The
// original type and source ride inside the payload so relay consumers
// can demultiplex without extra lookups.
func relayPayload(e Event) map[string]any {
	wrapped := make(map[string]any, len(e.Payload)+4)
	for k, v := range e.Payload {
		wrapped[k] = v
	}
	wrapped["event_type"] = e.Type
	wrapped["source_app"] = e.SourceApp
	wrapped["id"] = e.ID
	wrapped["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	return wrapped
}
