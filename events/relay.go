package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/promptforge/promptforge/logger"
)

// defaultClientBuffer is the per-client queue depth before drops begin.
const defaultClientBuffer = 64

// Relay fans relay-channel traffic out to streaming clients (SSE and
// WebSocket handlers). Each client gets its own buffered channel; a
// client that stops reading loses events rather than stalling the bus.
type Relay struct {
	bus   *Bus
	subID string

	mu      sync.Mutex
	clients map[string]chan Event
	buffer  int
	dropped atomic.Uint64
}

// NewRelay subscribes to the bus relay channel and starts forwarding.
// buffer sets each client's queue depth; values below 1 use the
// default.
func NewRelay(bus *Bus, buffer int) *Relay {
	if buffer < 1 {
		buffer = defaultClientBuffer
	}
	r := &Relay{
		bus:     bus,
		clients: make(map[string]chan Event),
		buffer:  buffer,
	}
	r.subID = bus.Subscribe(RelayChannel, r.forward, WithAppID("sse-relay"))
	return r
}

func (r *Relay) forward(_ context.Context, payload map[string]any, _ string) (any, error) {
	event := flattenRelay(payload)

	r.mu.Lock()
	defer r.mu.Unlock()
	for clientID, ch := range r.clients {
		select {
		case ch <- event:
		default:
			r.dropped.Add(1)
			logger.Warn("dropping stream event for slow client",
				"client", clientID, "event_type", event.Type)
		}
	}
	return nil, nil
}

// flattenRelay rebuilds the original event view from the relay wrapper.
func flattenRelay(payload map[string]any) Event {
	e := Event{Payload: make(map[string]any, len(payload))}
	for k, v := range payload {
		switch k {
		case "event_type":
			e.Type, _ = v.(string)
		case "source_app":
			e.SourceApp, _ = v.(string)
		case "id":
			e.ID, _ = v.(string)
		case "timestamp":
			if s, ok := v.(string); ok {
				e.Timestamp, _ = time.Parse(time.RFC3339Nano, s)
			}
		default:
			e.Payload[k] = v
		}
	}
	return e
}

// Listen registers a streaming client. The returned cancel func must be
// called when the client disconnects; it closes the channel.
func (r *Relay) Listen() (<-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, r.buffer)

	r.mu.Lock()
	r.clients[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existing, ok := r.clients[id]; ok {
			delete(r.clients, id)
			close(existing)
		}
	}
	return ch, cancel
}

// ClientCount reports how many streaming clients are attached.
func (r *Relay) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Dropped reports events discarded because a client buffer was full.
func (r *Relay) Dropped() uint64 {
	return r.dropped.Load()
}

// Close detaches from the bus and closes every client channel.
func (r *Relay) Close() {
	r.bus.Unsubscribe(r.subID)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.clients {
		delete(r.clients, id)
		close(ch)
	}
}
