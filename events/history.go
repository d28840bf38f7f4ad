package events

import "sync"

// DefaultHistorySize is the replay window attached to the bus by
// default. Streaming clients reconnecting within this window receive
// every event they missed; older gaps are unrecoverable.
const DefaultHistorySize = 256

// History is a fixed-capacity ring of recent events used to serve
// Last-Event-ID replay on reconnection.
type History struct {
	mu   sync.RWMutex
	buf  []Event
	head int
	size int
}

// NewHistory returns a ring holding up to capacity events. Capacities
// below 1 fall back to the default.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = DefaultHistorySize
	}
	return &History{buf: make([]Event, capacity)}
}

// Append records an event, evicting the oldest when full.
func (h *History) Append(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.head] = e
	h.head = (h.head + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
}

// snapshot returns buffered events oldest-first. Caller must hold the
// read lock.
func (h *History) snapshot() []Event {
	out := make([]Event, 0, h.size)
	start := h.head - h.size
	if start < 0 {
		start += len(h.buf)
	}
	for i := 0; i < h.size; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}

// Since returns the events recorded after the event with the given ID.
// An empty or unknown ID returns the whole window: the caller cannot
// tell how far behind an expired cursor is, so replaying everything
// still buffered is the safe recovery.
func (h *History) Since(lastID string) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	all := h.snapshot()
	if lastID == "" {
		return all
	}
	for i, e := range all {
		if e.ID == lastID {
			return append([]Event(nil), all[i+1:]...)
		}
	}
	return all
}

// Recent returns up to n of the newest events, oldest-first.
func (h *History) Recent(n int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	all := h.snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Len reports how many events are buffered.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}
