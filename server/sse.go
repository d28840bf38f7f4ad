package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseStream writes server-sent events on an HTTP response. Events carry
// an optional id field for Last-Event-ID reconnection.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEStream switches the response into event-stream mode. Returns an
// error when the underlying writer cannot flush, in which case nothing
// has been written yet.
func newSSEStream(w http.ResponseWriter) (*sseStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by connection")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseStream{w: w, flusher: flusher}, nil
}

// send writes one event frame and flushes it. A marshal failure is
// reported in-band as a minimal error frame so the client never sees a
// torn stream.
func (s *sseStream) send(id, event string, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		body = []byte(fmt.Sprintf(`{"status":"error","error":"encoding event: %s"}`, err))
		event = "error"
	}
	fmt.Fprintf(s.w, "event: %s\n", event)
	if id != "" {
		fmt.Fprintf(s.w, "id: %s\n", id)
	}
	fmt.Fprintf(s.w, "data: %s\n\n", body)
	s.flusher.Flush()
}
