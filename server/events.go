package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/promptforge/promptforge/logger"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = 60 * time.Second
	wsReadLimit  = 512
)

// handleEventTail streams every bus event to the client. A Last-Event-ID
// header replays the missed window from history before going live.
func (s *Server) handleEventTail(w http.ResponseWriter, r *http.Request) {
	sse, err := newSSEStream(w)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "%s", err)
		return
	}
	if s.streamMetrics != nil {
		s.streamMetrics.ClientConnected("sse")
		defer s.streamMetrics.ClientDisconnected("sse")
	}

	// Subscribe before replaying so no event falls between the gap
	// replay and the live feed. Duplicates across the seam are possible
	// and clients dedupe by id.
	live, stop := s.relay.Listen()
	defer stop()

	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" && s.bus != nil {
		if history := s.bus.History(); history != nil {
			for _, e := range history.Since(lastID) {
				sse.send(e.ID, e.Type, e)
			}
		}
	}

	for {
		select {
		case e, ok := <-live:
			if !ok {
				return
			}
			sse.send(e.ID, e.Type, e)
		case <-r.Context().Done():
			return
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The endpoint is internal; CORS policy is enforced by the router
	// middleware for browser callers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEventWS serves the relay feed over a WebSocket for consumers
// that hold long-lived bidirectional connections.
func (s *Server) handleEventWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an error status.
		return
	}
	defer conn.Close()

	if s.streamMetrics != nil {
		s.streamMetrics.ClientConnected("ws")
		defer s.streamMetrics.ClientDisconnected("ws")
	}

	live, stop := s.relay.Listen()
	defer stop()

	// Reader pump: discard client frames, surface disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(wsReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-live:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handleContracts dumps the registered event contracts as JSON Schema.
func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request) {
	registry := s.bus.Contracts()
	if registry == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	data, err := registry.ToJSON()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "%s", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleSubscriptions lists the live bus subscriptions.
func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriptions": s.bus.ListSubscriptions(),
	})
}

// handleWebhook ingests external tool events onto the bus. A configured
// secret must match the X-Webhook-Secret header; an empty secret
// disables the check.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookSecret != "" && r.Header.Get("X-Webhook-Secret") != s.webhookSecret {
		writeDetail(w, http.StatusForbidden, "invalid webhook secret")
		return
	}

	var body map[string]any
	if err := decodeRawJSON(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	eventType, _ := body["event_type"].(string)
	if eventType == "" {
		writeDetail(w, http.StatusBadRequest, "event_type is required")
		return
	}
	delete(body, "event_type")

	if err := s.bus.Publish(eventType, body, "mcp-webhook"); err != nil {
		logger.Warn("webhook event rejected", "event_type", eventType, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}
