package handlers

import (
	"net/http"

	"ruleforge-lab/internal/streaming"
	"ruleforge-lab/pkg/logger"
)

// StreamingHandler handles real-time coverage event streaming
type StreamingHandler struct {
	wsHub    *streaming.WebSocketHub
	eventBus *streaming.EventBus
	logger   *logger.Logger
}

// NewStreamingHandler creates a new streaming handler
func NewStreamingHandler(wsHub *streaming.WebSocketHub, eventBus *streaming.EventBus, log *logger.Logger) *StreamingHandler {
	return &StreamingHandler{
		wsHub:    wsHub,
		eventBus: eventBus,
		logger:   log.WithComponent("streaming-handler"),
	}
}

// HandleWebSocket handles GET /api/v1/coverage/stream. Filters come from the
// library_id, type and min_priority query parameters.
func (h *StreamingHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.wsHub == nil {
		respondError(w, http.StatusServiceUnavailable, "WebSocket streaming not available", nil)
		return
	}

	h.logger.Debug().
		Str("remote_addr", r.RemoteAddr).
		Str("user_agent", r.UserAgent()).
		Msg("WebSocket connection request")

	h.wsHub.ServeWebSocket(w, r)
}

// GetStats returns streaming statistics
func (h *StreamingHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, streamingStats(h.wsHub, h.eventBus))
}

func streamingStats(hub *streaming.WebSocketHub, bus *streaming.EventBus) map[string]int {
	stats := map[string]int{
		"websocket_clients":     0,
		"event_bus_subscribers": 0,
	}
	if hub != nil {
		stats["websocket_clients"] = hub.ClientCount()
	}
	if bus != nil {
		stats["event_bus_subscribers"] = bus.SubscriberCount()
	}
	return stats
}
