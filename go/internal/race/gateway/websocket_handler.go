package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles WebSocket upgrade requests for race clients
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	handler           MessageHandler
	stats             func() map[string]interface{}
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager, handler MessageHandler, stats func() map[string]interface{}) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		handler:           handler,
		stats:             stats,
	}
}

// HandleConnection upgrades the request and hands the connection to the router
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	// The upgrader has already written an error response when this fails
	if _, err := h.connectionManager.UpgradeConnection(w, r, h.handler); err != nil {
		evt := log.Warn()
		if errors.Is(err, ErrShuttingDown) {
			evt = log.Info()
		}
		evt.Err(err).
			Str("remote_addr", r.RemoteAddr).
			Str("origin", r.Header.Get("Origin")).
			Msg("failed to upgrade WebSocket connection")
	}
}

// HandleConnectionStats returns statistics about active connections and rooms
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.stats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.HandleConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}
