package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/studiobloom/bench2bench/go/internal/race/session"
)

// StateProvider exposes read-only room state
type StateProvider interface {
	Room(roomID string) (session.RoomView, bool)
	Rooms() []session.RoomView
}

// RoomStateResponse represents the complete state of a room
type RoomStateResponse struct {
	RoomID    string           `json:"room_id"`
	Members   []string         `json:"members"`
	Status    string           `json:"status"`
	Round     int              `json:"round"`
	Results   []ResultResponse `json:"results"`
	Ready     []string         `json:"ready"`
	CreatedAt time.Time        `json:"created_at"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
}

// ResultResponse is one reported result in the current race
type ResultResponse struct {
	ID       string  `json:"id"`
	FPS      float64 `json:"fps"`
	RaceTime float64 `json:"raceTime"`
}

// RoomSummary represents a summary of a live room
type RoomSummary struct {
	RoomID  string `json:"room_id"`
	Members int    `json:"members"`
	Status  string `json:"status"`
	Round   int    `json:"round"`
}

// Room statuses reported by the state endpoints
const (
	StatusWaiting  = "waiting"
	StatusRacing   = "racing"
	StatusFinished = "finished"
)

func roomStatus(v session.RoomView) string {
	switch {
	case v.Round == 0:
		return StatusWaiting
	case v.Published:
		return StatusFinished
	default:
		return StatusRacing
	}
}

func newRoomStateResponse(v session.RoomView) RoomStateResponse {
	resp := RoomStateResponse{
		RoomID:    v.ID,
		Members:   v.Members,
		Status:    roomStatus(v),
		Round:     v.Round,
		Results:   make([]ResultResponse, 0, len(v.Results)),
		Ready:     v.Ready,
		CreatedAt: v.CreatedAt,
	}
	for _, e := range v.Results {
		resp.Results = append(resp.Results, ResultResponse{ID: e.ConnID, FPS: e.Result.FPS, RaceTime: e.Result.RaceTime})
	}
	if !v.StartedAt.IsZero() {
		startedAt := v.StartedAt
		resp.StartedAt = &startedAt
	}
	return resp
}

// StateHandler handles HTTP requests for room state
type StateHandler struct {
	stateProvider StateProvider
}

// NewStateHandler creates a new state handler
func NewStateHandler(provider StateProvider) *StateHandler {
	return &StateHandler{
		stateProvider: provider,
	}
}

// HandleGetRoomState handles GET /api/rooms/{id}/state
func (h *StateHandler) HandleGetRoomState(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if roomID == "" {
		http.Error(w, "Room ID is required", http.StatusBadRequest)
		return
	}

	view, ok := h.stateProvider.Room(roomID)
	if !ok {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, newRoomStateResponse(view))
}

// HandleGetActiveRooms handles GET /api/rooms
func (h *StateHandler) HandleGetActiveRooms(w http.ResponseWriter, r *http.Request) {
	views := h.stateProvider.Rooms()
	rooms := make([]RoomSummary, 0, len(views))
	for _, v := range views {
		rooms = append(rooms, RoomSummary{
			RoomID:  v.ID,
			Members: len(v.Members),
			Status:  roomStatus(v),
			Round:   v.Round,
		})
	}
	writeJSON(w, http.StatusOK, rooms)
}

// RegisterStateRoutes registers state-related HTTP routes
func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/rooms", h.HandleGetActiveRooms)
	mux.HandleFunc("GET /api/rooms/{id}/state", h.HandleGetRoomState)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
