package events

import (
	"encoding/json"
	"time"
)

// Payload types shared between the session coordinator and the gateway

// RaceCompletePayload is the payload of an inbound raceComplete message
type RaceCompletePayload struct {
	RoomID   string  `json:"roomId"`
	FPS      float64 `json:"fps"`
	RaceTime float64 `json:"raceTime"`
}

// SignalRequestPayload is the payload of an inbound signal message
type SignalRequestPayload struct {
	Target string          `json:"target"`
	Signal json.RawMessage `json:"signal"`
}

// MetricUpdatePayload is the payload of an inbound metricUpdate message
type MetricUpdatePayload struct {
	RoomID  string          `json:"roomId"`
	Metrics json.RawMessage `json:"metrics"`
}

// ConnectedPayload tells a client its own connection id
type ConnectedPayload struct {
	ID string `json:"id"`
}

// StartRacePayload is broadcast to both members when a race starts
type StartRacePayload struct {
	Seed         string   `json:"seed"`
	Participants []string `json:"participants"`
}

// RaceResult is one participant's entry in a raceResults message
type RaceResult struct {
	ID       string  `json:"id"`
	FPS      float64 `json:"fps"`
	RaceTime float64 `json:"raceTime"`
}

// SignalPayload is the relayed form of a signal, addressed to the target only
type SignalPayload struct {
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

// OpponentMetricsPayload mirrors a member's live metrics to the rest of the room
type OpponentMetricsPayload struct {
	From    string          `json:"from"`
	Metrics json.RawMessage `json:"metrics"`
}

// LifecycleKind classifies room lifecycle events published to the message bus
type LifecycleKind string

const (
	LifecycleRaceStarted LifecycleKind = "race_started"
	LifecycleRaceResults LifecycleKind = "race_results"
	LifecycleRoomClosed  LifecycleKind = "room_closed"
)

// LifecycleEvent describes a room state change for downstream consumers
// such as leaderboards. It never reaches websocket clients.
type LifecycleEvent struct {
	Kind       LifecycleKind `json:"kind"`
	RoomID     string        `json:"room_id"`
	Round      int           `json:"round"`
	OccurredAt time.Time     `json:"occurred_at"`
	Data       interface{}   `json:"data,omitempty"`
}
