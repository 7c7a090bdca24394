package events

import (
	"encoding/json"
	"time"
)

// Type names a message on the client websocket protocol.
type Type string

// Inbound (client to server) message types
const (
	TypeJoinRoom         Type = "joinRoom"
	TypeRaceComplete     Type = "raceComplete"
	TypeReadyForNextRace Type = "readyForNextRace"
	TypeSignal           Type = "signal"
	TypeMetricUpdate     Type = "metricUpdate"
)

// Outbound (server to client) message types. TypeSignal is used in both directions.
const (
	TypeConnected       Type = "connected"
	TypeRoomFull        Type = "roomFull"
	TypeStartRace       Type = "startRace"
	TypeRaceResults     Type = "raceResults"
	TypeOpponentReady   Type = "opponentReady"
	TypeOpponentMetrics Type = "opponentMetrics"
	TypeOpponentLeft    Type = "opponentLeft"
)

// Envelope is the wire shape of every inbound frame.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is an outbound message before the gateway stamps it for the wire.
// Data is nil for bare notifications such as roomFull.
type Message struct {
	Type Type
	Data interface{}
}

// Event is the wire shape of every outbound frame
type Event struct {
	ID        string      `json:"id"`
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}
