package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/studiobloom/bench2bench/go/internal/race/events"
)

// ErrMalformedMessage wraps every inbound frame or payload that cannot be decoded.
var ErrMalformedMessage = errors.New("malformed message")

// ErrUnknownMessageType is returned for envelopes with an unrecognised type.
var ErrUnknownMessageType = errors.New("unknown message type")

// ParseEnvelope decodes an inbound frame
func ParseEnvelope(message []byte) (events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return env, nil
}

// decodeRoomID accepts the room id either as a bare JSON string or as an
// object with a roomId field.
func decodeRoomID(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return id, nil
	}

	var wrapped struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return "", fmt.Errorf("%w: room id: %v", ErrMalformedMessage, err)
	}
	return wrapped.RoomID, nil
}

func decodePayload(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedMessage)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}
