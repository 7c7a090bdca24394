package session

import "errors"

var (
	// ErrRoomFull is returned when a join targets a room that already has two members.
	ErrRoomFull = errors.New("room is full")

	// ErrInvalidRoomID is returned for an empty room id.
	ErrInvalidRoomID = errors.New("room id is required")

	// ErrAlreadyJoined is returned when a connection re-joins the room it already sits in.
	ErrAlreadyJoined = errors.New("connection already in room")

	// ErrRoomNotFound marks a message for a room that no longer exists.
	ErrRoomNotFound = errors.New("room not found")

	// ErrNotMember marks a message from a connection that is not seated in the room.
	ErrNotMember = errors.New("connection is not a room member")

	// ErrResultsPublished marks a completion report that arrives after the
	// current cycle's results were already broadcast.
	ErrResultsPublished = errors.New("race results already published")

	// ErrUnknownConnection marks a signal addressed to a connection that is not live.
	ErrUnknownConnection = errors.New("unknown connection")
)

// IsStale reports whether err is a benign race between cleanup and an
// in-flight message. Stale events are dropped without notifying the client.
func IsStale(err error) bool {
	return errors.Is(err, ErrRoomNotFound) ||
		errors.Is(err, ErrNotMember) ||
		errors.Is(err, ErrResultsPublished) ||
		errors.Is(err, ErrUnknownConnection) ||
		errors.Is(err, ErrAlreadyJoined)
}
