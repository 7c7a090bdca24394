package session

import (
	"slices"
	"sync"
	"time"
)

// MaxMembers is the capacity of a room.
const MaxMembers = 2

// Result is one participant's reported race outcome.
type Result struct {
	FPS      float64
	RaceTime float64 // seconds
}

// Entry pairs a result with the connection that reported it.
type Entry struct {
	ConnID string
	Result Result
}

// raceState is the ephemeral per-room aggregation of results and restart votes.
// Both slices hold at most MaxMembers entries and keep insertion order.
type raceState struct {
	results   []Entry
	ready     []string
	published bool
	round     int
	startedAt time.Time
}

// reset clears results and readiness together for a new race.
func (s *raceState) reset(now time.Time) {
	s.results = s.results[:0]
	s.ready = s.ready[:0]
	s.published = false
	s.round++
	s.startedAt = now
}

func (s *raceState) resultIndex(connID string) int {
	return slices.IndexFunc(s.results, func(e Entry) bool { return e.ConnID == connID })
}

// Room is a two-party session. All fields are guarded by mu.
type Room struct {
	ID string

	mu        sync.Mutex
	members   []string
	closed    bool // set once the room has been deleted from the table
	createdAt time.Time
	race      raceState
}

func newRoom(id string, now time.Time) *Room {
	return &Room{
		ID:        id,
		members:   make([]string, 0, MaxMembers),
		createdAt: now,
		race: raceState{
			results: make([]Entry, 0, MaxMembers),
			ready:   make([]string, 0, MaxMembers),
		},
	}
}

func (r *Room) hasMember(connID string) bool {
	return slices.Contains(r.members, connID)
}

// removeMember drops connID and reports whether it was present.
func (r *Room) removeMember(connID string) bool {
	i := slices.Index(r.members, connID)
	if i < 0 {
		return false
	}
	r.members = slices.Delete(r.members, i, i+1)
	return true
}

// RoomView is a point-in-time copy of a room's state.
type RoomView struct {
	ID        string
	Members   []string
	Results   []Entry
	Ready     []string
	Published bool
	Round     int
	CreatedAt time.Time
	StartedAt time.Time
}

func (r *Room) view() RoomView {
	return RoomView{
		ID:        r.ID,
		Members:   slices.Clone(r.members),
		Results:   slices.Clone(r.race.results),
		Ready:     slices.Clone(r.race.ready),
		Published: r.race.published,
		Round:     r.race.round,
		CreatedAt: r.createdAt,
		StartedAt: r.race.startedAt,
	}
}
