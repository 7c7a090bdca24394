package session

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/studiobloom/bench2bench/go/internal/race/events"
)

// Emitter delivers outbound messages to connections. Implementations must
// not block or retain the recipient slice: the coordinator calls them while
// holding a room lock and passes the room's own member list.
type Emitter interface {
	// Unicast sends msg to a single connection and reports whether it is live.
	Unicast(to string, msg events.Message) bool
	// Broadcast sends msg to every listed connection.
	Broadcast(to []string, msg events.Message)
	// BroadcastExcept sends msg to every listed connection other than except.
	BroadcastExcept(to []string, except string, msg events.Message)
}

// Publisher receives room lifecycle events. Implementations must not block.
type Publisher interface {
	Publish(ctx context.Context, event events.LifecycleEvent) error
}

// NopPublisher discards lifecycle events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, events.LifecycleEvent) error { return nil }

// Coordinator owns the room table and applies every session transition.
type Coordinator struct {
	table     *Table
	emitter   Emitter
	publisher Publisher
	clock     clockwork.Clock
	newSeed   func() string

	racesStarted atomic.Int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the real clock, mainly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithSeedSource replaces NewSeed.
func WithSeedSource(fn func() string) Option {
	return func(c *Coordinator) { c.newSeed = fn }
}

// NewCoordinator creates a coordinator that emits through emitter.
func NewCoordinator(emitter Emitter, opts ...Option) *Coordinator {
	c := &Coordinator{
		emitter:   emitter,
		publisher: NopPublisher{},
		clock:     clockwork.NewRealClock(),
		newSeed:   NewSeed,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.table = NewTable(c.clock)
	return c
}

// lockRoom returns the live room for id with its lock held.
func (c *Coordinator) lockRoom(roomID string) (*Room, error) {
	room, ok := c.table.lookup(roomID)
	if !ok {
		return nil, fmt.Errorf("room %q: %w", roomID, ErrRoomNotFound)
	}
	room.mu.Lock()
	if room.closed {
		room.mu.Unlock()
		return nil, fmt.Errorf("room %q: %w", roomID, ErrRoomNotFound)
	}
	return room, nil
}

// Join seats connID in roomID, creating the room if needed. The join that
// brings a room to two members starts the first race.
//
// A connection sits in at most one room. Joining a different room first
// leaves the current one; re-joining the current room is a no-op.
func (c *Coordinator) Join(ctx context.Context, connID, roomID string) error {
	if roomID == "" {
		return ErrInvalidRoomID
	}

	if current, ok := c.table.roomOf(connID); ok {
		if current == roomID {
			return fmt.Errorf("room %q: %w", roomID, ErrAlreadyJoined)
		}
		log.Info().
			Str("conn_id", connID).
			Str("from_room", current).
			Str("to_room", roomID).
			Msg("connection switching rooms")
		c.Leave(ctx, connID)
	}

	for {
		room := c.table.ensure(roomID)
		room.mu.Lock()
		if room.closed {
			// emptied and deleted between ensure and lock; retry on a fresh room
			room.mu.Unlock()
			continue
		}
		err := c.joinLocked(ctx, room, connID)
		room.mu.Unlock()
		return err
	}
}

func (c *Coordinator) joinLocked(ctx context.Context, room *Room, connID string) error {
	if len(room.members) >= MaxMembers {
		c.emitter.Unicast(connID, events.Message{Type: events.TypeRoomFull})
		return fmt.Errorf("room %q: %w", room.ID, ErrRoomFull)
	}

	room.members = append(room.members, connID)
	c.table.seat(connID, room.ID)

	log.Info().
		Str("conn_id", connID).
		Str("room_id", room.ID).
		Int("members", len(room.members)).
		Msg("connection joined room")

	if len(room.members) == MaxMembers {
		c.startRaceLocked(ctx, room)
	}
	return nil
}

// startRaceLocked clears the race state, draws a seed and tells both members to go.
func (c *Coordinator) startRaceLocked(ctx context.Context, room *Room) {
	now := c.clock.Now()
	room.race.reset(now)
	c.racesStarted.Add(1)

	payload := events.StartRacePayload{
		Seed:         c.newSeed(),
		Participants: slices.Clone(room.members),
	}
	c.emitter.Broadcast(room.members, events.Message{Type: events.TypeStartRace, Data: payload})

	log.Info().
		Str("room_id", room.ID).
		Int("round", room.race.round).
		Strs("participants", payload.Participants).
		Msg("race started")

	c.publish(ctx, events.LifecycleEvent{
		Kind:       events.LifecycleRaceStarted,
		RoomID:     room.ID,
		Round:      room.race.round,
		OccurredAt: now,
		Data:       payload,
	})
}

// Complete records connID's result for the current race. Once two results
// are present they are broadcast to the room, once per race.
//
// A member may overwrite its own result until the results are broadcast;
// later reports are rejected with ErrResultsPublished.
func (c *Coordinator) Complete(ctx context.Context, connID, roomID string, result Result) error {
	room, err := c.lockRoom(roomID)
	if err != nil {
		return err
	}
	defer room.mu.Unlock()

	if !room.hasMember(connID) {
		return fmt.Errorf("room %q: %w", roomID, ErrNotMember)
	}
	if room.race.published {
		return fmt.Errorf("room %q round %d: %w", roomID, room.race.round, ErrResultsPublished)
	}

	if i := room.race.resultIndex(connID); i >= 0 {
		log.Warn().
			Str("conn_id", connID).
			Str("room_id", roomID).
			Msg("overwriting earlier race result")
		room.race.results[i].Result = result
	} else {
		room.race.results = append(room.race.results, Entry{ConnID: connID, Result: result})
	}

	if len(room.race.results) < MaxMembers {
		return nil
	}

	room.race.published = true
	results := make([]events.RaceResult, 0, len(room.race.results))
	for _, e := range room.race.results {
		results = append(results, events.RaceResult{
			ID:       e.ConnID,
			FPS:      e.Result.FPS,
			RaceTime: e.Result.RaceTime,
		})
	}
	c.emitter.Broadcast(room.members, events.Message{Type: events.TypeRaceResults, Data: results})

	log.Info().
		Str("room_id", roomID).
		Int("round", room.race.round).
		Msg("race results published")

	c.publish(ctx, events.LifecycleEvent{
		Kind:       events.LifecycleRaceResults,
		RoomID:     roomID,
		Round:      room.race.round,
		OccurredAt: c.clock.Now(),
		Data:       results,
	})
	return nil
}

// Ready records connID's vote to race again. The second vote restarts the
// race; a first vote is announced to the other member.
func (c *Coordinator) Ready(ctx context.Context, connID, roomID string) error {
	room, err := c.lockRoom(roomID)
	if err != nil {
		return err
	}
	defer room.mu.Unlock()

	if !room.hasMember(connID) {
		return fmt.Errorf("room %q: %w", roomID, ErrNotMember)
	}
	if !slices.Contains(room.race.ready, connID) {
		room.race.ready = append(room.race.ready, connID)
	}

	if len(room.race.ready) >= MaxMembers {
		c.startRaceLocked(ctx, room)
		return nil
	}

	c.emitter.BroadcastExcept(room.members, connID, events.Message{Type: events.TypeOpponentReady})
	return nil
}

// Signal relays an opaque negotiation payload to target. Room membership is
// not checked.
func (c *Coordinator) Signal(ctx context.Context, connID, target string, signal json.RawMessage) error {
	msg := events.Message{
		Type: events.TypeSignal,
		Data: events.SignalPayload{From: connID, Signal: signal},
	}
	if !c.emitter.Unicast(target, msg) {
		return fmt.Errorf("signal target %q: %w", target, ErrUnknownConnection)
	}
	return nil
}

// RelayMetrics mirrors connID's live metrics to every other member of roomID.
func (c *Coordinator) RelayMetrics(ctx context.Context, connID, roomID string, metrics json.RawMessage) error {
	room, err := c.lockRoom(roomID)
	if err != nil {
		return err
	}
	defer room.mu.Unlock()

	c.emitter.BroadcastExcept(room.members, connID, events.Message{
		Type: events.TypeOpponentMetrics,
		Data: events.OpponentMetricsPayload{From: connID, Metrics: metrics},
	})
	return nil
}

// Leave removes connID from its room. The remaining member is told the
// opponent left; an emptied room is deleted with its race state.
func (c *Coordinator) Leave(ctx context.Context, connID string) {
	roomID, ok := c.table.roomOf(connID)
	if !ok {
		return
	}

	room, err := c.lockRoom(roomID)
	if err != nil {
		c.table.unseat(connID)
		return
	}
	defer room.mu.Unlock()

	if !room.removeMember(connID) {
		c.table.unseat(connID)
		return
	}
	c.table.unseat(connID)
	// a departed member's vote must not restart a race for the one left behind
	room.race.ready = slices.DeleteFunc(room.race.ready, func(id string) bool { return id == connID })

	if len(room.members) > 0 {
		log.Info().
			Str("conn_id", connID).
			Str("room_id", roomID).
			Msg("connection left room")
		c.emitter.Broadcast(room.members, events.Message{Type: events.TypeOpponentLeft})
		return
	}

	room.closed = true
	c.table.remove(room)

	log.Info().
		Str("conn_id", connID).
		Str("room_id", roomID).
		Msg("room closed")

	c.publish(ctx, events.LifecycleEvent{
		Kind:       events.LifecycleRoomClosed,
		RoomID:     roomID,
		Round:      room.race.round,
		OccurredAt: c.clock.Now(),
	})
}

// Disconnect cleans up after a closed connection.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) error {
	c.Leave(ctx, connID)
	return nil
}

func (c *Coordinator) publish(ctx context.Context, event events.LifecycleEvent) {
	if err := c.publisher.Publish(ctx, event); err != nil {
		log.Warn().
			Err(err).
			Str("room_id", event.RoomID).
			Str("kind", string(event.Kind)).
			Msg("failed to publish lifecycle event")
	}
}

// Room returns a copy of roomID's state.
func (c *Coordinator) Room(roomID string) (RoomView, bool) {
	room, err := c.lockRoom(roomID)
	if err != nil {
		return RoomView{}, false
	}
	defer room.mu.Unlock()
	return room.view(), true
}

// Rooms returns copies of every live room, sorted by id.
func (c *Coordinator) Rooms() []RoomView {
	rooms := c.table.snapshot()
	views := make([]RoomView, 0, len(rooms))
	for _, room := range rooms {
		room.mu.Lock()
		if !room.closed {
			views = append(views, room.view())
		}
		room.mu.Unlock()
	}
	return views
}

// Stats summarises the coordinator's state.
type Stats struct {
	Rooms        int   `json:"rooms"`
	PairedRooms  int   `json:"paired_rooms"`
	Seated       int   `json:"seated"`
	RacesStarted int64 `json:"races_started"`
}

// Stats returns a snapshot of room and race counters.
func (c *Coordinator) Stats() Stats {
	s := Stats{RacesStarted: c.racesStarted.Load()}
	for _, v := range c.Rooms() {
		s.Rooms++
		s.Seated += len(v.Members)
		if len(v.Members) == MaxMembers {
			s.PairedRooms++
		}
	}
	return s
}
