package session

import (
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Table maps room ids to rooms and connection ids back to the room they sit in.
//
// The table lock only guards the two maps; room state is guarded by each
// room's own mutex. The table lock is never held while acquiring a room
// lock. A room lock may be held while acquiring the table lock.
type Table struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	seats map[string]string // connection id -> room id
	clock clockwork.Clock
}

// NewTable creates an empty table.
func NewTable(clock clockwork.Clock) *Table {
	return &Table{
		rooms: make(map[string]*Room),
		seats: make(map[string]string),
		clock: clock,
	}
}

// ensure returns the room for id, creating it if absent.
func (t *Table) ensure(id string) *Room {
	t.mu.RLock()
	room, ok := t.rooms[id]
	t.mu.RUnlock()
	if ok {
		return room
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if room, ok := t.rooms[id]; ok {
		return room
	}
	room = newRoom(id, t.clock.Now())
	t.rooms[id] = room
	return room
}

func (t *Table) lookup(id string) (*Room, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room, ok := t.rooms[id]
	return room, ok
}

// remove deletes room from the table if it is still the registered instance.
func (t *Table) remove(room *Room) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.rooms[room.ID]; ok && current == room {
		delete(t.rooms, room.ID)
	}
}

func (t *Table) seat(connID, roomID string) {
	t.mu.Lock()
	t.seats[connID] = roomID
	t.mu.Unlock()
}

func (t *Table) unseat(connID string) {
	t.mu.Lock()
	delete(t.seats, connID)
	t.mu.Unlock()
}

// roomOf returns the id of the room connID is seated in.
func (t *Table) roomOf(connID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.seats[connID]
	return id, ok
}

// snapshot returns the current rooms sorted by id. Callers lock each room
// individually after the table lock has been released.
func (t *Table) snapshot() []*Room {
	t.mu.RLock()
	rooms := make([]*Room, 0, len(t.rooms))
	for _, room := range t.rooms {
		rooms = append(rooms, room)
	}
	t.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

// Len returns the number of live rooms.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}
