package session

import (
	"sort"
	"sync"
)

// RoomSummary is a point-in-time view of one room.
type RoomSummary struct {
	ID      string
	Members []string
}

type room struct {
	members []string          // join order
	names   map[string]string // connID → display name within this room
}

func (r *room) indexOf(connID string) int {
	for i, m := range r.members {
		if m == connID {
			return i
		}
	}
	return -1
}

// Directory tracks room membership with a forward index (room → ordered
// members) and a reverse index (connection → rooms). Both indexes are updated
// under one lock and always agree. Rooms exist only while they have members.
// All methods are safe for concurrent use.
type Directory struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	reverse map[string]map[string]struct{}
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		rooms:   make(map[string]*room),
		reverse: make(map[string]map[string]struct{}),
	}
}

// Join adds connID to roomID, creating the room if absent, and records the
// member's display name for the room. Joining again only updates the name.
//
// Precondition: roomID and connID must be non-empty.
// Postcondition: Contains(roomID, connID) is true. Returns whether connID was
// already a member before the call.
func (d *Directory) Join(roomID, connID, displayName string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[roomID]
	if !ok {
		r = &room{names: make(map[string]string)}
		d.rooms[roomID] = r
	}
	r.names[connID] = displayName
	if r.indexOf(connID) >= 0 {
		return true
	}
	r.members = append(r.members, connID)

	rooms, ok := d.reverse[connID]
	if !ok {
		rooms = make(map[string]struct{})
		d.reverse[connID] = rooms
	}
	rooms[roomID] = struct{}{}
	return false
}

// Leave removes connID from roomID and deletes the room when it empties.
//
// Postcondition: Contains(roomID, connID) is false. Returns whether connID was
// a member before the call.
func (d *Directory) Leave(roomID, connID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	i := r.indexOf(connID)
	if i < 0 {
		return false
	}
	r.members = append(r.members[:i], r.members[i+1:]...)
	delete(r.names, connID)
	if len(r.members) == 0 {
		delete(d.rooms, roomID)
	}

	if rooms, ok := d.reverse[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(d.reverse, connID)
		}
	}
	return true
}

// Rename changes connID's display name to name in every room where it is
// currently from. Names chosen explicitly at join are left alone unless
// they equal from.
//
// Postcondition: Returns the sorted ids of the rooms that changed.
func (d *Directory) Rename(connID, from, name string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var changed []string
	for roomID := range d.reverse[connID] {
		r := d.rooms[roomID]
		if r.names[connID] == from {
			r.names[connID] = name
			changed = append(changed, roomID)
		}
	}
	sort.Strings(changed)
	return changed
}

// MembersOf returns a snapshot of roomID's members in join order, or nil if
// the room does not exist.
func (d *Directory) MembersOf(roomID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, len(r.members))
	copy(out, r.members)
	return out
}

// Names returns the display names of roomID's members aligned with MembersOf.
func (d *Directory) Names(roomID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, len(r.members))
	for i, m := range r.members {
		out[i] = r.names[m]
	}
	return out
}

// DisplayName returns the name connID joined roomID with.
func (d *Directory) DisplayName(roomID, connID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return "", false
	}
	name, ok := r.names[connID]
	return name, ok
}

// RoomsOf returns a sorted snapshot of the rooms connID belongs to.
func (d *Directory) RoomsOf(connID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rooms := d.reverse[connID]
	out := make([]string, 0, len(rooms))
	for id := range rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether connID is a member of roomID.
func (d *Directory) Contains(roomID, connID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.reverse[connID][roomID]
	return ok
}

// Exists reports whether roomID currently has members.
func (d *Directory) Exists(roomID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.rooms[roomID]
	return ok
}

// Rooms returns every non-empty room sorted by id.
func (d *Directory) Rooms() []RoomSummary {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]RoomSummary, 0, len(d.rooms))
	for id, r := range d.rooms {
		members := make([]string, len(r.members))
		copy(members, r.members)
		out = append(out, RoomSummary{ID: id, Members: members})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RoomCount returns the number of non-empty rooms.
func (d *Directory) RoomCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}
