// Package rooms maintains which connections are subscribed to which rooms.
//
// It is a derived, rebuildable cache: entries are created lazily on the first
// join and removed when their set becomes empty.
package rooms

import "sync"

// Index tracks room subscriptions with both forward and reverse indexes.
// Forward: room → set of connIds (fan-out)
// Reverse: connId → set of rooms (O(rooms of conn) teardown)
type Index struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
	conns map[string]map[string]struct{}
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		rooms: make(map[string]map[string]struct{}),
		conns: make(map[string]map[string]struct{}),
	}
}

func add(m map[string]map[string]struct{}, key, member string) bool {
	set := m[key]
	if set == nil {
		set = make(map[string]struct{})
		m[key] = set
	}
	if _, ok := set[member]; ok {
		return false
	}
	set[member] = struct{}{}
	return true
}

func remove(m map[string]map[string]struct{}, key, member string) bool {
	set, ok := m[key]
	if !ok {
		return false
	}
	if _, ok := set[member]; !ok {
		return false
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m, key)
	}
	return true
}

func keys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	result := make([]string, 0, len(set))
	for k := range set {
		result = append(result, k)
	}
	return result
}

// Join subscribes connID to room. It reports false if it was already joined.
func (x *Index) Join(room, connID string) (added bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	added = add(x.rooms, room, connID)
	add(x.conns, connID, room)
	return added
}

// Leave unsubscribes connID from room. It reports false if it was not a member.
func (x *Index) Leave(room, connID string) (removed bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	removed = remove(x.rooms, room, connID)
	remove(x.conns, connID, room)
	return removed
}

// LeaveAll removes connID from every room and returns the rooms it left.
// Calling it for an unknown or already-removed connection returns nil.
func (x *Index) LeaveAll(connID string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	joined, ok := x.conns[connID]
	if !ok {
		return nil
	}
	left := make([]string, 0, len(joined))
	for room := range joined {
		left = append(left, room)
		remove(x.rooms, room, connID)
	}
	delete(x.conns, connID)
	return left
}

// MembersOf returns a snapshot of the connections subscribed to room. The
// slice is not affected by later joins or leaves.
func (x *Index) MembersOf(room string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return keys(x.rooms[room])
}

// RoomsOf returns a snapshot of the rooms connID is subscribed to.
func (x *Index) RoomsOf(connID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return keys(x.conns[connID])
}

// IsMember reports whether connID is subscribed to room.
func (x *Index) IsMember(room, connID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.rooms[room][connID]
	return ok
}

// AnyMember reports whether any of connIDs is subscribed to room.
func (x *Index) AnyMember(room string, connIDs []string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	members := x.rooms[room]
	for _, id := range connIDs {
		if _, ok := members[id]; ok {
			return true
		}
	}
	return false
}

// RoomCount returns the number of rooms with at least one subscriber.
func (x *Index) RoomCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.rooms)
}

// TotalMembers returns the number of (room, connection) subscriptions.
func (x *Index) TotalMembers() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	total := 0
	for _, members := range x.rooms {
		total += len(members)
	}
	return total
}
