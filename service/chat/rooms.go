package chat

import (
	"iter"
	"sync"
)

type roomShard struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{} // room -> conn ids
}

type connRoomShard struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{} // conn id -> rooms; key present while attached
}

// Rooms tracks which connections are joined to which conversation room.
// Room sets are striped by room id, the reverse index by connection id.
// Lock order is always connection shard, then room shard.
type Rooms struct {
	rooms []roomShard
	conns []connRoomShard
}

func NewRooms(shards int) *Rooms {
	if shards <= 0 {
		shards = 64
	}
	r := &Rooms{
		rooms: make([]roomShard, shards),
		conns: make([]connRoomShard, shards),
	}
	for i := range r.rooms {
		r.rooms[i].members = make(map[string]map[string]struct{})
		r.conns[i].rooms = make(map[string]map[string]struct{})
	}
	return r
}

func (r *Rooms) roomShard(roomID string) *roomShard {
	return &r.rooms[shardOf(roomID, len(r.rooms))]
}

func (r *Rooms) connShard(connID string) *connRoomShard {
	return &r.conns[shardOf(connID, len(r.conns))]
}

// Attach makes connID eligible for joins. Joins for a connection that was
// never attached, or already went through LeaveAll, are ignored.
func (r *Rooms) Attach(connID string) {
	cs := r.connShard(connID)
	cs.mu.Lock()
	if _, ok := cs.rooms[connID]; !ok {
		cs.rooms[connID] = make(map[string]struct{})
	}
	cs.mu.Unlock()
}

// Join is idempotent. It reports false when the connection is not attached.
func (r *Rooms) Join(connID, roomID string) bool {
	cs := r.connShard(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	set, ok := cs.rooms[connID]
	if !ok {
		return false
	}
	if _, in := set[roomID]; in {
		return true
	}
	set[roomID] = struct{}{}

	rs := r.roomShard(roomID)
	rs.mu.Lock()
	m := rs.members[roomID]
	if m == nil {
		m = make(map[string]struct{})
		rs.members[roomID] = m
	}
	m[connID] = struct{}{}
	rs.mu.Unlock()
	return true
}

// Leave is idempotent.
func (r *Rooms) Leave(connID, roomID string) {
	cs := r.connShard(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	set, ok := cs.rooms[connID]
	if !ok {
		return
	}
	if _, in := set[roomID]; !in {
		return
	}
	delete(set, roomID)
	r.removeMember(roomID, connID)
}

// LeaveAll removes the connection from every room and detaches it. It returns
// the rooms that were left.
func (r *Rooms) LeaveAll(connID string) []string {
	cs := r.connShard(connID)
	cs.mu.Lock()
	set := cs.rooms[connID]
	delete(cs.rooms, connID)
	cs.mu.Unlock()

	left := make([]string, 0, len(set))
	for roomID := range set {
		r.removeMember(roomID, connID)
		left = append(left, roomID)
	}
	return left
}

func (r *Rooms) removeMember(roomID, connID string) {
	rs := r.roomShard(roomID)
	rs.mu.Lock()
	if m := rs.members[roomID]; m != nil {
		delete(m, connID)
		if len(m) == 0 {
			delete(rs.members, roomID)
		}
	}
	rs.mu.Unlock()
}

// MembersOf yields the connections joined to roomID, re-read on every iteration.
func (r *Rooms) MembersOf(roomID string) iter.Seq[string] {
	return func(yield func(string) bool) {
		rs := r.roomShard(roomID)
		rs.mu.RLock()
		ids := make([]string, 0, len(rs.members[roomID]))
		for id := range rs.members[roomID] {
			ids = append(ids, id)
		}
		rs.mu.RUnlock()
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}

func (r *Rooms) IsMember(connID, roomID string) bool {
	rs := r.roomShard(roomID)
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	_, ok := rs.members[roomID][connID]
	return ok
}
