// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"sort"
	"sync"
)

// DefaultRoom is the room every client lands in after login.
const DefaultRoom int64 = 1

// Rooms tracks which connections occupy which room. Membership is keyed
// by connection descriptor; a connection is in at most one room.
type Rooms struct {
	mu       sync.Mutex
	capacity int
	members  map[int64]map[int]struct{}
	byConn   map[int]int64
}

// NewRooms creates a registry with the given per-room capacity. A
// capacity of zero or less means unlimited.
func NewRooms(capacity int) *Rooms {
	return &Rooms{
		capacity: capacity,
		members:  map[int64]map[int]struct{}{},
		byConn:   map[int]int64{},
	}
}

// TryJoin moves the connection into the room, leaving its current one
// first. It reports false when the room is at capacity, in which case the
// previous membership is kept.
func (r *Rooms) TryJoin(roomID int64, fd int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.byConn[fd]; ok && current == roomID {
		return true
	}
	room := r.members[roomID]
	if r.capacity > 0 && len(room) >= r.capacity {
		return false
	}

	r.leaveLocked(fd)
	if room == nil {
		room = map[int]struct{}{}
		r.members[roomID] = room
	}
	room[fd] = struct{}{}
	r.byConn[fd] = roomID
	return true
}

// Leave removes the connection from whatever room it occupies.
func (r *Rooms) Leave(fd int) {
	r.mu.Lock()
	r.leaveLocked(fd)
	r.mu.Unlock()
}

func (r *Rooms) leaveLocked(fd int) {
	roomID, ok := r.byConn[fd]
	if !ok {
		return
	}
	delete(r.byConn, fd)
	if room := r.members[roomID]; room != nil {
		delete(room, fd)
		if len(room) == 0 {
			delete(r.members, roomID)
		}
	}
}

// Snapshot returns the descriptors currently in the room. The result is a
// copy and safe to iterate while members churn.
func (r *Rooms) Snapshot(roomID int64) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.members[roomID]
	fds := make([]int, 0, len(room))
	for fd := range room {
		fds = append(fds, fd)
	}
	return fds
}

// Occupancy returns the number of connections in the room.
func (r *Rooms) Occupancy(roomID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members[roomID])
}

// RoomInfo describes one occupied room.
type RoomInfo struct {
	RoomID int64 `json:"roomId"`
	Size   int   `json:"size"`
}

// List returns every occupied room ordered by identifier.
func (r *Rooms) List() []RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]RoomInfo, 0, len(r.members))
	for roomID, members := range r.members {
		rooms = append(rooms, RoomInfo{RoomID: roomID, Size: len(members)})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID < rooms[j].RoomID })
	return rooms
}

// Room returns the room the connection is in, or false when it is in
// none.
func (r *Rooms) Room(fd int) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, ok := r.byConn[fd]
	return roomID, ok
}
