// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sort"
	"sync"

	"maunium.net/go/mautrix/id"
)

// MembershipIndex is the single source of truth for "is puppet X joined to
// room Y". Entries are added and removed strictly in lock-step with the
// join/leave calls actually issued to the homeserver, so the index never
// claims membership that was not confirmed.
//
// The internal mutex is only held for map access, never across network
// calls; callers serialize check-act sequences with perRoomLock.
type MembershipIndex struct {
	mu        sync.RWMutex
	roomUsers map[id.RoomID]map[id.UserID]struct{}
	userRooms map[id.UserID]map[id.RoomID]struct{}
}

// NewMembershipIndex creates an empty index.
func NewMembershipIndex() *MembershipIndex {
	return &MembershipIndex{
		roomUsers: make(map[id.RoomID]map[id.UserID]struct{}),
		userRooms: make(map[id.UserID]map[id.RoomID]struct{}),
	}
}

// Contains reports whether the puppet is indexed as joined to the room.
func (mi *MembershipIndex) Contains(roomID id.RoomID, userID id.UserID) bool {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	_, ok := mi.roomUsers[roomID][userID]
	return ok
}

// Add records a confirmed join. Adding an existing pair is a no-op.
func (mi *MembershipIndex) Add(roomID id.RoomID, userID id.UserID) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if mi.roomUsers[roomID] == nil {
		mi.roomUsers[roomID] = make(map[id.UserID]struct{})
	}
	mi.roomUsers[roomID][userID] = struct{}{}
	if mi.userRooms[userID] == nil {
		mi.userRooms[userID] = make(map[id.RoomID]struct{})
	}
	mi.userRooms[userID][roomID] = struct{}{}
}

// Remove records a confirmed leave. Removing a missing pair is a no-op.
func (mi *MembershipIndex) Remove(roomID id.RoomID, userID id.UserID) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	delete(mi.roomUsers[roomID], userID)
	if len(mi.roomUsers[roomID]) == 0 {
		delete(mi.roomUsers, roomID)
	}
	delete(mi.userRooms[userID], roomID)
	if len(mi.userRooms[userID]) == 0 {
		delete(mi.userRooms, userID)
	}
}

// RoomsOf returns the rooms the puppet is indexed in, sorted.
func (mi *MembershipIndex) RoomsOf(userID id.UserID) []id.RoomID {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	out := make([]id.RoomID, 0, len(mi.userRooms[userID]))
	for roomID := range mi.userRooms[userID] {
		out = append(out, roomID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UsersIn returns the puppets indexed in the room, sorted.
func (mi *MembershipIndex) UsersIn(roomID id.RoomID) []id.UserID {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	out := make([]id.UserID, 0, len(mi.roomUsers[roomID]))
	for userID := range mi.roomUsers[roomID] {
		out = append(out, userID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoomCounts returns the indexed member count per room, for the status API.
func (mi *MembershipIndex) RoomCounts() map[id.RoomID]int {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	out := make(map[id.RoomID]int, len(mi.roomUsers))
	for roomID, users := range mi.roomUsers {
		out[roomID] = len(users)
	}
	return out
}

// keyedMutex hands out one mutex per string key. Used to serialize
// reconciliation per room so a join and a leave for the same
// (puppet, room) pair can never interleave.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Lock acquires the mutex for key and returns the matching unlock func.
func (km *keyedMutex) Lock(key string) func() {
	km.mu.Lock()
	if km.locks == nil {
		km.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := km.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		km.locks[key] = lock
	}
	km.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
