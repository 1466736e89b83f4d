// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sync"

	"maunium.net/go/mautrix/id"
)

// UserProfile is the cached identity metadata for a real homeserver user
// bridged into the lobby. Populated by bulk resync and by member events.
type UserProfile struct {
	// Username is the origin-stripped name shown to the lobby.
	Username string
	// Domain is the resolved origin domain.
	Domain string
	// DisplayName is the sanitized display name.
	DisplayName string
}

// profileIndex caches profiles of real homeserver users by user ID.
type profileIndex struct {
	mu       sync.RWMutex
	profiles map[id.UserID]UserProfile
}

func newProfileIndex() *profileIndex {
	return &profileIndex{profiles: make(map[id.UserID]UserProfile)}
}

func (pi *profileIndex) Get(userID id.UserID) (UserProfile, bool) {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	p, ok := pi.profiles[userID]
	return p, ok
}

func (pi *profileIndex) Put(userID id.UserID, profile UserProfile) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	pi.profiles[userID] = profile
}

func (pi *profileIndex) Len() int {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	return len(pi.profiles)
}
