// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sort"
	"strings"

	"maunium.net/go/mautrix/id"
)

// RoomBinding ties one lobby channel to one homeserver room. Immutable
// after load.
type RoomBinding struct {
	Channel string
	RoomID  id.RoomID
	Enabled bool
}

// RoomMap is the config-derived bidirectional channel/room mapping.
// Built once at startup; all lookups are O(1) and safe for concurrent use.
type RoomMap struct {
	byChannel map[string]RoomBinding
	byRoom    map[id.RoomID]RoomBinding
}

// canonicalChannel strips the lobby "#" sigil so both "#main" and "main"
// resolve to the same binding.
func canonicalChannel(channel string) string {
	return strings.TrimPrefix(channel, "#")
}

// NewRoomMap builds a room map from config bindings. Later duplicates for
// the same channel or room win, mirroring YAML map semantics.
func NewRoomMap(bindings []RoomBinding) *RoomMap {
	rm := &RoomMap{
		byChannel: make(map[string]RoomBinding, len(bindings)),
		byRoom:    make(map[id.RoomID]RoomBinding, len(bindings)),
	}
	for _, b := range bindings {
		b.Channel = canonicalChannel(b.Channel)
		rm.byChannel[b.Channel] = b
		rm.byRoom[b.RoomID] = b
	}
	return rm
}

// RoomForChannel resolves a lobby channel to its binding. A missing entry
// just means the channel is not bridged.
func (rm *RoomMap) RoomForChannel(channel string) (RoomBinding, bool) {
	b, ok := rm.byChannel[canonicalChannel(channel)]
	return b, ok
}

// ChannelForRoom resolves a homeserver room to its binding.
func (rm *RoomMap) ChannelForRoom(roomID id.RoomID) (RoomBinding, bool) {
	b, ok := rm.byRoom[roomID]
	return b, ok
}

// Bindings returns all bindings sorted by channel name.
func (rm *RoomMap) Bindings() []RoomBinding {
	out := make([]RoomBinding, 0, len(rm.byChannel))
	for _, b := range rm.byChannel {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// EnabledBindings returns the bindings with bridging enabled, sorted by
// channel name.
func (rm *RoomMap) EnabledBindings() []RoomBinding {
	var out []RoomBinding
	for _, b := range rm.Bindings() {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out
}
