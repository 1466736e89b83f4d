// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Homeserver is the slice of the appservice transport the engine consumes.
// The production implementation lives in pkg/matrix on top of the mautrix
// appservice client; tests substitute a recording fake.
type Homeserver interface {
	// WhoAmI resolves the bridge's own service account.
	WhoAmI(ctx context.Context) (id.UserID, error)
	// Bot returns the acting handle for the service account.
	Bot() Intent
	// User returns the acting handle for an arbitrary (puppet) user.
	User(userID id.UserID) Intent

	// RoomMembers lists the currently joined members of a room.
	RoomMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	// MemberProfile fetches profile metadata for one room member.
	MemberProfile(ctx context.Context, roomID id.RoomID, userID id.UserID) (*MemberProfile, error)

	// CreateRoom creates a public room with the given alias localpart and
	// returns its room ID.
	CreateRoom(ctx context.Context, aliasLocalpart string, public bool) (id.RoomID, error)
	AddRoomAlias(ctx context.Context, alias id.RoomAlias, roomID id.RoomID) error
	RemoveRoomAlias(ctx context.Context, alias id.RoomAlias) error
}

// Intent is an acting-user handle: every call is performed as that user.
type Intent interface {
	UserID() id.UserID
	SetPresence(ctx context.Context, presence event.Presence) error
	SetDisplayName(ctx context.Context, name string) error
	JoinRoom(ctx context.Context, roomID id.RoomID) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
	SendText(ctx context.Context, roomID id.RoomID, body string) error
	SendEmote(ctx context.Context, roomID id.RoomID, body string) error
	MarkRead(ctx context.Context, roomID id.RoomID, eventID id.EventID) error
}

// MemberProfile is the profile metadata the bridge needs for one member.
type MemberProfile struct {
	DisplayName string
}
