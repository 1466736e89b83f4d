// Copyright 2024-2026 Aiku AI

// Package lobby implements the session layer for the spring lobby server
// protocol: typed events, the Session interface consumed by the bridge
// engine, and a TCP/TLS client speaking the line-oriented wire format.
package lobby

import "context"

// Session is the slice of the lobby protocol the bridge engine consumes.
// The production implementation is *Client; tests substitute a fake.
type Session interface {
	// Connect dials the lobby server and starts the read loop.
	Connect(ctx context.Context) error
	// Login authenticates the bridge's own lobby account.
	Login(ctx context.Context, username, password string) error

	// BridgedClientFrom registers a remote user on the lobby under the
	// given origin domain so it can act in channels.
	BridgedClientFrom(domain, username, displayName string) error
	// UnBridgedClientFrom removes a previously registered remote user.
	UnBridgedClientFrom(domain, username string) error
	// JoinFrom joins a bridged remote user into a channel.
	JoinFrom(channel, domain, username string) error
	// LeaveFrom removes a bridged remote user from a channel.
	LeaveFrom(channel, domain, username string) error
	// SayFrom relays a message into a channel as a bridged remote user.
	SayFrom(username, domain, channel, message string) error
	// Join joins the bridge's own account into a channel.
	Join(channel string) error

	// Events returns the typed event stream. The channel is closed when
	// the connection goes away.
	Events() <-chan Event
	// Connected reports whether the wire connection is up.
	Connected() bool
	Close() error
}
