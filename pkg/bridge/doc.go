// Copyright 2024-2026 Aiku AI

// Package bridge implements the state-synchronization engine between a
// Matrix homeserver and a spring lobby server: identity and room mapping,
// puppet account lifecycle, membership reconciliation and content relay.
//
// # Core Types
//
// [Bridge] is the coordinator: it owns the shared in-memory state, pumps
// lobby events, dispatches homeserver events, and implements startup bulk
// resync and graceful shutdown.
//
// [IdentityMapper] is the single authority for identity translation and
// echo detection. Every inbound event from either side passes through its
// IsPuppet/IsOwnLobbyUser filters before anything else happens.
//
// [PuppetRegistry] drives puppet lifecycle (Absent → Provisioning →
// Active → LeavingAll → Absent). A puppet always vacates its rooms before
// its presence goes offline.
//
// [MembershipIndex] is the single source of truth for puppet room
// membership; entries change strictly in lock-step with confirmed
// homeserver calls.
//
// # Echo Prevention
//
// Membership and message events caused by the bridge's own puppet actions
// must never be re-processed as new input, or the two sides feed each
// other forever. The namespace prefix check in the IdentityMapper is the
// only place this decision is made.
//
// The engine talks to the homeserver through the [Homeserver]/[Intent]
// interfaces (implemented in pkg/matrix) and to the lobby through
// lobby.Session, so all of it is testable without a live network.
package bridge
