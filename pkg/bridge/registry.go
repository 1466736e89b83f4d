// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/jauriarts/matrix-spring/pkg/lobby"
)

// PuppetState is the lifecycle state of one puppet session.
type PuppetState int

const (
	// PuppetAbsent means no registry entry exists.
	PuppetAbsent PuppetState = iota
	// PuppetProvisioning means login was requested and the homeserver
	// side is being set up. A second Login during this state is a no-op.
	PuppetProvisioning
	// PuppetActive means the puppet is usable for relaying and joining.
	PuppetActive
	// PuppetLeavingAll means logout was requested and rooms are being
	// vacated before presence goes offline.
	PuppetLeavingAll
)

func (s PuppetState) String() string {
	switch s {
	case PuppetAbsent:
		return "absent"
	case PuppetProvisioning:
		return "provisioning"
	case PuppetActive:
		return "active"
	case PuppetLeavingAll:
		return "leaving_all"
	default:
		return "invalid"
	}
}

// BridgeIdentity describes one real lobby user and their puppet account.
type BridgeIdentity struct {
	// LobbyUsername is the case-insensitive canonical (lower-case) form.
	LobbyUsername string
	// OriginDomain is the foreign network the user actually comes from.
	OriginDomain string
	// DisplayName is the sanitized lobby-facing display name.
	DisplayName string
	// PuppetUserID is derived deterministically from LobbyUsername.
	PuppetUserID id.UserID
}

type puppetEntry struct {
	identity BridgeIdentity
	state    PuppetState
	presence event.Presence
}

// PuppetRegistry owns puppet lifecycle and presence. All state transitions
// happen here; protocol handlers never mutate sessions directly.
type PuppetRegistry struct {
	mapper  *IdentityMapper
	hs      Homeserver
	session lobby.Session
	index   *MembershipIndex
	metrics *Metrics
	log     zerolog.Logger

	mu      sync.Mutex
	puppets map[string]*puppetEntry // keyed by canonical lobby username
}

// NewPuppetRegistry creates an empty registry.
func NewPuppetRegistry(mapper *IdentityMapper, hs Homeserver, session lobby.Session, index *MembershipIndex, metrics *Metrics, log zerolog.Logger) *PuppetRegistry {
	return &PuppetRegistry{
		mapper:  mapper,
		hs:      hs,
		session: session,
		index:   index,
		metrics: metrics,
		log:     log.With().Str("component", "puppet_registry").Logger(),
		puppets: make(map[string]*puppetEntry),
	}
}

// Login provisions (or re-affirms) the puppet for a lobby user: presence
// online, display name set, identity registered on the lobby side.
// Idempotent; a concurrent call during provisioning is a no-op.
func (pr *PuppetRegistry) Login(ctx context.Context, lobbyUsername string) error {
	canonical := pr.mapper.Canonical(lobbyUsername)
	puppetID, err := pr.mapper.ToPuppetID(lobbyUsername)
	if err != nil {
		return err
	}
	origin, cleanName := pr.mapper.ResolveOrigin(canonical)
	// The matrix-side display name is the user's lobby name as typed.
	displayName := strings.TrimSpace(lobbyUsername)
	if displayName == "" {
		displayName = cleanName
	}

	pr.mu.Lock()
	entry, exists := pr.puppets[canonical]
	if exists {
		switch entry.state {
		case PuppetProvisioning:
			// Re-entrant login while provisioning.
			pr.mu.Unlock()
			return nil
		case PuppetLeavingAll:
			pr.mu.Unlock()
			return fmt.Errorf("puppet %s is logging out", canonical)
		case PuppetActive:
			pr.mu.Unlock()
			// Re-affirm presence only; at most one extra write.
			if err := pr.hs.User(puppetID).SetPresence(ctx, event.PresenceOnline); err != nil {
				return fmt.Errorf("failed to re-affirm presence for %s: %w", canonical, err)
			}
			return nil
		}
	}
	entry = &puppetEntry{
		identity: BridgeIdentity{
			LobbyUsername: canonical,
			OriginDomain:  origin,
			DisplayName:   displayName,
			PuppetUserID:  puppetID,
		},
		state: PuppetProvisioning,
	}
	pr.puppets[canonical] = entry
	pr.mu.Unlock()

	// Network I/O happens outside the registry lock.
	intent := pr.hs.User(puppetID)
	if err := pr.provision(ctx, intent, entry.identity); err != nil {
		pr.mu.Lock()
		delete(pr.puppets, canonical)
		pr.mu.Unlock()
		return err
	}

	pr.mu.Lock()
	entry.state = PuppetActive
	entry.presence = event.PresenceOnline
	pr.mu.Unlock()

	pr.metrics.PuppetLogins.Inc()
	pr.metrics.ActivePuppets.Inc()
	pr.log.Debug().
		Str("lobby_username", canonical).
		Str("puppet_mxid", string(puppetID)).
		Msg("Puppet provisioned")
	return nil
}

func (pr *PuppetRegistry) provision(ctx context.Context, intent Intent, identity BridgeIdentity) error {
	if err := intent.SetPresence(ctx, event.PresenceOnline); err != nil {
		return fmt.Errorf("failed to set puppet presence: %w", err)
	}
	if err := intent.SetDisplayName(ctx, identity.DisplayName); err != nil {
		return fmt.Errorf("failed to set puppet display name: %w", err)
	}
	if err := pr.session.BridgedClientFrom(identity.OriginDomain, identity.LobbyUsername, identity.DisplayName); err != nil {
		return fmt.Errorf("failed to register bridged client: %w", err)
	}
	return nil
}

// Logout deprovisions the puppet: every joined room is vacated first, then
// presence goes offline, then the entry is removed. A puppet is never left
// offline while still occupying rooms. Individual room-leave failures are
// logged and do not abort the remaining cleanup.
func (pr *PuppetRegistry) Logout(ctx context.Context, lobbyUsername string) error {
	canonical := pr.mapper.Canonical(lobbyUsername)

	pr.mu.Lock()
	entry, exists := pr.puppets[canonical]
	if !exists {
		pr.mu.Unlock()
		pr.log.Debug().Str("lobby_username", canonical).Msg("Logout for unknown puppet")
		return nil
	}
	if entry.state == PuppetLeavingAll {
		pr.mu.Unlock()
		return nil
	}
	wasActive := entry.state == PuppetActive
	entry.state = PuppetLeavingAll
	identity := entry.identity
	pr.mu.Unlock()

	intent := pr.hs.User(identity.PuppetUserID)
	for _, roomID := range pr.index.RoomsOf(identity.PuppetUserID) {
		if err := intent.LeaveRoom(ctx, roomID); err != nil {
			pr.log.Warn().Err(err).
				Str("lobby_username", canonical).
				Str("room_id", string(roomID)).
				Msg("Failed to leave room during logout, continuing")
		}
		pr.index.Remove(roomID, identity.PuppetUserID)
	}

	if err := intent.SetPresence(ctx, event.PresenceOffline); err != nil {
		pr.log.Warn().Err(err).
			Str("lobby_username", canonical).
			Msg("Failed to set puppet offline")
	}
	if err := pr.session.UnBridgedClientFrom(identity.OriginDomain, identity.LobbyUsername); err != nil {
		pr.log.Warn().Err(err).
			Str("lobby_username", canonical).
			Msg("Failed to unregister bridged client")
	}

	pr.mu.Lock()
	delete(pr.puppets, canonical)
	pr.mu.Unlock()

	pr.metrics.PuppetLogouts.Inc()
	if wasActive {
		pr.metrics.ActivePuppets.Dec()
	}
	pr.log.Debug().Str("lobby_username", canonical).Msg("Puppet deprovisioned")
	return nil
}

// Lookup returns the identity registered for a lobby username.
func (pr *PuppetRegistry) Lookup(lobbyUsername string) (BridgeIdentity, bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	entry, ok := pr.puppets[pr.mapper.Canonical(lobbyUsername)]
	if !ok {
		return BridgeIdentity{}, false
	}
	return entry.identity, true
}

// State returns the lifecycle state for a lobby username.
func (pr *PuppetRegistry) State(lobbyUsername string) PuppetState {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	entry, ok := pr.puppets[pr.mapper.Canonical(lobbyUsername)]
	if !ok {
		return PuppetAbsent
	}
	return entry.state
}

// Count returns the number of registered puppets.
func (pr *PuppetRegistry) Count() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return len(pr.puppets)
}

// Usernames returns the registered canonical usernames, sorted.
func (pr *PuppetRegistry) Usernames() []string {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	out := make([]string, 0, len(pr.puppets))
	for name := range pr.puppets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LogoutAll deprovisions every registered puppet, best-effort. Used during
// graceful shutdown.
func (pr *PuppetRegistry) LogoutAll(ctx context.Context) {
	for _, name := range pr.Usernames() {
		if err := pr.Logout(ctx, name); err != nil {
			pr.log.Warn().Err(err).Str("lobby_username", name).Msg("Failed to logout puppet during shutdown")
		}
		if ctx.Err() != nil {
			pr.log.Warn().Msg("Shutdown deadline hit during puppet logout")
			return
		}
	}
}
