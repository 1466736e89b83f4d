// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/jauriarts/matrix-spring/pkg/lobby"
)

// Reconciler consumes join/leave events from both protocols and issues the
// minimal corrective calls to make the two sides agree. It is the only
// writer of the MembershipIndex.
//
// Per-room keyed locks serialize reconciliation so a join and a leave for
// the same (puppet, room) pair can never interleave. The index's own mutex
// is never held across network calls.
type Reconciler struct {
	rooms    *RoomMap
	mapper   *IdentityMapper
	index    *MembershipIndex
	hs       Homeserver
	session  lobby.Session
	profiles *profileIndex
	guard    *Guard
	metrics  *Metrics
	log      zerolog.Logger

	roomLocks keyedMutex
}

// NewReconciler creates a reconciler over the shared state.
func NewReconciler(rooms *RoomMap, mapper *IdentityMapper, index *MembershipIndex, hs Homeserver, session lobby.Session, profiles *profileIndex, guard *Guard, metrics *Metrics, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		rooms:    rooms,
		mapper:   mapper,
		index:    index,
		hs:       hs,
		session:  session,
		profiles: profiles,
		guard:    guard,
		metrics:  metrics,
		log:      log.With().Str("component", "reconciler").Logger(),
	}
}

// HandleLobbyJoin bridges a lobby channel join to the homeserver: the
// user's puppet joins the mapped room unless already indexed as present.
func (r *Reconciler) HandleLobbyJoin(ctx context.Context, lobbyUsername, channel string) error {
	binding, ok := r.rooms.RoomForChannel(channel)
	if !ok || !binding.Enabled {
		r.log.Debug().Str("channel", channel).Msg("Join for unbridged channel")
		return nil
	}
	if r.mapper.IsOwnLobbyUser(lobbyUsername) {
		r.metrics.EchoSuppressed.Inc()
		return nil
	}
	puppetID, err := r.mapper.ToPuppetID(lobbyUsername)
	if err != nil {
		return err
	}

	unlock := r.roomLocks.Lock(string(binding.RoomID))
	defer unlock()

	if r.index.Contains(binding.RoomID, puppetID) {
		return nil
	}
	if err := r.hs.User(puppetID).JoinRoom(ctx, binding.RoomID); err != nil {
		return fmt.Errorf("failed to join puppet %s to %s: %w", puppetID, binding.RoomID, err)
	}
	r.index.Add(binding.RoomID, puppetID)
	r.metrics.MembershipOps.WithLabelValues(directionLobbyToMatrix, opJoin).Inc()
	r.log.Debug().
		Str("lobby_username", lobbyUsername).
		Str("channel", binding.Channel).
		Str("room_id", string(binding.RoomID)).
		Msg("Bridged lobby join")
	return nil
}

// HandleLobbyLeave bridges a lobby channel leave to the homeserver,
// symmetric to HandleLobbyJoin.
func (r *Reconciler) HandleLobbyLeave(ctx context.Context, lobbyUsername, channel string) error {
	binding, ok := r.rooms.RoomForChannel(channel)
	if !ok || !binding.Enabled {
		r.log.Debug().Str("channel", channel).Msg("Leave for unbridged channel")
		return nil
	}
	if r.mapper.IsOwnLobbyUser(lobbyUsername) {
		r.metrics.EchoSuppressed.Inc()
		return nil
	}
	puppetID, err := r.mapper.ToPuppetID(lobbyUsername)
	if err != nil {
		return err
	}

	unlock := r.roomLocks.Lock(string(binding.RoomID))
	defer unlock()

	if !r.index.Contains(binding.RoomID, puppetID) {
		return nil
	}
	if err := r.hs.User(puppetID).LeaveRoom(ctx, binding.RoomID); err != nil {
		return fmt.Errorf("failed to leave puppet %s from %s: %w", puppetID, binding.RoomID, err)
	}
	r.index.Remove(binding.RoomID, puppetID)
	r.metrics.MembershipOps.WithLabelValues(directionLobbyToMatrix, opLeave).Inc()
	r.log.Debug().
		Str("lobby_username", lobbyUsername).
		Str("channel", binding.Channel).
		Str("room_id", string(binding.RoomID)).
		Msg("Bridged lobby leave")
	return nil
}

// HandleMatrixMember bridges a homeserver membership event into the lobby.
// Events caused by the bridge's own puppets are dropped here; reacting to
// them would loop the bridge against itself.
func (r *Reconciler) HandleMatrixMember(ctx context.Context, evt *event.Event) error {
	if r.mapper.IsPuppet(evt.Sender) {
		r.metrics.EchoSuppressed.Inc()
		return nil
	}
	binding, ok := r.rooms.ChannelForRoom(evt.RoomID)
	if !ok || !binding.Enabled {
		return nil
	}
	content := evt.Content.AsMember()
	if content == nil {
		r.log.Debug().Str("event_id", string(evt.ID)).Msg("Member event with no content")
		return nil
	}

	profile, err := r.resolveProfile(ctx, evt.RoomID, evt.Sender)
	if err != nil {
		r.log.Warn().Err(err).
			Str("user_id", string(evt.Sender)).
			Msg("Could not resolve member profile, skipping event")
		return nil
	}

	if evt.ID != "" {
		if err := r.hs.Bot().MarkRead(ctx, evt.RoomID, evt.ID); err != nil {
			r.log.Debug().Err(err).Str("event_id", string(evt.ID)).Msg("Failed to mark member event read")
		}
	}

	switch content.Membership {
	case event.MembershipJoin:
		if err := r.session.JoinFrom(binding.Channel, profile.Domain, profile.Username); err != nil {
			return fmt.Errorf("failed to join %s into %s: %w", profile.Username, binding.Channel, err)
		}
		r.metrics.MembershipOps.WithLabelValues(directionMatrixToLobby, opJoin).Inc()
	case event.MembershipLeave:
		if err := r.session.LeaveFrom(binding.Channel, profile.Domain, profile.Username); err != nil {
			return fmt.Errorf("failed to leave %s from %s: %w", profile.Username, binding.Channel, err)
		}
		r.metrics.MembershipOps.WithLabelValues(directionMatrixToLobby, opLeave).Inc()
	default:
		// Invites, bans and knocks have no lobby equivalent.
	}
	return nil
}

// resolveProfile returns the cached profile for a homeserver user, fetching
// it with a bounded retry when the cache misses (the member event may race
// ahead of the profile becoming visible).
func (r *Reconciler) resolveProfile(ctx context.Context, roomID id.RoomID, userID id.UserID) (UserProfile, error) {
	if profile, ok := r.profiles.Get(userID); ok {
		return profile, nil
	}
	localpart, _ := SplitUserID(userID)
	fetched, err := r.guard.FetchProfile(ctx, r.hs, roomID, userID)
	if err != nil {
		return UserProfile{}, err
	}
	domain, username := r.mapper.ResolveOrigin(localpart)
	profile := UserProfile{
		Username:    username,
		Domain:      domain,
		DisplayName: SanitizeDisplayName(fetched.DisplayName, username),
	}
	r.profiles.Put(userID, profile)
	return profile, nil
}

// BridgeLoggedUsers is the startup bulk resync: it rebuilds lobby-side
// presence for every real homeserver user already occupying a bridged
// room. Runs once after the lobby session authenticates.
func (r *Reconciler) BridgeLoggedUsers(ctx context.Context) error {
	start := time.Now()
	defer r.metrics.ObserveResync(start)

	userRooms := make(map[id.UserID][]RoomBinding)
	for _, binding := range r.rooms.EnabledBindings() {
		members, err := r.hs.RoomMembers(ctx, binding.RoomID)
		if err != nil {
			r.log.Warn().Err(err).
				Str("room_id", string(binding.RoomID)).
				Msg("Failed to list room members during resync, skipping room")
			continue
		}
		for _, member := range members {
			if r.mapper.IsPuppet(member) {
				continue
			}
			userRooms[member] = append(userRooms[member], binding)
		}
	}

	bridged := 0
	for userID, bindings := range userRooms {
		// The profile fetch can race with membership changing under us;
		// bounded retry, then skip the user rather than stalling resync.
		profile, err := r.resolveProfile(ctx, bindings[0].RoomID, userID)
		if err != nil {
			r.log.Warn().Err(err).
				Str("user_id", string(userID)).
				Msg("Profile unavailable during resync, skipping user")
			continue
		}
		if err := r.session.BridgedClientFrom(profile.Domain, profile.Username, profile.DisplayName); err != nil {
			r.log.Warn().Err(err).
				Str("user_id", string(userID)).
				Msg("Failed to register bridged client during resync")
			continue
		}
		for _, binding := range bindings {
			if err := r.session.JoinFrom(binding.Channel, profile.Domain, profile.Username); err != nil {
				r.log.Warn().Err(err).
					Str("user_id", string(userID)).
					Str("channel", binding.Channel).
					Msg("Failed to join bridged client during resync")
			}
		}
		bridged++
	}

	r.log.Info().
		Int("users", bridged).
		Dur("duration", time.Since(start)).
		Msg("Bulk resync complete")
	return nil
}

// CleanRooms removes every bridge puppet from every configured room,
// best-effort. Used during graceful shutdown; failures are logged, not
// retried, since the process is exiting.
func (r *Reconciler) CleanRooms(ctx context.Context) {
	for _, binding := range r.rooms.Bindings() {
		members, err := r.hs.RoomMembers(ctx, binding.RoomID)
		if err != nil {
			r.log.Warn().Err(err).
				Str("room_id", string(binding.RoomID)).
				Msg("Failed to list members during cleanup")
			continue
		}
		for _, member := range members {
			if !r.mapper.IsPuppet(member) || member == r.mapper.BotUserID {
				continue
			}
			if err := r.hs.User(member).LeaveRoom(ctx, binding.RoomID); err != nil {
				r.log.Warn().Err(err).
					Str("user_id", string(member)).
					Str("room_id", string(binding.RoomID)).
					Msg("Failed to remove puppet during cleanup")
			}
			r.index.Remove(binding.RoomID, member)
			if ctx.Err() != nil {
				r.log.Warn().Msg("Cleanup deadline hit")
				return
			}
		}
	}
}
