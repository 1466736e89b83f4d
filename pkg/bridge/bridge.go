// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/jauriarts/matrix-spring/pkg/lobby"
)

// ignoredLobbyUsers never get puppets: lobby services, not people.
var ignoredLobbyUsers = map[string]struct{}{
	"chanserv": {},
}

// battleChannelPrefix marks lobby battle rooms, which are never bridged.
const battleChannelPrefix = "__battle__"

// Bridge is the top-level coordinator: it owns the shared in-memory state,
// wires the registry, reconciler and relay together, pumps lobby events,
// and implements startup bulk-sync and graceful shutdown.
type Bridge struct {
	cfg     *Config
	log     zerolog.Logger
	hs      Homeserver
	session lobby.Session

	mapper   *IdentityMapper
	rooms    *RoomMap
	index    *MembershipIndex
	profiles *profileIndex
	registry *PuppetRegistry
	rec      *Reconciler
	relay    *Relay
	guard    *Guard
	metrics  *Metrics

	wg sync.WaitGroup
}

// New wires a bridge from its two collaborators and the loaded config.
func New(cfg *Config, hs Homeserver, session lobby.Session, log zerolog.Logger) *Bridge {
	mapper := NewIdentityMapper(cfg.Appservice.Namespace, cfg.Homeserver.Domain, cfg.BotUserID(), cfg.Spring.BotUsername)
	rooms := NewRoomMap(cfg.RoomBindings())
	index := NewMembershipIndex()
	profiles := newProfileIndex()
	metrics := NewMetrics()
	guard := NewGuard(log)

	b := &Bridge{
		cfg:      cfg,
		log:      log.With().Str("component", "bridge").Logger(),
		hs:       hs,
		session:  session,
		mapper:   mapper,
		rooms:    rooms,
		index:    index,
		profiles: profiles,
		guard:    guard,
		metrics:  metrics,
	}
	b.registry = NewPuppetRegistry(mapper, hs, session, index, metrics, log)
	b.rec = NewReconciler(rooms, mapper, index, hs, session, profiles, guard, metrics, log)
	b.relay = NewRelay(rooms, mapper, hs, session, metrics, log)
	return b
}

// Start probes the homeserver (fatal on exhausted retries), brings the
// service account online, connects and logs into the lobby, and starts the
// lobby event pump. It returns once startup is done; events flow on
// background goroutines until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	botID, err := b.guard.ProbeHomeserver(ctx, b.hs)
	if err != nil {
		return err
	}
	b.log.Info().Str("bot_mxid", string(botID)).Msg("Homeserver link up")

	bot := b.hs.Bot()
	if err := bot.SetPresence(ctx, event.PresenceOnline); err != nil {
		b.log.Warn().Err(err).Msg("Failed to set bot presence")
	}
	if b.cfg.Appservice.AdminRoom != "" {
		if err := bot.JoinRoom(ctx, b.cfg.Appservice.AdminRoom); err != nil {
			b.log.Warn().Err(err).Msg("Failed to join admin room")
		}
	}

	if err := b.session.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to lobby: %w", err)
	}
	if err := b.session.Login(ctx, b.cfg.Spring.BotUsername, b.cfg.Spring.BotPassword); err != nil {
		return fmt.Errorf("failed to send lobby login: %w", err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.pumpLobbyEvents(ctx)
	}()
	return nil
}

// Stop performs graceful shutdown within the given context's deadline:
// every puppet is deprovisioned, remaining puppets are swept from all
// bridged rooms, and the lobby connection is closed. Failures here are
// logged, not retried; the process is exiting anyway.
func (b *Bridge) Stop(ctx context.Context) {
	b.log.Info().Msg("Shutting down bridge")
	b.registry.LogoutAll(ctx)
	b.rec.CleanRooms(ctx)
	if err := b.hs.Bot().SetPresence(ctx, event.PresenceOffline); err != nil {
		b.log.Debug().Err(err).Msg("Failed to set bot offline")
	}
	if err := b.session.Close(); err != nil {
		b.log.Debug().Err(err).Msg("Failed to close lobby session")
	}
	b.wg.Wait()
}

// pumpLobbyEvents dispatches typed lobby events in arrival order. The
// lobby guarantees per-connection ordering, so one dispatcher goroutine
// keeps same-channel events serialized.
func (b *Bridge) pumpLobbyEvents(ctx context.Context) {
	events := b.session.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				b.log.Info().Msg("Lobby event stream closed")
				return
			}
			b.dispatchLobbyEvent(ctx, evt)
		}
	}
}

func (b *Bridge) dispatchLobbyEvent(ctx context.Context, evt lobby.Event) {
	log := b.log.With().Str("lobby_event", evt.Type.String()).Logger()
	var err error
	switch evt.Type {
	case lobby.EventAccepted:
		log.Info().Str("user", evt.User).Msg("Lobby login accepted")
		for _, binding := range b.rooms.EnabledBindings() {
			if joinErr := b.session.Join(binding.Channel); joinErr != nil {
				log.Warn().Err(joinErr).Str("channel", binding.Channel).Msg("Failed to join lobby channel")
			}
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if syncErr := b.rec.BridgeLoggedUsers(ctx); syncErr != nil {
				log.Error().Err(syncErr).Msg("Bulk resync failed")
			}
		}()

	case lobby.EventDenied:
		log.Error().Str("reason", evt.Reason).Msg("Lobby login denied")

	case lobby.EventFailed:
		log.Warn().Str("reason", evt.Reason).Msg("Lobby command failed")

	case lobby.EventAddUser:
		if b.isIgnoredLobbyUser(evt.User) {
			return
		}
		err = b.registry.Login(ctx, evt.User)

	case lobby.EventRemoveUser:
		if b.isIgnoredLobbyUser(evt.User) {
			return
		}
		err = b.registry.Logout(ctx, evt.User)

	case lobby.EventJoined:
		if b.isIgnoredLobbyUser(evt.User) {
			return
		}
		err = b.rec.HandleLobbyJoin(ctx, evt.User, evt.Channel)

	case lobby.EventLeft:
		if strings.HasPrefix(evt.Channel, battleChannelPrefix) || b.isIgnoredLobbyUser(evt.User) {
			return
		}
		err = b.rec.HandleLobbyLeave(ctx, evt.User, evt.Channel)

	case lobby.EventSaid:
		err = b.relay.RelayLobbyMessage(ctx, evt.User, evt.Channel, evt.Message, false)

	case lobby.EventSaidEx:
		err = b.relay.RelayLobbyMessage(ctx, evt.User, evt.Channel, evt.Message, true)

	case lobby.EventClients:
		for _, client := range evt.Clients {
			if b.isIgnoredLobbyUser(client) {
				continue
			}
			if joinErr := b.rec.HandleLobbyJoin(ctx, client, evt.Channel); joinErr != nil {
				log.Warn().Err(joinErr).Str("user", client).Msg("Failed to bridge roster member")
			}
		}

	default:
		log.Debug().Msg("Unhandled lobby event")
	}
	if err != nil {
		log.Error().Err(err).Str("user", evt.User).Str("channel", evt.Channel).Msg("Failed to handle lobby event")
	}
}

// isIgnoredLobbyUser filters lobby service accounts and the bridge's own
// login out of puppeting.
func (b *Bridge) isIgnoredLobbyUser(lobbyUsername string) bool {
	if b.mapper.IsOwnLobbyUser(lobbyUsername) {
		return true
	}
	_, ignored := ignoredLobbyUsers[b.mapper.Canonical(lobbyUsername)]
	return ignored
}

// HandleMatrixEvent is the entry point for events pushed by the appservice
// transport. It never returns an error: a malformed or unexpected event is
// logged and dropped, never allowed to crash the bridge.
func (b *Bridge) HandleMatrixEvent(ctx context.Context, evt *event.Event) {
	if evt == nil {
		return
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		b.log.Debug().Err(err).Str("event_id", string(evt.ID)).Msg("Unparseable event content")
		return
	}

	if evt.RoomID == b.cfg.Appservice.AdminRoom && evt.Type == event.EventMessage {
		if b.isAdmin(evt.Sender) {
			body := evt.Content.AsMessage().Body
			if strings.HasPrefix(body, "!") {
				b.handleAdminCommand(ctx, body)
			}
		}
		return
	}

	var err error
	switch evt.Type {
	case event.EventMessage:
		err = b.relay.RelayMatrixMessage(ctx, evt)
	case event.StateMember:
		err = b.rec.HandleMatrixMember(ctx, evt)
	default:
		b.log.Debug().Str("type", evt.Type.String()).Msg("Unhandled matrix event type")
	}
	if err != nil {
		b.log.Error().Err(err).
			Str("event_id", string(evt.ID)).
			Str("room_id", string(evt.RoomID)).
			Msg("Failed to handle matrix event")
	}
}

func (b *Bridge) isAdmin(userID id.UserID) bool {
	for _, admin := range b.cfg.Appservice.AdminList {
		if admin == userID {
			return true
		}
	}
	return false
}

// handleAdminCommand runs a "!" command from the admin room through the
// service account.
func (b *Bridge) handleAdminCommand(ctx context.Context, body string) {
	fields := strings.Fields(strings.TrimPrefix(body, "!"))
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]
	log := b.log.With().Str("admin_command", cmd).Logger()

	var err error
	switch cmd {
	case "set_room_alias":
		if len(args) == 2 {
			alias := id.NewRoomAlias(args[1], b.cfg.Homeserver.Domain)
			err = b.hs.AddRoomAlias(ctx, alias, id.RoomID(args[0]))
		}
	case "remove_room_alias":
		if len(args) == 1 {
			err = b.hs.RemoveRoomAlias(ctx, id.NewRoomAlias(args[0], b.cfg.Homeserver.Domain))
		}
	case "join_room":
		if len(args) == 1 {
			err = b.hs.Bot().JoinRoom(ctx, id.RoomID(args[0]))
		}
	case "leave_room":
		for _, username := range args {
			if leaveErr := b.leaveAllRooms(ctx, username); leaveErr != nil {
				log.Warn().Err(leaveErr).Str("user", username).Msg("Failed to vacate rooms")
			}
		}
	case "create_room":
		if len(args) == 1 {
			var roomID id.RoomID
			roomID, err = b.CreateBridgedRoom(ctx, args[0])
			if err == nil {
				log.Info().Str("room_id", string(roomID)).Str("channel", args[0]).Msg("Created bridged room")
			}
		}
	default:
		err = b.hs.Bot().SendText(ctx, b.cfg.Appservice.AdminRoom,
			"Commands: !set_room_alias <room_id> <localpart>, !remove_room_alias <localpart>, "+
				"!join_room <room_id>, !leave_room <username>..., !create_room <channel>")
	}
	if err != nil {
		log.Warn().Err(err).Msg("Admin command failed")
	}
}

// leaveAllRooms removes a puppet from every room it is joined to.
func (b *Bridge) leaveAllRooms(ctx context.Context, lobbyUsername string) error {
	puppetID, err := b.mapper.ToPuppetID(lobbyUsername)
	if err != nil {
		return err
	}
	intent := b.hs.User(puppetID)
	rooms, err := intent.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to list joined rooms for %s: %w", puppetID, err)
	}
	for _, roomID := range rooms {
		if err := intent.LeaveRoom(ctx, roomID); err != nil {
			b.log.Warn().Err(err).
				Str("user_id", string(puppetID)).
				Str("room_id", string(roomID)).
				Msg("Failed to leave room")
		}
		b.index.Remove(roomID, puppetID)
	}
	return nil
}

// CreateBridgedRoom creates a public room for a lobby channel under the
// bridge's alias namespace and joins the service account into it.
func (b *Bridge) CreateBridgedRoom(ctx context.Context, channel string) (id.RoomID, error) {
	localpart := fmt.Sprintf("%s_%s", b.cfg.Appservice.Namespace, canonicalChannel(channel))
	roomID, err := b.hs.CreateRoom(ctx, localpart, true)
	if err != nil {
		return "", fmt.Errorf("failed to create room for channel %s: %w", channel, err)
	}
	if err := b.hs.Bot().JoinRoom(ctx, roomID); err != nil {
		return roomID, fmt.Errorf("failed to join created room: %w", err)
	}
	return roomID, nil
}

// Registry exposes the puppet registry, mainly for the status API.
func (b *Bridge) Registry() *PuppetRegistry { return b.registry }

// Index exposes the membership index, mainly for the status API.
func (b *Bridge) Index() *MembershipIndex { return b.index }

// Metrics exposes the prometheus instruments.
func (b *Bridge) Metrics() *Metrics { return b.metrics }
