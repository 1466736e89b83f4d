// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/jauriarts/matrix-spring/pkg/lobby"
)

// Relay translates chat content between the two protocols and applies the
// echo filter on the homeserver side.
type Relay struct {
	rooms   *RoomMap
	mapper  *IdentityMapper
	hs      Homeserver
	session lobby.Session
	metrics *Metrics
	log     zerolog.Logger
}

// NewRelay creates a relay over the shared state.
func NewRelay(rooms *RoomMap, mapper *IdentityMapper, hs Homeserver, session lobby.Session, metrics *Metrics, log zerolog.Logger) *Relay {
	return &Relay{
		rooms:   rooms,
		mapper:  mapper,
		hs:      hs,
		session: session,
		metrics: metrics,
		log:     log.With().Str("component", "relay").Logger(),
	}
}

// RelayLobbyMessage sends a lobby channel message into the mapped room as
// the sender's puppet. No-op if the channel is not bridged.
func (rl *Relay) RelayLobbyMessage(ctx context.Context, lobbyUsername, channel, text string, emote bool) error {
	binding, ok := rl.rooms.RoomForChannel(channel)
	if !ok || !binding.Enabled {
		return nil
	}
	if rl.mapper.IsOwnLobbyUser(lobbyUsername) {
		rl.metrics.EchoSuppressed.Inc()
		return nil
	}
	puppetID, err := rl.mapper.ToPuppetID(lobbyUsername)
	if err != nil {
		return err
	}
	intent := rl.hs.User(puppetID)
	if emote {
		err = intent.SendEmote(ctx, binding.RoomID, text)
	} else {
		err = intent.SendText(ctx, binding.RoomID, text)
	}
	if err != nil {
		return fmt.Errorf("failed to relay lobby message to %s: %w", binding.RoomID, err)
	}
	rl.metrics.RelayedMessages.WithLabelValues(directionLobbyToMatrix).Inc()
	return nil
}

// RelayMatrixMessage forwards a homeserver message event into the mapped
// lobby channel. Puppet-sent events are dropped (echo); image events are
// rewritten into fetchable HTTPS URLs; the source event is marked read
// after a successful relay.
func (rl *Relay) RelayMatrixMessage(ctx context.Context, evt *event.Event) error {
	if rl.mapper.IsPuppet(evt.Sender) {
		rl.metrics.EchoSuppressed.Inc()
		return nil
	}
	binding, ok := rl.rooms.ChannelForRoom(evt.RoomID)
	if !ok || !binding.Enabled {
		rl.log.Debug().Str("room_id", string(evt.RoomID)).Msg("Message in unbridged room")
		return nil
	}

	content := evt.Content.AsMessage()
	var body string
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		body = content.Body
	case event.MsgImage:
		fetchable, err := rewriteMediaURL(string(content.URL))
		if err != nil {
			rl.log.Debug().Err(err).Str("event_id", string(evt.ID)).Msg("Unparseable media URL")
			return nil
		}
		body = fetchable
	default:
		rl.log.Debug().
			Str("msgtype", string(content.MsgType)).
			Str("event_id", string(evt.ID)).
			Msg("Unsupported message type")
		return nil
	}

	// The lobby never sees the bridge's internal namespace: the forwarded
	// sender is the origin-stripped username.
	localpart, _ := SplitUserID(evt.Sender)
	domain, username := rl.mapper.ResolveOrigin(localpart)

	if err := rl.session.SayFrom(username, domain, binding.Channel, body); err != nil {
		return fmt.Errorf("failed to relay message to channel %s: %w", binding.Channel, err)
	}
	if evt.ID != "" {
		if err := rl.hs.Bot().MarkRead(ctx, evt.RoomID, evt.ID); err != nil {
			rl.log.Debug().Err(err).Str("event_id", string(evt.ID)).Msg("Failed to mark message read")
		}
	}
	rl.metrics.RelayedMessages.WithLabelValues(directionMatrixToLobby).Inc()
	return nil
}

// rewriteMediaURL turns an mxc:// content reference into the HTTPS media
// download URL for the hosting server.
func rewriteMediaURL(mxcURL string) (string, error) {
	u, err := url.Parse(mxcURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "mxc" || u.Host == "" || u.Path == "" {
		return "", fmt.Errorf("not an mxc URL: %q", mxcURL)
	}
	return fmt.Sprintf("https://%s/_matrix/media/v1/download/%s%s", u.Host, u.Host, u.Path), nil
}
