// Copyright 2024-2026 Aiku AI

// Package matrix implements the bridge's homeserver transport on top of
// the mautrix appservice client. It is a thin adapter: all bridge logic
// lives in pkg/bridge behind the Homeserver/Intent interfaces.
package matrix

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/jauriarts/matrix-spring/pkg/bridge"
)

// AppService wraps a mautrix appservice and implements bridge.Homeserver.
type AppService struct {
	as  *appservice.AppService
	ep  *appservice.EventProcessor
	log zerolog.Logger
}

var _ bridge.Homeserver = (*AppService)(nil)

// New builds the appservice transport from the bridge config.
func New(cfg *bridge.Config, log zerolog.Logger) (*AppService, error) {
	as := appservice.Create()
	as.HomeserverDomain = cfg.Homeserver.Domain
	if err := as.SetHomeserverURL(cfg.Homeserver.Address); err != nil {
		return nil, fmt.Errorf("invalid homeserver address: %w", err)
	}
	as.Registration = &appservice.Registration{
		ID:              "matrix-spring",
		AppToken:        cfg.Appservice.ASToken,
		ServerToken:     cfg.Appservice.HSToken,
		SenderLocalpart: cfg.Appservice.BotUsername,
		Namespaces: appservice.Namespaces{
			UserIDs: appservice.NamespaceList{{
				Regex:     fmt.Sprintf("@%s_.*:%s", cfg.Appservice.Namespace, cfg.Homeserver.Domain),
				Exclusive: true,
			}},
		},
	}
	as.Host = appservice.HostConfig{
		Hostname: cfg.Appservice.Hostname,
		Port:     cfg.Appservice.Port,
	}
	as.Log = log.With().Str("component", "appservice").Logger()

	return &AppService{
		as:  as,
		ep:  appservice.NewEventProcessor(as),
		log: log.With().Str("component", "matrix").Logger(),
	}, nil
}

// OnEvent registers a handler for the given event types.
func (a *AppService) OnEvent(types []event.Type, handler func(ctx context.Context, evt *event.Event)) {
	for _, typ := range types {
		a.ep.On(typ, handler)
	}
}

// Start runs the appservice HTTP listener and the event processor.
func (a *AppService) Start(ctx context.Context) {
	go a.ep.Start(ctx)
	go a.as.Start()
}

// Stop shuts both down.
func (a *AppService) Stop() {
	a.as.Stop()
	a.ep.Stop()
}

// WhoAmI implements bridge.Homeserver.
func (a *AppService) WhoAmI(ctx context.Context) (id.UserID, error) {
	resp, err := a.as.BotClient().Whoami(ctx)
	if err != nil {
		return "", err
	}
	return resp.UserID, nil
}

// Bot implements bridge.Homeserver.
func (a *AppService) Bot() bridge.Intent {
	return &intentHandle{intent: a.as.BotIntent()}
}

// User implements bridge.Homeserver.
func (a *AppService) User(userID id.UserID) bridge.Intent {
	return &intentHandle{intent: a.as.Intent(userID)}
}

// RoomMembers implements bridge.Homeserver.
func (a *AppService) RoomMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := a.as.BotIntent().JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

// MemberProfile implements bridge.Homeserver.
func (a *AppService) MemberProfile(ctx context.Context, _ id.RoomID, userID id.UserID) (*bridge.MemberProfile, error) {
	resp, err := a.as.BotIntent().GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &bridge.MemberProfile{DisplayName: resp.DisplayName}, nil
}

// CreateRoom implements bridge.Homeserver.
func (a *AppService) CreateRoom(ctx context.Context, aliasLocalpart string, public bool) (id.RoomID, error) {
	req := &mautrix.ReqCreateRoom{
		RoomAliasName: aliasLocalpart,
	}
	if public {
		req.Visibility = "public"
		req.Preset = "public_chat"
	}
	resp, err := a.as.BotIntent().CreateRoom(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// AddRoomAlias implements bridge.Homeserver.
func (a *AppService) AddRoomAlias(ctx context.Context, alias id.RoomAlias, roomID id.RoomID) error {
	cli := a.as.BotClient()
	url := cli.BuildClientURL("v3", "directory", "room", alias.String())
	_, err := cli.MakeRequest(ctx, http.MethodPut, url, &struct {
		RoomID id.RoomID `json:"room_id"`
	}{roomID}, nil)
	return err
}

// RemoveRoomAlias implements bridge.Homeserver.
func (a *AppService) RemoveRoomAlias(ctx context.Context, alias id.RoomAlias) error {
	cli := a.as.BotClient()
	url := cli.BuildClientURL("v3", "directory", "room", alias.String())
	_, err := cli.MakeRequest(ctx, http.MethodDelete, url, nil, nil)
	return err
}

// intentHandle adapts a mautrix IntentAPI to bridge.Intent.
type intentHandle struct {
	intent *appservice.IntentAPI
}

var _ bridge.Intent = (*intentHandle)(nil)

func (h *intentHandle) UserID() id.UserID {
	return h.intent.UserID
}

func (h *intentHandle) SetPresence(ctx context.Context, presence event.Presence) error {
	return h.intent.SetPresence(ctx, mautrix.ReqPresence{Presence: presence})
}

func (h *intentHandle) SetDisplayName(ctx context.Context, name string) error {
	return h.intent.SetDisplayName(ctx, name)
}

func (h *intentHandle) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	return h.intent.EnsureJoined(ctx, roomID)
}

func (h *intentHandle) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := h.intent.LeaveRoom(ctx, roomID)
	return err
}

func (h *intentHandle) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := h.intent.JoinedRooms(ctx)
	if err != nil {
		return nil, err
	}
	return resp.JoinedRooms, nil
}

func (h *intentHandle) SendText(ctx context.Context, roomID id.RoomID, body string) error {
	_, err := h.intent.SendText(ctx, roomID, body)
	return err
}

func (h *intentHandle) SendEmote(ctx context.Context, roomID id.RoomID, body string) error {
	_, err := h.intent.SendMessageEvent(ctx, roomID, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgEmote,
		Body:    body,
	})
	return err
}

func (h *intentHandle) MarkRead(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	return h.intent.MarkRead(ctx, roomID, eventID)
}
