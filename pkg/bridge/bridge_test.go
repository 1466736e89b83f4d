// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/jauriarts/matrix-spring/pkg/lobby"
)

func testConfig() *Config {
	return &Config{
		Homeserver: HomeserverConfig{
			Address: "https://matrix.server",
			Domain:  "server",
		},
		Appservice: AppserviceConfig{
			ASToken:     "as",
			HSToken:     "hs",
			BotUsername: "appservice",
			Namespace:   "spring",
			AdminRoom:   "!admin:server",
			AdminList:   []id.UserID{"@operator:server"},
			Bridge: map[string]BridgeRoomConfig{
				"main": {RoomID: "!abc:server", Enabled: true},
				"dark": {RoomID: "!off:server", Enabled: false},
			},
		},
		Spring: SpringConfig{
			Address:     "lobby.server",
			Port:        8200,
			ClientName:  "matrix-spring",
			BotUsername: "appservice",
			BotPassword: "secret",
		},
	}
}

func newTestBridge(t *testing.T) (*Bridge, *fakeHomeserver, *fakeSession) {
	t.Helper()
	hs := newFakeHomeserver("@appservice:server")
	session := newFakeSession()
	b := New(testConfig(), hs, session, testLogger())
	b.guard.ConnectAttempts = 2
	b.guard.ConnectInterval = time.Millisecond
	b.guard.ProfileAttempts = 2
	b.guard.ProfileInterval = time.Millisecond
	return b, hs, session
}

func startTestBridge(t *testing.T, b *Bridge) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		b.wg.Wait()
	})
	return ctx
}

func TestBridgeStart(t *testing.T) {
	t.Parallel()
	b, hs, session := newTestBridge(t)
	startTestBridge(t, b)

	if got := len(hs.CallsOf("whoami")); got != 1 {
		t.Errorf("whoami calls: got %d, want 1", got)
	}
	presence := hs.CallsOf("set_presence")
	if len(presence) != 1 || presence[0].User != "@appservice:server" || presence[0].Arg != string(event.PresenceOnline) {
		t.Errorf("bot presence calls: got %+v", presence)
	}
	joins := hs.CallsOf("join_room")
	if len(joins) != 1 || joins[0].Room != "!admin:server" {
		t.Errorf("admin room join: got %+v", joins)
	}
	if got := len(session.CallsOf("connect")); got != 1 {
		t.Errorf("connect calls: got %d, want 1", got)
	}
	logins := session.CallsOf("login")
	if len(logins) != 1 || logins[0].Username != "appservice" {
		t.Errorf("login calls: got %+v", logins)
	}
}

func TestBridgeStartHomeserverDown(t *testing.T) {
	t.Parallel()
	b, hs, session := newTestBridge(t)
	hs.failOps["whoami"] = errTransient

	if err := b.Start(context.Background()); err == nil {
		t.Fatal("Start must fail when the homeserver probe exhausts its retries")
	}
	if got := len(session.Calls()); got != 0 {
		t.Errorf("lobby must not be contacted when the homeserver is down, got %d calls", got)
	}
}

func TestBridgeAcceptedJoinsChannelsAndResyncs(t *testing.T) {
	t.Parallel()
	b, hs, session := newTestBridge(t)
	hs.members["!abc:server"] = []id.UserID{"@alice:server"}
	hs.profiles["@alice:server"] = &MemberProfile{DisplayName: "Alice"}
	startTestBridge(t, b)

	session.events <- lobby.Event{Type: lobby.EventAccepted, User: "appservice"}

	waitFor(t, "channel join", func() bool {
		return len(session.CallsOf("join")) == 1
	})
	joins := session.CallsOf("join")
	if joins[0].Channel != "main" {
		t.Errorf("should join only enabled channels: %+v", joins)
	}
	waitFor(t, "bulk resync", func() bool {
		return len(session.CallsOf("bridged_client_from")) == 1
	})
	bridged := session.CallsOf("bridged_client_from")
	if bridged[0].Username != "alice" {
		t.Errorf("resync registered wrong user: %+v", bridged)
	}
}

func TestBridgeAddRemoveUser(t *testing.T) {
	t.Parallel()
	b, hs, session := newTestBridge(t)
	startTestBridge(t, b)

	session.events <- lobby.Event{Type: lobby.EventAddUser, User: "Alice"}
	waitFor(t, "puppet login", func() bool {
		return b.registry.State("alice") == PuppetActive
	})
	if got := len(hs.CallsOf("set_display_name")); got != 1 {
		t.Errorf("set_display_name calls: got %d, want 1", got)
	}

	session.events <- lobby.Event{Type: lobby.EventRemoveUser, User: "Alice"}
	waitFor(t, "puppet logout", func() bool {
		return b.registry.State("alice") == PuppetAbsent
	})
	if got := len(session.CallsOf("unbridged_client_from")); got != 1 {
		t.Errorf("unbridged_client_from calls: got %d, want 1", got)
	}
}

func TestBridgeIgnoresServiceAccounts(t *testing.T) {
	t.Parallel()
	b, _, session := newTestBridge(t)
	startTestBridge(t, b)

	session.events <- lobby.Event{Type: lobby.EventAddUser, User: "ChanServ"}
	session.events <- lobby.Event{Type: lobby.EventAddUser, User: "appservice"}
	session.events <- lobby.Event{Type: lobby.EventAddUser, User: "Alice"}

	waitFor(t, "real user login", func() bool {
		return b.registry.State("alice") == PuppetActive
	})
	if got := b.registry.Count(); got != 1 {
		t.Errorf("service accounts must not get puppets, registry has %d", got)
	}
}

func TestBridgeJoinedLeft(t *testing.T) {
	t.Parallel()
	b, hs, session := newTestBridge(t)
	startTestBridge(t, b)

	session.events <- lobby.Event{Type: lobby.EventJoined, User: "alice", Channel: "main"}
	waitFor(t, "bridged join", func() bool {
		return b.index.Contains("!abc:server", "@spring_alice:server")
	})

	session.events <- lobby.Event{Type: lobby.EventLeft, User: "alice", Channel: "main"}
	waitFor(t, "bridged leave", func() bool {
		return !b.index.Contains("!abc:server", "@spring_alice:server")
	})
	if got := len(hs.CallsOf("leave_room")); got != 1 {
		t.Errorf("leave_room calls: got %d, want 1", got)
	}
}

func TestBridgeSkipsBattleChannels(t *testing.T) {
	t.Parallel()
	b, hs, session := newTestBridge(t)
	startTestBridge(t, b)

	session.events <- lobby.Event{Type: lobby.EventLeft, User: "alice", Channel: "__battle__42"}
	// Drain with a sentinel so the battle event is known to be processed.
	session.events <- lobby.Event{Type: lobby.EventJoined, User: "bob", Channel: "main"}
	waitFor(t, "sentinel join", func() bool {
		return b.index.Contains("!abc:server", "@spring_bob:server")
	})

	if got := len(hs.CallsOf("leave_room")); got != 0 {
		t.Errorf("battle channel events must be skipped, got %d leaves", got)
	}
}

func TestBridgeSaidRelays(t *testing.T) {
	t.Parallel()
	b, hs, session := newTestBridge(t)
	startTestBridge(t, b)

	session.events <- lobby.Event{Type: lobby.EventSaid, User: "alice", Channel: "main", Message: "hello"}
	waitFor(t, "relayed text", func() bool {
		return len(hs.CallsOf("send_text")) == 1
	})

	session.events <- lobby.Event{Type: lobby.EventSaidEx, User: "alice", Channel: "main", Message: "waves"}
	waitFor(t, "relayed emote", func() bool {
		return len(hs.CallsOf("send_emote")) == 1
	})
}

func TestBridgeClientsRoster(t *testing.T) {
	t.Parallel()
	b, _, session := newTestBridge(t)
	startTestBridge(t, b)

	session.events <- lobby.Event{
		Type:    lobby.EventClients,
		Channel: "main",
		Clients: []string{"alice", "ChanServ", "bob", "appservice"},
	}
	waitFor(t, "roster bridged", func() bool {
		return len(b.index.UsersIn("!abc:server")) == 2
	})
	users := b.index.UsersIn("!abc:server")
	if users[0] != "@spring_alice:server" || users[1] != "@spring_bob:server" {
		t.Errorf("roster bridged wrong users: %v", users)
	}
}

func TestBridgeStop(t *testing.T) {
	t.Parallel()
	b, hs, session := newTestBridge(t)
	ctx := startTestBridge(t, b)

	session.events <- lobby.Event{Type: lobby.EventAddUser, User: "alice"}
	session.events <- lobby.Event{Type: lobby.EventJoined, User: "alice", Channel: "main"}
	waitFor(t, "puppet in room", func() bool {
		return b.index.Contains("!abc:server", "@spring_alice:server")
	})
	_ = ctx

	hs.members["!abc:server"] = []id.UserID{"@spring_alice:server"}
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b.Stop(stopCtx)

	if got := b.registry.Count(); got != 0 {
		t.Errorf("registry should be empty after Stop, got %d", got)
	}
	offline := 0
	for _, c := range hs.CallsOf("set_presence") {
		if c.Arg == string(event.PresenceOffline) {
			offline++
		}
	}
	// Puppet offline plus bot offline.
	if offline != 2 {
		t.Errorf("offline presence calls: got %d, want 2", offline)
	}
	if got := len(session.CallsOf("close")); got != 1 {
		t.Errorf("close calls: got %d, want 1", got)
	}
}

func TestHandleMatrixEventMessage(t *testing.T) {
	t.Parallel()
	b, _, session := newTestBridge(t)

	evt := messageEvent("@alice:server", "!abc:server", "$m1", event.MsgText, "hi")
	b.HandleMatrixEvent(context.Background(), evt)

	says := session.CallsOf("say_from")
	if len(says) != 1 || says[0].Channel != "main" || says[0].Message != "hi" {
		t.Errorf("say_from calls: got %+v", says)
	}
}

func TestHandleMatrixEventMember(t *testing.T) {
	t.Parallel()
	b, hs, session := newTestBridge(t)
	hs.profiles["@alice:server"] = &MemberProfile{DisplayName: "Alice"}

	evt := memberEvent("@alice:server", "!abc:server", "$m2", event.MembershipJoin)
	b.HandleMatrixEvent(context.Background(), evt)

	if got := len(session.CallsOf("join_from")); got != 1 {
		t.Errorf("join_from calls: got %d, want 1", got)
	}
}

func TestAdminCommandFromAdmin(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)

	evt := messageEvent("@operator:server", "!admin:server", "$a1", event.MsgText, "!set_room_alias !abc:server mainchat")
	b.HandleMatrixEvent(context.Background(), evt)

	aliases := hs.CallsOf("add_room_alias")
	if len(aliases) != 1 || aliases[0].Room != "!abc:server" || aliases[0].Arg != "#mainchat:server" {
		t.Errorf("add_room_alias calls: got %+v", aliases)
	}
}

func TestAdminCommandFromNonAdmin(t *testing.T) {
	t.Parallel()
	b, hs, session := newTestBridge(t)

	evt := messageEvent("@mallory:server", "!admin:server", "$a2", event.MsgText, "!join_room !abc:server")
	b.HandleMatrixEvent(context.Background(), evt)

	if got := len(hs.Calls()) + len(session.Calls()); got != 0 {
		t.Errorf("non-admin commands must be ignored, got %d calls", got)
	}
}

func TestAdminRoomChatterNotRelayed(t *testing.T) {
	t.Parallel()
	b, _, session := newTestBridge(t)

	evt := messageEvent("@operator:server", "!admin:server", "$a3", event.MsgText, "just chatting")
	b.HandleMatrixEvent(context.Background(), evt)

	if got := len(session.Calls()); got != 0 {
		t.Errorf("admin room chatter must never reach the lobby, got %d calls", got)
	}
}

func TestAdminUnknownCommandShowsUsage(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)

	evt := messageEvent("@operator:server", "!admin:server", "$a4", event.MsgText, "!bogus")
	b.HandleMatrixEvent(context.Background(), evt)

	sends := hs.CallsOf("send_text")
	if len(sends) != 1 || sends[0].Room != "!admin:server" {
		t.Errorf("usage reply: got %+v", sends)
	}
}

func TestAdminLeaveRoomCommand(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)
	puppet := id.UserID("@spring_alice:server")
	hs.joinedRooms[puppet] = []id.RoomID{"!abc:server", "!other:server"}
	b.index.Add("!abc:server", puppet)

	evt := messageEvent("@operator:server", "!admin:server", "$a5", event.MsgText, "!leave_room alice")
	b.HandleMatrixEvent(context.Background(), evt)

	if got := len(hs.CallsOf("leave_room")); got != 2 {
		t.Errorf("leave_room calls: got %d, want 2", got)
	}
	if b.index.Contains("!abc:server", puppet) {
		t.Error("index should be cleared for vacated rooms")
	}
}

func TestCreateBridgedRoom(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)

	roomID, err := b.CreateBridgedRoom(context.Background(), "#newchan")
	if err != nil {
		t.Fatalf("CreateBridgedRoom: %v", err)
	}
	if roomID != "!created:test" {
		t.Errorf("room ID: got %q", roomID)
	}

	creates := hs.CallsOf("create_room")
	if len(creates) != 1 || creates[0].Arg != "spring_newchan" {
		t.Errorf("create_room calls: got %+v", creates)
	}
	joins := hs.CallsOf("join_room")
	if len(joins) != 1 || joins[0].Room != roomID {
		t.Errorf("bot should join the created room: %+v", joins)
	}
}
