// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/jauriarts/matrix-spring/pkg/lobby"
)

// hsCall records one homeserver call for test assertions.
type hsCall struct {
	Op   string
	User id.UserID
	Room id.RoomID
	Arg  string
}

// fakeHomeserver is a recording implementation of Homeserver. Errors can
// be scripted per operation or per room.
type fakeHomeserver struct {
	mu    sync.Mutex
	calls []hsCall

	botID        id.UserID
	members      map[id.RoomID][]id.UserID
	profiles     map[id.UserID]*MemberProfile
	profileFails map[id.UserID]int // failures remaining before success
	joinedRooms  map[id.UserID][]id.RoomID
	failOps      map[string]error
	failLeave    map[id.RoomID]error

	// blockPresence, when non-nil, makes SetPresence wait until closed.
	blockPresence chan struct{}
}

func newFakeHomeserver(botID id.UserID) *fakeHomeserver {
	return &fakeHomeserver{
		botID:        botID,
		members:      make(map[id.RoomID][]id.UserID),
		profiles:     make(map[id.UserID]*MemberProfile),
		profileFails: make(map[id.UserID]int),
		joinedRooms:  make(map[id.UserID][]id.RoomID),
		failOps:      make(map[string]error),
		failLeave:    make(map[id.RoomID]error),
	}
}

func (f *fakeHomeserver) record(op string, user id.UserID, room id.RoomID, arg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, hsCall{Op: op, User: user, Room: room, Arg: arg})
}

func (f *fakeHomeserver) Calls() []hsCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]hsCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeHomeserver) CallsOf(op string) []hsCall {
	var out []hsCall
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeHomeserver) WhoAmI(_ context.Context) (id.UserID, error) {
	f.record("whoami", f.botID, "", "")
	if err := f.failOps["whoami"]; err != nil {
		return "", err
	}
	return f.botID, nil
}

func (f *fakeHomeserver) Bot() Intent { return &fakeIntent{hs: f, userID: f.botID} }

func (f *fakeHomeserver) User(userID id.UserID) Intent {
	return &fakeIntent{hs: f, userID: userID}
}

func (f *fakeHomeserver) RoomMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	f.record("room_members", "", roomID, "")
	if err := f.failOps["room_members"]; err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[roomID], nil
}

func (f *fakeHomeserver) MemberProfile(_ context.Context, roomID id.RoomID, userID id.UserID) (*MemberProfile, error) {
	f.record("member_profile", userID, roomID, "")
	f.mu.Lock()
	if remaining := f.profileFails[userID]; remaining != 0 {
		if remaining > 0 {
			f.profileFails[userID] = remaining - 1
		}
		f.mu.Unlock()
		return nil, errTransient
	}
	profile, ok := f.profiles[userID]
	f.mu.Unlock()
	if !ok {
		return &MemberProfile{}, nil
	}
	return profile, nil
}

func (f *fakeHomeserver) CreateRoom(_ context.Context, aliasLocalpart string, _ bool) (id.RoomID, error) {
	f.record("create_room", "", "", aliasLocalpart)
	if err := f.failOps["create_room"]; err != nil {
		return "", err
	}
	return id.RoomID("!created:test"), nil
}

func (f *fakeHomeserver) AddRoomAlias(_ context.Context, alias id.RoomAlias, roomID id.RoomID) error {
	f.record("add_room_alias", "", roomID, string(alias))
	return f.failOps["add_room_alias"]
}

func (f *fakeHomeserver) RemoveRoomAlias(_ context.Context, alias id.RoomAlias) error {
	f.record("remove_room_alias", "", "", string(alias))
	return f.failOps["remove_room_alias"]
}

// fakeIntent implements Intent by recording through its fakeHomeserver.
type fakeIntent struct {
	hs     *fakeHomeserver
	userID id.UserID
}

func (i *fakeIntent) UserID() id.UserID { return i.userID }

func (i *fakeIntent) SetPresence(_ context.Context, presence event.Presence) error {
	i.hs.mu.Lock()
	gate := i.hs.blockPresence
	i.hs.mu.Unlock()
	if gate != nil {
		<-gate
	}
	i.hs.record("set_presence", i.userID, "", string(presence))
	return i.hs.failOps["set_presence"]
}

func (i *fakeIntent) SetDisplayName(_ context.Context, name string) error {
	i.hs.record("set_display_name", i.userID, "", name)
	return i.hs.failOps["set_display_name"]
}

func (i *fakeIntent) JoinRoom(_ context.Context, roomID id.RoomID) error {
	i.hs.record("join_room", i.userID, roomID, "")
	return i.hs.failOps["join_room"]
}

func (i *fakeIntent) LeaveRoom(_ context.Context, roomID id.RoomID) error {
	i.hs.record("leave_room", i.userID, roomID, "")
	if err := i.hs.failLeave[roomID]; err != nil {
		return err
	}
	return i.hs.failOps["leave_room"]
}

func (i *fakeIntent) JoinedRooms(_ context.Context) ([]id.RoomID, error) {
	i.hs.record("joined_rooms", i.userID, "", "")
	i.hs.mu.Lock()
	defer i.hs.mu.Unlock()
	return i.hs.joinedRooms[i.userID], nil
}

func (i *fakeIntent) SendText(_ context.Context, roomID id.RoomID, body string) error {
	i.hs.record("send_text", i.userID, roomID, body)
	return i.hs.failOps["send_text"]
}

func (i *fakeIntent) SendEmote(_ context.Context, roomID id.RoomID, body string) error {
	i.hs.record("send_emote", i.userID, roomID, body)
	return i.hs.failOps["send_emote"]
}

func (i *fakeIntent) MarkRead(_ context.Context, roomID id.RoomID, eventID id.EventID) error {
	i.hs.record("mark_read", i.userID, roomID, string(eventID))
	return i.hs.failOps["mark_read"]
}

// sessionCall records one lobby session call.
type sessionCall struct {
	Op       string
	Domain   string
	Username string
	Channel  string
	Message  string
}

// fakeSession is a recording lobby.Session whose event channel is driven
// by tests.
type fakeSession struct {
	mu    sync.Mutex
	calls []sessionCall

	events    chan lobby.Event
	failOps   map[string]error
	loggedIn  bool
	closeOnce sync.Once
}

var _ lobby.Session = (*fakeSession)(nil)

func newFakeSession() *fakeSession {
	return &fakeSession{
		events:  make(chan lobby.Event, 32),
		failOps: make(map[string]error),
	}
}

func (f *fakeSession) record(c sessionCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeSession) Calls() []sessionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sessionCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeSession) CallsOf(op string) []sessionCall {
	var out []sessionCall
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSession) Connect(_ context.Context) error {
	f.record(sessionCall{Op: "connect"})
	return f.failOps["connect"]
}

func (f *fakeSession) Login(_ context.Context, username, _ string) error {
	f.record(sessionCall{Op: "login", Username: username})
	f.loggedIn = true
	return f.failOps["login"]
}

func (f *fakeSession) BridgedClientFrom(domain, username, displayName string) error {
	f.record(sessionCall{Op: "bridged_client_from", Domain: domain, Username: username, Message: displayName})
	return f.failOps["bridged_client_from"]
}

func (f *fakeSession) UnBridgedClientFrom(domain, username string) error {
	f.record(sessionCall{Op: "unbridged_client_from", Domain: domain, Username: username})
	return f.failOps["unbridged_client_from"]
}

func (f *fakeSession) JoinFrom(channel, domain, username string) error {
	f.record(sessionCall{Op: "join_from", Channel: channel, Domain: domain, Username: username})
	return f.failOps["join_from"]
}

func (f *fakeSession) LeaveFrom(channel, domain, username string) error {
	f.record(sessionCall{Op: "leave_from", Channel: channel, Domain: domain, Username: username})
	return f.failOps["leave_from"]
}

func (f *fakeSession) SayFrom(username, domain, channel, message string) error {
	f.record(sessionCall{Op: "say_from", Username: username, Domain: domain, Channel: channel, Message: message})
	return f.failOps["say_from"]
}

func (f *fakeSession) Join(channel string) error {
	f.record(sessionCall{Op: "join", Channel: channel})
	return f.failOps["join"]
}

func (f *fakeSession) Events() <-chan lobby.Event { return f.events }

func (f *fakeSession) Connected() bool { return true }

func (f *fakeSession) Close() error {
	f.record(sessionCall{Op: "close"})
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

// errTransient is the scripted retryable failure used across tests.
var errTransient = &transientError{}

type transientError struct{}

func (*transientError) Error() string { return "transient failure" }

// testMapper builds the identity mapper used across tests: namespace
// "spring" on domain "server" with bot @appservice:server.
func testMapper() *IdentityMapper {
	return NewIdentityMapper("spring", "server", id.UserID("@appservice:server"), "appservice")
}

// testRoomMap maps channel "main" to !abc:server (enabled) and channel
// "dark" to !off:server (disabled).
func testRoomMap() *RoomMap {
	return NewRoomMap([]RoomBinding{
		{Channel: "main", RoomID: "!abc:server", Enabled: true},
		{Channel: "dark", RoomID: "!off:server", Enabled: false},
	})
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// memberEvent builds a parsed m.room.member event.
func memberEvent(sender id.UserID, roomID id.RoomID, eventID id.EventID, membership event.Membership) *event.Event {
	return &event.Event{
		Type:   event.StateMember,
		ID:     eventID,
		RoomID: roomID,
		Sender: sender,
		Content: event.Content{
			Parsed: &event.MemberEventContent{Membership: membership},
		},
	}
}

// messageEvent builds a parsed m.room.message event.
func messageEvent(sender id.UserID, roomID id.RoomID, eventID id.EventID, msgType event.MessageType, body string) *event.Event {
	return &event.Event{
		Type:   event.EventMessage,
		ID:     eventID,
		RoomID: roomID,
		Sender: sender,
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: msgType, Body: body},
		},
	}
}
