// Copyright 2024-2026 Aiku AI

package lobby

import "strings"

// EventType identifies a lobby server event relevant to the bridge.
type EventType int

const (
	EventUnknown EventType = iota
	// EventAccepted fires when the server accepts our login.
	EventAccepted
	// EventDenied fires when the server rejects our login.
	EventDenied
	// EventFailed fires when a command fails server-side.
	EventFailed
	// EventAddUser fires when a lobby user comes online.
	EventAddUser
	// EventRemoveUser fires when a lobby user goes offline.
	EventRemoveUser
	// EventJoined fires when a user joins a channel.
	EventJoined
	// EventLeft fires when a user leaves a channel.
	EventLeft
	// EventSaid fires for a plain channel message.
	EventSaid
	// EventSaidEx fires for an emote ("/me") channel message.
	EventSaidEx
	// EventClients carries the full channel roster after we join a channel.
	EventClients
)

func (t EventType) String() string {
	switch t {
	case EventAccepted:
		return "accepted"
	case EventDenied:
		return "denied"
	case EventFailed:
		return "failed"
	case EventAddUser:
		return "adduser"
	case EventRemoveUser:
		return "removeuser"
	case EventJoined:
		return "joined"
	case EventLeft:
		return "left"
	case EventSaid:
		return "said"
	case EventSaidEx:
		return "saidex"
	case EventClients:
		return "clients"
	default:
		return "unknown"
	}
}

// Event is a typed lobby protocol event. Only the fields relevant to the
// event type are populated.
type Event struct {
	Type    EventType
	User    string
	Channel string
	Message string
	// Clients is the channel roster for EventClients.
	Clients []string
	// Reason carries the server-provided reason for denied/failed/left.
	Reason string
}

// ParseServerLine converts one raw protocol line into a typed Event.
// Returns false for lines the bridge does not care about (motd, pongs,
// battle traffic and so on); those are skipped, never treated as errors.
func ParseServerLine(line string) (Event, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Event{}, false
	}
	word, rest, _ := strings.Cut(line, " ")
	switch word {
	case "ACCEPTED":
		return Event{Type: EventAccepted, User: rest}, true
	case "DENIED":
		return Event{Type: EventDenied, Reason: rest}, true
	case "FAILED":
		return Event{Type: EventFailed, Reason: rest}, true
	case "ADDUSER":
		// ADDUSER username country cpu [id]
		fields := strings.Fields(rest)
		if len(fields) < 1 {
			return Event{}, false
		}
		return Event{Type: EventAddUser, User: fields[0]}, true
	case "REMOVEUSER":
		fields := strings.Fields(rest)
		if len(fields) < 1 {
			return Event{}, false
		}
		return Event{Type: EventRemoveUser, User: fields[0]}, true
	case "JOINED":
		// JOINED channel username
		fields := strings.Fields(rest)
		if len(fields) < 2 {
			return Event{}, false
		}
		return Event{Type: EventJoined, Channel: fields[0], User: fields[1]}, true
	case "LEFT":
		// LEFT channel username [reason...]
		fields := strings.SplitN(rest, " ", 3)
		if len(fields) < 2 {
			return Event{}, false
		}
		evt := Event{Type: EventLeft, Channel: fields[0], User: fields[1]}
		if len(fields) == 3 {
			evt.Reason = fields[2]
		}
		return evt, true
	case "SAID", "SAIDEX":
		// SAID channel username message...
		fields := strings.SplitN(rest, " ", 3)
		if len(fields) < 3 {
			return Event{}, false
		}
		typ := EventSaid
		if word == "SAIDEX" {
			typ = EventSaidEx
		}
		return Event{Type: typ, Channel: fields[0], User: fields[1], Message: fields[2]}, true
	case "CLIENTS":
		// CLIENTS channel user1 user2 ...
		fields := strings.Fields(rest)
		if len(fields) < 1 {
			return Event{}, false
		}
		return Event{Type: EventClients, Channel: fields[0], Clients: fields[1:]}, true
	default:
		return Event{}, false
	}
}
