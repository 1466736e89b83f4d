// Copyright 2024-2026 Aiku AI

package bridge

import (
	"errors"
	"strings"

	"maunium.net/go/mautrix/id"
)

// ErrEmptyUsername is returned when an identity operation receives an
// empty lobby username.
var ErrEmptyUsername = errors.New("empty lobby username")

// maxDisplayNameLen is the lobby-side display name limit.
const maxDisplayNameLen = 15

// GatewayRule unwraps a known gateway prefix on a lobby username into the
// foreign network the user actually comes from. The prefix is stripped from
// the username.
type GatewayRule struct {
	Prefix string
	Domain string
}

// DefaultGatewayRules covers the relay bots known to operate on the lobby.
// Usernames matching none of the rules pass through unchanged with the
// origin defaulting to the homeserver's own domain.
func DefaultGatewayRules() []GatewayRule {
	return []GatewayRule{
		{Prefix: "_discord_", Domain: "discord"},
		{Prefix: "freenode_", Domain: "freenode.org"},
	}
}

// IdentityMapper is the single authority for identity translation and echo
// detection between the two protocols. It is stateless and safe for
// concurrent use.
type IdentityMapper struct {
	// Namespace is the reserved puppet username prefix on the homeserver.
	Namespace string
	// HomeserverDomain is the bridge's own homeserver domain.
	HomeserverDomain string
	// BotUserID is the bridge's service account on the homeserver.
	BotUserID id.UserID
	// LobbyAccount is the bridge's own lobby login, lower-cased.
	LobbyAccount string
	// Gateways is the ordered unwrapping table consulted by ResolveOrigin.
	Gateways []GatewayRule
}

// NewIdentityMapper builds a mapper with the default gateway table.
func NewIdentityMapper(namespace, homeserverDomain string, botUserID id.UserID, lobbyAccount string) *IdentityMapper {
	return &IdentityMapper{
		Namespace:        namespace,
		HomeserverDomain: homeserverDomain,
		BotUserID:        botUserID,
		LobbyAccount:     strings.ToLower(lobbyAccount),
		Gateways:         DefaultGatewayRules(),
	}
}

// Canonical returns the canonical (lower-case) form of a lobby username.
func (im *IdentityMapper) Canonical(lobbyUsername string) string {
	return strings.ToLower(strings.TrimSpace(lobbyUsername))
}

// ToPuppetID derives the homeserver puppet user ID for a lobby username.
// The mapping is deterministic: the same username (in any case) always
// yields the same puppet ID.
func (im *IdentityMapper) ToPuppetID(lobbyUsername string) (id.UserID, error) {
	canonical := im.Canonical(lobbyUsername)
	if canonical == "" {
		return "", ErrEmptyUsername
	}
	return id.NewUserID(im.Namespace+"_"+canonical, im.HomeserverDomain), nil
}

// puppetPrefix is the user ID prefix shared by all puppet accounts.
func (im *IdentityMapper) puppetPrefix() string {
	return "@" + im.Namespace + "_"
}

// IsPuppet reports whether a homeserver user ID belongs to the bridge:
// either a puppet in our namespace or the service account itself. This is
// the echo filter applied to every inbound homeserver event.
func (im *IdentityMapper) IsPuppet(userID id.UserID) bool {
	if userID == im.BotUserID {
		return true
	}
	return strings.HasPrefix(string(userID), im.puppetPrefix())
}

// IsOwnLobbyUser reports whether a lobby username is the bridge's own
// lobby account, the lobby-side half of the echo filter.
func (im *IdentityMapper) IsOwnLobbyUser(lobbyUsername string) bool {
	return im.Canonical(lobbyUsername) == im.LobbyAccount
}

// ResolveOrigin unwraps known gateway prefixes from a lobby username,
// returning the origin domain and the cleaned username. Unrecognized
// usernames pass through unchanged with the homeserver's own domain.
func (im *IdentityMapper) ResolveOrigin(lobbyUsername string) (domain, username string) {
	for _, rule := range im.Gateways {
		if strings.HasPrefix(lobbyUsername, rule.Prefix) {
			return rule.Domain, strings.TrimPrefix(lobbyUsername, rule.Prefix)
		}
	}
	return im.HomeserverDomain, lobbyUsername
}

// SplitUserID splits a homeserver user ID into localpart and server domain.
func SplitUserID(userID id.UserID) (localpart, domain string) {
	raw := strings.TrimPrefix(string(userID), "@")
	localpart, domain, _ = strings.Cut(raw, ":")
	return localpart, domain
}

// SanitizeDisplayName normalizes a homeserver display name for the lobby:
// leading @ stripped, "-" and "." replaced with "_", truncated to the lobby
// limit. An empty name falls back to the given username.
func SanitizeDisplayName(displayName, fallback string) string {
	if displayName == "" {
		return fallback
	}
	name := strings.TrimPrefix(displayName, "@")
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, ".", "_")
	if runes := []rune(name); len(runes) > maxDisplayNameLen {
		name = string(runes[:maxDisplayNameLen])
	}
	if name == "" {
		return fallback
	}
	return name
}
