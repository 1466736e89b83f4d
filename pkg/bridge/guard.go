// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

const (
	// initialConnectAttempts and initialConnectBackoff bound the startup
	// homeserver probe. Exhaustion is fatal: the bridge must not run with
	// a dead homeserver link.
	initialConnectAttempts = 6
	initialConnectBackoff  = 10 * time.Second

	// profileAttempts and profileBackoff bound per-user profile lookups
	// during bulk resync. Exhaustion skips the user, never stalls the
	// resync.
	profileAttempts = 3
	profileBackoff  = 2 * time.Second
)

// Guard wraps remote calls with bounded retry-with-backoff and classifies
// which failures are worth retrying. Permission errors are surfaced
// immediately since retrying cannot help.
type Guard struct {
	log zerolog.Logger

	ConnectAttempts uint64
	ConnectInterval time.Duration
	ProfileAttempts uint64
	ProfileInterval time.Duration
}

// NewGuard creates a connectivity guard with the default budgets.
func NewGuard(log zerolog.Logger) *Guard {
	return &Guard{
		log:             log.With().Str("component", "guard").Logger(),
		ConnectAttempts: initialConnectAttempts,
		ConnectInterval: initialConnectBackoff,
		ProfileAttempts: profileAttempts,
		ProfileInterval: profileBackoff,
	}
}

// Retry runs op up to attempts times with a fixed interval between tries.
// It stops early on context cancellation or a permanent (permission) error.
func (g *Guard) Retry(ctx context.Context, desc string, attempts uint64, interval time.Duration, op func() error) error {
	if attempts == 0 {
		attempts = 1
	}
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isPermanentError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), attempts-1),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		g.log.Warn().Err(err).
			Str("op", desc).
			Dur("retry_in", next).
			Msg("Remote call failed, retrying")
	}
	if err := backoff.RetryNotify(wrapped, policy, notify); err != nil {
		return fmt.Errorf("%s: %w", desc, err)
	}
	return nil
}

// ProbeHomeserver verifies the homeserver link at startup, retrying with
// the initial-connect budget. The returned user ID is the bridge's service
// account.
func (g *Guard) ProbeHomeserver(ctx context.Context, hs Homeserver) (id.UserID, error) {
	var botID id.UserID
	err := g.Retry(ctx, "homeserver whoami", g.ConnectAttempts, g.ConnectInterval, func() error {
		var err error
		botID, err = hs.WhoAmI(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("homeserver unreachable: %w", err)
	}
	return botID, nil
}

// FetchProfile looks up a member profile with the bounded resync budget.
func (g *Guard) FetchProfile(ctx context.Context, hs Homeserver, roomID id.RoomID, userID id.UserID) (*MemberProfile, error) {
	var profile *MemberProfile
	err := g.Retry(ctx, "member profile", g.ProfileAttempts, g.ProfileInterval, func() error {
		var err error
		profile, err = hs.MemberProfile(ctx, roomID, userID)
		return err
	})
	return profile, err
}

// isPermanentError reports whether err is a homeserver permission failure
// that retrying cannot fix.
func isPermanentError(err error) bool {
	return errors.Is(err, mautrix.MForbidden)
}
