package policy

import (
	"fmt"
	"time"
)

// ReuseAction controls the blast radius of refresh-reuse remediation
type ReuseAction string

const (
	// ReuseActionRevokeSubject revokes every token and authorization the
	// subject owns, across all clients
	ReuseActionRevokeSubject ReuseAction = "revoke-subject"

	// ReuseActionRevokeClientSubject limits the cascade to the (subject,
	// client) pair the reused token belonged to
	ReuseActionRevokeClientSubject ReuseAction = "revoke-client-subject"
)

// Default lifetimes, matching common authorization-server practice
const (
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 90 * 24 * time.Hour
	DefaultIDTokenTTL      = 5 * time.Minute
	DefaultReuseLeeway     = 15 * time.Second
)

// Snapshot is the process-wide token policy configuration. It is read by
// every issuance and mutated only through Store.Update with an optimistic
// concurrency token, so concurrent admin edits cannot silently overwrite each
// other.
type Snapshot struct {
	// AccessTokenTTL is the lifetime of issued access tokens
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the sliding lifetime of refresh tokens. The first
	// token of a chain also fixes the absolute ceiling (now + RefreshTokenTTL)
	// that no rotated descendant may exceed.
	RefreshTokenTTL time.Duration

	// IDTokenTTL is the lifetime of issued ID tokens
	IDTokenTTL time.Duration

	// RefreshRotationEnabled rotates refresh tokens on every redemption.
	// When false, refresh tokens are reusable (sliding window semantics) and
	// reuse detection is a no-op.
	RefreshRotationEnabled bool

	// RefreshReuseDetectionEnabled classifies replay of a redeemed refresh
	// token as a compromise and triggers remediation
	RefreshReuseDetectionEnabled bool

	// ReuseAction selects the remediation cascade on detected reuse
	ReuseAction ReuseAction

	// ReuseLeeway tolerates client retry races: a second redemption within
	// the leeway of the first is rejected but not treated as a compromise
	ReuseLeeway time.Duration

	// Version is the optimistic concurrency token. Zero for an unsaved
	// snapshot; incremented by Store.Update.
	Version int64
}

// DefaultSnapshot returns the secure-by-default policy
func DefaultSnapshot() Snapshot {
	return Snapshot{
		AccessTokenTTL:               DefaultAccessTokenTTL,
		RefreshTokenTTL:              DefaultRefreshTokenTTL,
		IDTokenTTL:                   DefaultIDTokenTTL,
		RefreshRotationEnabled:       true,
		RefreshReuseDetectionEnabled: true,
		ReuseAction:                  ReuseActionRevokeClientSubject,
		ReuseLeeway:                  DefaultReuseLeeway,
	}
}

// Validate checks the snapshot's guardrails before it is accepted
func (s Snapshot) Validate() error {
	if s.AccessTokenTTL <= 0 {
		return fmt.Errorf("access token TTL must be positive")
	}
	if s.RefreshTokenTTL <= 0 {
		return fmt.Errorf("refresh token TTL must be positive")
	}
	if s.RefreshTokenTTL < s.AccessTokenTTL {
		return fmt.Errorf("refresh token TTL must not be shorter than access token TTL")
	}
	if s.IDTokenTTL <= 0 {
		return fmt.Errorf("ID token TTL must be positive")
	}
	if s.ReuseLeeway < 0 {
		return fmt.Errorf("reuse leeway must not be negative")
	}
	switch s.ReuseAction {
	case ReuseActionRevokeSubject, ReuseActionRevokeClientSubject:
	default:
		return fmt.Errorf("unknown reuse action %q", s.ReuseAction)
	}
	if s.RefreshReuseDetectionEnabled && !s.RefreshRotationEnabled {
		return fmt.Errorf("reuse detection requires refresh rotation")
	}
	return nil
}

// Stamp carries the computed lifetimes for one issuance
type Stamp struct {
	// AccessExpiresAt is the access token expiry (now + AccessTokenTTL)
	AccessExpiresAt time.Time

	// IDExpiresAt is the ID token expiry (now + IDTokenTTL)
	IDExpiresAt time.Time

	// RefreshExpiresAt is the refresh token expiry, clamped to the chain's
	// absolute ceiling
	RefreshExpiresAt time.Time

	// RefreshAbsoluteExpiresAt is the ceiling every rotated descendant of
	// this refresh token inherits
	RefreshAbsoluteExpiresAt time.Time

	// RotateRefresh reports whether redemption must rotate the refresh token
	RotateRefresh bool
}

// Apply computes the lifetime stamp for one issuance. It is a pure function
// of its inputs.
//
// refreshCeiling preserves the original absolute ceiling across rotations: a
// zero value means this is the first token of a chain, which fixes the
// ceiling at now + RefreshTokenTTL. A non-zero value clamps the new refresh
// expiry so a long-lived chain cannot be revived indefinitely by continual
// rotation.
func Apply(snapshot Snapshot, now time.Time, refreshCeiling time.Time) Stamp {
	stamp := Stamp{
		AccessExpiresAt: now.Add(snapshot.AccessTokenTTL),
		IDExpiresAt:     now.Add(snapshot.IDTokenTTL),
		RotateRefresh:   snapshot.RefreshRotationEnabled,
	}

	if refreshCeiling.IsZero() {
		refreshCeiling = now.Add(snapshot.RefreshTokenTTL)
	}
	stamp.RefreshAbsoluteExpiresAt = refreshCeiling

	refreshExpiry := now.Add(snapshot.RefreshTokenTTL)
	if refreshExpiry.After(refreshCeiling) {
		refreshExpiry = refreshCeiling
	}
	stamp.RefreshExpiresAt = refreshExpiry

	return stamp
}
