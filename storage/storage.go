package storage

import (
	"context"
	"errors"
	"time"
)

// Typed sentinel errors. Callers use errors.Is to distinguish not-found and
// conflict conditions from transient backend failures, which must fail closed.
var (
	// ErrClientNotFound indicates the client ID is not registered
	ErrClientNotFound = errors.New("client not found")

	// ErrAuthorizationNotFound indicates no matching consent record exists
	ErrAuthorizationNotFound = errors.New("authorization not found")

	// ErrTokenNotFound indicates the token ID is unknown
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the token exists but is past its expiry
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRedeemed indicates a refresh token was already redeemed.
	// Outside the reuse leeway window this is a compromise signal.
	ErrTokenRedeemed = errors.New("token already redeemed")

	// ErrTokenRevoked indicates the token was revoked
	ErrTokenRevoked = errors.New("token revoked")

	// ErrVersionConflict indicates an optimistic-concurrency update lost the
	// race. The caller must reload and retry or surface the conflict.
	ErrVersionConflict = errors.New("version conflict")
)

// Client type constants
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Grant type constants
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
	GrantPassword          = "password"
)

// Client represents a registered OAuth client and its security policy.
// Clients are soft-disabled only: disabling stops new issuance but already
// issued tokens must be invalidated separately through the revocation service.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash, empty for public clients
	ClientType       string // "public" or "confidential"
	ClientName       string
	RedirectURIs     []string // exact-match set, no prefix or partial matching
	GrantTypes       []string
	RequirePKCE      bool
	Enabled          bool

	// Integration marks a confidential machine client that is allowed to
	// present resource-owner credentials (password grant).
	Integration bool

	// PasswordScopes is the scope allow-list for the password grant. It is
	// independent of any consent the client holds.
	PasswordScopes []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AllowsGrant reports whether the grant type is in the client's allow-list
func (c *Client) AllowsGrant(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// Authorization type constants
const (
	AuthorizationTypePermanent = "permanent"
	AuthorizationTypeAdHoc     = "ad-hoc"
)

// Authorization status constants
const (
	AuthorizationStatusValid   = "valid"
	AuthorizationStatusRevoked = "revoked"
)

// Authorization represents a persisted consent grant from a subject to a
// client. At most one valid permanent authorization exists per (subject,
// client) pair; its scope set expands monotonically on re-consent.
type Authorization struct {
	ID        string
	Subject   string
	ClientID  string
	Type      string // "permanent" or "ad-hoc"
	Scopes    []string
	Status    string // "valid" or "revoked"
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasScopes reports whether all requested scopes are covered by the grant
func (a *Authorization) HasScopes(scopes []string) bool {
	granted := make(map[string]bool, len(a.Scopes))
	for _, s := range a.Scopes {
		granted[s] = true
	}
	for _, s := range scopes {
		if !granted[s] {
			return false
		}
	}
	return true
}

// Token kind constants
const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
)

// Token status constants
const (
	TokenStatusValid    = "valid"
	TokenStatusRedeemed = "redeemed"
	TokenStatusRevoked  = "revoked"
)

// Token represents an issued access or refresh token record. Access tokens are
// signed JWTs referenced by their "jti"; refresh tokens are opaque strings
// referenced by their ID. The record is the source of truth for revocation and
// for refresh redemption state.
type Token struct {
	ID       string
	KeyID    string // kid of the signing key, empty for opaque refresh tokens
	Kind     string // "access" or "refresh"
	Subject  string
	ClientID string
	Scopes   []string

	// Resources are the audiences the token is valid for
	Resources []string

	IssuedAt  time.Time
	ExpiresAt time.Time

	// AbsoluteExpiresAt is the rotation-invariant ceiling for refresh tokens.
	// Every rotated descendant inherits it so the chain can never outlive the
	// original grant.
	AbsoluteExpiresAt time.Time

	// AuthorizationID back-references the consent record this token was
	// issued under (not ownership: revoking the token leaves consent intact)
	AuthorizationID string

	Status     string // "valid", "redeemed", or "revoked"
	RedeemedAt time.Time
}

// RevocationCounts reports how many records a revocation cascade touched
type RevocationCounts struct {
	Tokens         int
	Authorizations int
}

// ClientStore defines the interface for the OAuth client registry.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client (create or update)
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a confidential client's secret
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// SetClientEnabled toggles the enabled flag without touching other fields
	SetClientEnabled(ctx context.Context, clientID string, enabled bool) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// AuthorizationStore defines the interface for persisted consent grants.
// All methods accept context.Context for tracing and cancellation.
type AuthorizationStore interface {
	// SaveAuthorization persists a consent grant. For permanent grants the
	// store upserts against the (subject, client) pair and merges the scope
	// set (monotonic expansion); ad-hoc grants are always inserted.
	SaveAuthorization(ctx context.Context, authz *Authorization) (*Authorization, error)

	// GetAuthorization retrieves an authorization by ID
	GetAuthorization(ctx context.Context, id string) (*Authorization, error)

	// FindValidAuthorization returns the valid permanent authorization for
	// the (subject, client) pair, or ErrAuthorizationNotFound
	FindValidAuthorization(ctx context.Context, subject, clientID string) (*Authorization, error)

	// RevokeAuthorization flips a single authorization to revoked
	RevokeAuthorization(ctx context.Context, id string) error
}

// TokenStore defines the interface for issued token records.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveToken persists a token record
	SaveToken(ctx context.Context, token *Token) error

	// GetToken retrieves a token record by ID
	GetToken(ctx context.Context, id string) (*Token, error)

	// AtomicRedeemRefreshToken atomically transitions a refresh token from
	// valid to redeemed and returns the record. The transition is a
	// compare-and-swap at the storage layer so that concurrent redemption
	// attempts for the same token ID are serialized without in-process locks.
	// Returns:
	//   - ErrTokenNotFound if the ID is unknown
	//   - ErrTokenExpired if the token or its absolute ceiling has passed
	//   - ErrTokenRedeemed if the token was already redeemed (the returned
	//     record carries RedeemedAt so the caller can apply the reuse leeway)
	//   - ErrTokenRevoked if the token was revoked
	// SECURITY: This operation MUST be atomic to prevent concurrent refresh
	// replay attacks.
	AtomicRedeemRefreshToken(ctx context.Context, id string, now time.Time) (*Token, error)

	// RevokeToken flips a single token to revoked
	RevokeToken(ctx context.Context, id string) error

	// DeleteToken removes a token record
	DeleteToken(ctx context.Context, id string) error
}

// AuthorizationCode represents an issued single-use authorization code. Codes
// follow the same valid/redeemed lifecycle as refresh tokens: consumption is
// an atomic conditional transition, and replay is a compromise signal.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	Subject             string
	RedirectURI         string
	Scopes              []string
	Resources           []string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	AuthorizationID     string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// CodeStore defines the interface for authorization code records.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// AtomicConsumeAuthorizationCode atomically checks that a code is unused
	// and marks it as used, returning the record. Returns ErrTokenNotFound,
	// ErrTokenExpired, or ErrTokenRedeemed (code replay) on failure.
	// SECURITY: This operation MUST be atomic to prevent concurrent code
	// exchange attacks.
	AtomicConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// RevocationStore supports bulk revocation cascades. Each method flips every
// matching valid token and authorization to revoked and returns the counts.
// All methods accept context.Context for tracing and cancellation.
type RevocationStore interface {
	// RevokeAllForSubject revokes everything owned by the subject
	RevokeAllForSubject(ctx context.Context, subject string) (RevocationCounts, error)

	// RevokeAllForClient revokes everything issued to the client
	RevokeAllForClient(ctx context.Context, clientID string) (RevocationCounts, error)

	// RevokeAllForSubjectClient revokes everything for the (subject, client) pair
	RevokeAllForSubjectClient(ctx context.Context, subject, clientID string) (RevocationCounts, error)
}
