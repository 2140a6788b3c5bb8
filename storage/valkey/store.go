package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oidc-server/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oidc:"

	// redeemedRetention is how long consumed refresh-token and code records
	// outlive their expiry. Replay of a consumed credential must still be
	// classified as reuse rather than not-found, so the record has to stick
	// around after the credential itself is dead.
	redeemedRetention = 24 * time.Hour

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oidc:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of all storage interfaces. Atomic
// single-use transitions (refresh redemption, code consumption) run as Lua
// scripts server-side, so they stay atomic across horizontally scaled
// instances without any in-process coordination.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore        = (*Store)(nil)
	_ storage.AuthorizationStore = (*Store)(nil)
	_ storage.TokenStore         = (*Store)(nil)
	_ storage.CodeStore          = (*Store)(nil)
	_ storage.RevocationStore    = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// ============================================================
// Key Helpers
// ============================================================

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// authzKey returns the key for a consent record: {prefix}authz:{id}
func (s *Store) authzKey(id string) string {
	return fmt.Sprintf("%sauthz:%s", s.prefix, id)
}

// permAuthzKey maps a (subject, client) pair to its permanent grant ID:
// {prefix}authz:perm:{subject}:{clientID}
func (s *Store) permAuthzKey(subject, clientID string) string {
	return fmt.Sprintf("%sauthz:perm:%s:%s", s.prefix, subject, clientID)
}

// authzBySubjectKey is the set of authorization IDs owned by a subject
func (s *Store) authzBySubjectKey(subject string) string {
	return fmt.Sprintf("%sauthz:by_subject:%s", s.prefix, subject)
}

// authzByClientKey is the set of authorization IDs issued to a client
func (s *Store) authzByClientKey(clientID string) string {
	return fmt.Sprintf("%sauthz:by_client:%s", s.prefix, clientID)
}

// tokenKey returns the key for a token record: {prefix}token:{id}
func (s *Store) tokenKey(id string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, id)
}

// tokensBySubjectKey is the set of token IDs owned by a subject
func (s *Store) tokensBySubjectKey(subject string) string {
	return fmt.Sprintf("%stokens:by_subject:%s", s.prefix, subject)
}

// tokensByClientKey is the set of token IDs issued to a client
func (s *Store) tokensByClientKey(clientID string) string {
	return fmt.Sprintf("%stokens:by_client:%s", s.prefix, clientID)
}

// tokensByPairKey is the set of token IDs for a (subject, client) pair
func (s *Store) tokensByPairKey(subject, clientID string) string {
	return fmt.Sprintf("%stokens:by_pair:%s:%s", s.prefix, subject, clientID)
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// These scripts provide the atomic single-use transitions the engine's
// security model depends on. Running them server-side in Valkey makes the
// compare-and-swap atomic across all server instances; concurrent redemption
// attempts for the same credential are serialized by the script, and exactly
// one wins.

// luaRedeemRefreshToken atomically transitions a refresh token record from
// valid to redeemed.
//
// KEYS[1] = token key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = clock skew grace period in seconds
//
// Returns:
//   - "OK:<json>" with the pre-transition record on success
//   - "NOT_FOUND" if the key does not exist
//   - "EXPIRED" if the token or its absolute ceiling has passed
//   - "REDEEMED:<json>" if already redeemed (record returned so the caller
//     can apply the reuse leeway against redeemed_at)
//   - "REVOKED" if the token was revoked
//   - "WRONG_KIND" if the record is not a refresh token
const luaRedeemRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local token = cjson.decode(data)
if token.kind ~= 'refresh' then
    return 'WRONG_KIND'
end

if token.status == 'revoked' then
    return 'REVOKED'
end
if token.status == 'redeemed' then
    return 'REDEEMED:' .. data
end

local now = tonumber(ARGV[1])
local grace = tonumber(ARGV[2])
if now > tonumber(token.expires_at) + grace then
    return 'EXPIRED'
end
if token.absolute_expires_at and tonumber(token.absolute_expires_at) > 0 and now > tonumber(token.absolute_expires_at) + grace then
    return 'EXPIRED'
end

token.status = 'redeemed'
token.redeemed_at = now
redis.call('SET', KEYS[1], cjson.encode(token), 'KEEPTTL')

return 'OK:' .. data
`

// luaConsumeCode atomically checks that an authorization code is unused and
// marks it as used.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = clock skew grace period in seconds
//
// Returns:
//   - "OK:<json>" with the record on success
//   - "NOT_FOUND" if the key does not exist
//   - "EXPIRED" if the code has expired
//   - "USED:<json>" if the code was already consumed (record returned for
//     the replay incident)
const luaConsumeCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)
if code.used then
    return 'USED:' .. data
end

local now = tonumber(ARGV[1])
local grace = tonumber(ARGV[2])
if now > tonumber(code.expires_at) + grace then
    return 'EXPIRED'
end

code.used = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return 'OK:' .. data
`

// ============================================================
// JSON Serialization
// ============================================================
//
// Time fields are stored as Unix seconds so the Lua scripts can compare them
// numerically.

// clientJSON is the JSON representation of a registered client
type clientJSON struct {
	ClientID         string   `json:"client_id"`
	ClientSecretHash string   `json:"client_secret_hash,omitempty"`
	ClientType       string   `json:"client_type"`
	ClientName       string   `json:"client_name,omitempty"`
	RedirectURIs     []string `json:"redirect_uris"`
	GrantTypes       []string `json:"grant_types,omitempty"`
	RequirePKCE      bool     `json:"require_pkce"`
	Enabled          bool     `json:"enabled"`
	Integration      bool     `json:"integration,omitempty"`
	PasswordScopes   []string `json:"password_scopes,omitempty"`
	CreatedAt        int64    `json:"created_at"`
	UpdatedAt        int64    `json:"updated_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         client.ClientID,
		ClientSecretHash: client.ClientSecretHash,
		ClientType:       client.ClientType,
		ClientName:       client.ClientName,
		RedirectURIs:     client.RedirectURIs,
		GrantTypes:       client.GrantTypes,
		RequirePKCE:      client.RequirePKCE,
		Enabled:          client.Enabled,
		Integration:      client.Integration,
		PasswordScopes:   client.PasswordScopes,
		CreatedAt:        client.CreatedAt.Unix(),
		UpdatedAt:        client.UpdatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientType:       j.ClientType,
		ClientName:       j.ClientName,
		RedirectURIs:     j.RedirectURIs,
		GrantTypes:       j.GrantTypes,
		RequirePKCE:      j.RequirePKCE,
		Enabled:          j.Enabled,
		Integration:      j.Integration,
		PasswordScopes:   j.PasswordScopes,
		CreatedAt:        time.Unix(j.CreatedAt, 0),
		UpdatedAt:        time.Unix(j.UpdatedAt, 0),
	}
}

// authorizationJSON is the JSON representation of a consent record
type authorizationJSON struct {
	ID        string   `json:"id"`
	Subject   string   `json:"subject"`
	ClientID  string   `json:"client_id"`
	Type      string   `json:"type"`
	Scopes    []string `json:"scopes,omitempty"`
	Status    string   `json:"status"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

func toAuthorizationJSON(authz *storage.Authorization) *authorizationJSON {
	return &authorizationJSON{
		ID:        authz.ID,
		Subject:   authz.Subject,
		ClientID:  authz.ClientID,
		Type:      authz.Type,
		Scopes:    authz.Scopes,
		Status:    authz.Status,
		CreatedAt: authz.CreatedAt.Unix(),
		UpdatedAt: authz.UpdatedAt.Unix(),
	}
}

func fromAuthorizationJSON(j *authorizationJSON) *storage.Authorization {
	if j == nil {
		return nil
	}
	return &storage.Authorization{
		ID:        j.ID,
		Subject:   j.Subject,
		ClientID:  j.ClientID,
		Type:      j.Type,
		Scopes:    j.Scopes,
		Status:    j.Status,
		CreatedAt: time.Unix(j.CreatedAt, 0),
		UpdatedAt: time.Unix(j.UpdatedAt, 0),
	}
}

// tokenJSON is the JSON representation of a token record
type tokenJSON struct {
	ID                string   `json:"id"`
	KeyID             string   `json:"key_id,omitempty"`
	Kind              string   `json:"kind"`
	Subject           string   `json:"subject"`
	ClientID          string   `json:"client_id"`
	Scopes            []string `json:"scopes,omitempty"`
	Resources         []string `json:"resources,omitempty"`
	IssuedAt          int64    `json:"issued_at"`
	ExpiresAt         int64    `json:"expires_at"`
	AbsoluteExpiresAt int64    `json:"absolute_expires_at,omitempty"`
	AuthorizationID   string   `json:"authorization_id,omitempty"`
	Status            string   `json:"status"`
	RedeemedAt        int64    `json:"redeemed_at,omitempty"`
}

func toTokenJSON(token *storage.Token) *tokenJSON {
	j := &tokenJSON{
		ID:              token.ID,
		KeyID:           token.KeyID,
		Kind:            token.Kind,
		Subject:         token.Subject,
		ClientID:        token.ClientID,
		Scopes:          token.Scopes,
		Resources:       token.Resources,
		IssuedAt:        token.IssuedAt.Unix(),
		ExpiresAt:       token.ExpiresAt.Unix(),
		AuthorizationID: token.AuthorizationID,
		Status:          token.Status,
	}
	if !token.AbsoluteExpiresAt.IsZero() {
		j.AbsoluteExpiresAt = token.AbsoluteExpiresAt.Unix()
	}
	if !token.RedeemedAt.IsZero() {
		j.RedeemedAt = token.RedeemedAt.Unix()
	}
	return j
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	if j == nil {
		return nil
	}
	token := &storage.Token{
		ID:              j.ID,
		KeyID:           j.KeyID,
		Kind:            j.Kind,
		Subject:         j.Subject,
		ClientID:        j.ClientID,
		Scopes:          j.Scopes,
		Resources:       j.Resources,
		IssuedAt:        time.Unix(j.IssuedAt, 0),
		ExpiresAt:       time.Unix(j.ExpiresAt, 0),
		AuthorizationID: j.AuthorizationID,
		Status:          j.Status,
	}
	if j.AbsoluteExpiresAt > 0 {
		token.AbsoluteExpiresAt = time.Unix(j.AbsoluteExpiresAt, 0)
	}
	if j.RedeemedAt > 0 {
		token.RedeemedAt = time.Unix(j.RedeemedAt, 0)
	}
	return token
}

// codeJSON is the JSON representation of an authorization code
type codeJSON struct {
	Code                string   `json:"code"`
	ClientID            string   `json:"client_id"`
	Subject             string   `json:"subject"`
	RedirectURI         string   `json:"redirect_uri"`
	Scopes              []string `json:"scopes,omitempty"`
	Resources           []string `json:"resources,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
	AuthorizationID     string   `json:"authorization_id,omitempty"`
	CreatedAt           int64    `json:"created_at"`
	ExpiresAt           int64    `json:"expires_at"`
	Used                bool     `json:"used"`
}

func toCodeJSON(code *storage.AuthorizationCode) *codeJSON {
	return &codeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		Subject:             code.Subject,
		RedirectURI:         code.RedirectURI,
		Scopes:              code.Scopes,
		Resources:           code.Resources,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		Nonce:               code.Nonce,
		AuthorizationID:     code.AuthorizationID,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Used:                code.Used,
	}
}

func fromCodeJSON(j *codeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		Subject:             j.Subject,
		RedirectURI:         j.RedirectURI,
		Scopes:              j.Scopes,
		Resources:           j.Resources,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Nonce:               j.Nonce,
		AuthorizationID:     j.AuthorizationID,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Used:                j.Used,
	}
}

// ============================================================
// Helpers
// ============================================================

// getAndUnmarshal fetches a key, unmarshals the JSON payload, and converts it
// to the storage type
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

// calculateTTL calculates the TTL for a key based on expiry time.
// Returns 0 if the key has already expired.
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// isNilError checks if the error indicates a nil/not-found result from Valkey
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
