package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
)

// expiryGraceArg is the clock skew grace period the atomicity scripts apply
// to their expiry comparisons, matching the in-memory backend
func expiryGraceArg() string {
	return fmt.Sprintf("%d", int64(security.DefaultClockSkewGracePeriod.Seconds()))
}

// SaveToken persists a token record. The key's TTL runs until the record's
// latest possible relevance: expiry (or absolute ceiling for refresh tokens)
// plus the redeemed-retention window, so late replays still hit a record
// instead of a not-found.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.ID == "" {
		return fmt.Errorf("token with an ID is required")
	}

	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	deadline := token.ExpiresAt
	if token.AbsoluteExpiresAt.After(deadline) {
		deadline = token.AbsoluteExpiresAt
	}
	ttl := calculateTTL(deadline.Add(redeemedRetention))
	if ttl <= 0 {
		return fmt.Errorf("token is already expired")
	}

	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.tokenKey(token.ID)).Value(string(data)).Ex(ttl).Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(s.tokensBySubjectKey(token.Subject)).Member(token.ID).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to index token by subject: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(s.tokensByClientKey(token.ClientID)).Member(token.ID).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to index token by client: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(s.tokensByPairKey(token.Subject, token.ClientID)).Member(token.ID).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to index token by pair: %w", err)
	}

	return nil
}

// GetToken retrieves a token record by ID
func (s *Store) GetToken(ctx context.Context, id string) (*storage.Token, error) {
	return getAndUnmarshal(ctx, s, s.tokenKey(id), storage.ErrTokenNotFound, fromTokenJSON)
}

// AtomicRedeemRefreshToken atomically transitions a refresh token from valid
// to redeemed via a server-side Lua script, serializing concurrent redemption
// attempts across all instances.
func (s *Store) AtomicRedeemRefreshToken(ctx context.Context, id string, now time.Time) (*storage.Token, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRedeemRefreshToken).
			Numkeys(1).
			Key(s.tokenKey(id)).
			Arg(fmt.Sprintf("%d", now.Unix()), expiryGraceArg()).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to redeem refresh token: %w", err)
	}

	switch {
	case result == "NOT_FOUND" || result == "WRONG_KIND":
		return nil, fmt.Errorf("%w: refresh token", storage.ErrTokenNotFound)
	case result == "EXPIRED":
		return nil, fmt.Errorf("%w: refresh token", storage.ErrTokenExpired)
	case result == "REVOKED":
		return nil, fmt.Errorf("%w: refresh token", storage.ErrTokenRevoked)
	case strings.HasPrefix(result, "REDEEMED:"):
		record, derr := decodeTokenPayload(strings.TrimPrefix(result, "REDEEMED:"))
		if derr != nil {
			return nil, derr
		}
		return record, fmt.Errorf("%w: refresh token", storage.ErrTokenRedeemed)
	case strings.HasPrefix(result, "OK:"):
		return decodeTokenPayload(strings.TrimPrefix(result, "OK:"))
	default:
		return nil, fmt.Errorf("unexpected redemption result %q", result)
	}
}

// RevokeToken flips a single token to revoked
func (s *Store) RevokeToken(ctx context.Context, id string) error {
	token, err := s.GetToken(ctx, id)
	if err != nil {
		return err
	}

	token.Status = storage.TokenStatusRevoked
	return s.rewriteToken(ctx, token)
}

// DeleteToken removes a token record
func (s *Store) DeleteToken(ctx context.Context, id string) error {
	token, err := s.GetToken(ctx, id)
	if err != nil {
		return err
	}

	if err := s.client.Do(ctx,
		s.client.B().Del().Key(s.tokenKey(id)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	// Best effort index cleanup; stale members are skipped during cascades
	_ = s.client.Do(ctx, s.client.B().Srem().Key(s.tokensBySubjectKey(token.Subject)).Member(id).Build()).Error()
	_ = s.client.Do(ctx, s.client.B().Srem().Key(s.tokensByClientKey(token.ClientID)).Member(id).Build()).Error()
	_ = s.client.Do(ctx, s.client.B().Srem().Key(s.tokensByPairKey(token.Subject, token.ClientID)).Member(id).Build()).Error()
	return nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthorizationCode saves an issued authorization code. The record
// outlives the code's validity by the retention window so a replay of a
// consumed code is classified as replay rather than not-found.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}

	data, err := json.Marshal(toCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt.Add(redeemedRetention))
	if ttl <= 0 {
		return fmt.Errorf("authorization code is already expired")
	}

	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.codeKey(code.Code)).Value(string(data)).Ex(ttl).Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// AtomicConsumeAuthorizationCode atomically checks that a code is unused and
// marks it as used via a server-side Lua script
func (s *Store) AtomicConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(fmt.Sprintf("%d", now.Unix()), expiryGraceArg()).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, fmt.Errorf("%w: authorization code", storage.ErrTokenNotFound)
	case result == "EXPIRED":
		return nil, fmt.Errorf("%w: authorization code", storage.ErrTokenExpired)
	case strings.HasPrefix(result, "USED:"):
		record, derr := decodeCodePayload(strings.TrimPrefix(result, "USED:"))
		if derr != nil {
			return nil, derr
		}
		return record, fmt.Errorf("%w: authorization code", storage.ErrTokenRedeemed)
	case strings.HasPrefix(result, "OK:"):
		return decodeCodePayload(strings.TrimPrefix(result, "OK:"))
	default:
		return nil, fmt.Errorf("unexpected consumption result %q", result)
	}
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	return s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(code)).Build()).Error()
}

// ============================================================
// RevocationStore
// ============================================================

// RevokeAllForSubject revokes everything owned by the subject
func (s *Store) RevokeAllForSubject(ctx context.Context, subject string) (storage.RevocationCounts, error) {
	return s.revokeCascade(ctx,
		s.tokensBySubjectKey(subject),
		s.authzBySubjectKey(subject))
}

// RevokeAllForClient revokes everything issued to the client
func (s *Store) RevokeAllForClient(ctx context.Context, clientID string) (storage.RevocationCounts, error) {
	return s.revokeCascade(ctx,
		s.tokensByClientKey(clientID),
		s.authzByClientKey(clientID))
}

// RevokeAllForSubjectClient revokes everything for the (subject, client) pair
func (s *Store) RevokeAllForSubjectClient(ctx context.Context, subject, clientID string) (storage.RevocationCounts, error) {
	counts := storage.RevocationCounts{}

	tokenIDs, err := s.setMembers(ctx, s.tokensByPairKey(subject, clientID))
	if err != nil {
		return counts, err
	}
	counts.Tokens, err = s.revokeTokens(ctx, tokenIDs)
	if err != nil {
		return counts, err
	}

	// Consent records for the pair live in the intersection of the subject
	// and client index sets
	authzIDs, err := s.client.Do(ctx,
		s.client.B().Sinter().Key(s.authzBySubjectKey(subject), s.authzByClientKey(clientID)).Build(),
	).AsStrSlice()
	if err != nil && !isNilError(err) {
		return counts, fmt.Errorf("failed to intersect authorization indexes: %w", err)
	}
	counts.Authorizations, err = s.revokeAuthorizations(ctx, authzIDs)
	return counts, err
}

// revokeCascade revokes every valid token and authorization referenced by the
// two index sets. Each record flip is a conditional single-key update, so the
// cascade is idempotent and safe to re-run after a partial failure.
func (s *Store) revokeCascade(ctx context.Context, tokenSetKey, authzSetKey string) (storage.RevocationCounts, error) {
	counts := storage.RevocationCounts{}

	tokenIDs, err := s.setMembers(ctx, tokenSetKey)
	if err != nil {
		return counts, err
	}
	counts.Tokens, err = s.revokeTokens(ctx, tokenIDs)
	if err != nil {
		return counts, err
	}

	authzIDs, err := s.setMembers(ctx, authzSetKey)
	if err != nil {
		return counts, err
	}
	counts.Authorizations, err = s.revokeAuthorizations(ctx, authzIDs)
	return counts, err
}

// revokeTokens flips each referenced valid token to revoked and reports how
// many were touched
func (s *Store) revokeTokens(ctx context.Context, ids []string) (int, error) {
	revoked := 0
	for _, id := range ids {
		token, err := s.GetToken(ctx, id)
		if err != nil {
			continue // expired out of the store, stale index member
		}
		if token.Status != storage.TokenStatusValid {
			continue
		}
		token.Status = storage.TokenStatusRevoked
		if err := s.rewriteToken(ctx, token); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// revokeAuthorizations flips each referenced valid authorization to revoked
func (s *Store) revokeAuthorizations(ctx context.Context, ids []string) (int, error) {
	revoked := 0
	for _, id := range ids {
		authz, err := s.GetAuthorization(ctx, id)
		if err != nil {
			continue
		}
		if authz.Status != storage.AuthorizationStatusValid {
			continue
		}
		authz.Status = storage.AuthorizationStatusRevoked
		authz.UpdatedAt = time.Now()
		if err := s.writeAuthorization(ctx, authz); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// setMembers returns the members of a set, tolerating a missing key
func (s *Store) setMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(key).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read index set %s: %w", key, err)
	}
	return members, nil
}

// rewriteToken stores an updated token record preserving the key's TTL
func (s *Store) rewriteToken(ctx context.Context, token *storage.Token) error {
	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.tokenKey(token.ID)).Value(string(data)).Keepttl().Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	return nil
}

// decodeTokenPayload unmarshals a token JSON payload returned by a Lua script
func decodeTokenPayload(payload string) (*storage.Token, error) {
	var j tokenJSON
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token payload: %w", err)
	}
	return fromTokenJSON(&j), nil
}

// decodeCodePayload unmarshals a code JSON payload returned by a Lua script
func decodeCodePayload(payload string) (*storage.AuthorizationCode, error) {
	var j codeJSON
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code payload: %w", err)
	}
	return fromCodeJSON(&j), nil
}
