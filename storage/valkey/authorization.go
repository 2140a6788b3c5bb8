package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oidc-server/storage"
)

// SaveAuthorization persists a consent grant. Permanent grants upsert against
// the (subject, client) pair: the scope set only ever grows, so a re-consent
// for fewer scopes never silently narrows an existing grant. Ad-hoc grants
// are always inserted fresh.
func (s *Store) SaveAuthorization(ctx context.Context, authz *storage.Authorization) (*storage.Authorization, error) {
	if authz == nil || authz.Subject == "" || authz.ClientID == "" {
		return nil, fmt.Errorf("authorization with subject and client ID is required")
	}

	if authz.Type == storage.AuthorizationTypePermanent {
		if existing, err := s.FindValidAuthorization(ctx, authz.Subject, authz.ClientID); err == nil {
			existing.Scopes = mergeScopes(existing.Scopes, authz.Scopes)
			existing.UpdatedAt = time.Now()
			if err := s.writeAuthorization(ctx, existing); err != nil {
				return nil, err
			}
			s.logger.Debug("Permanent authorization scopes merged",
				"authorization_id", existing.ID,
				"client_id", existing.ClientID,
				"scopes", existing.Scopes)
			return existing, nil
		}
	}

	record := *authz
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.UpdatedAt = record.CreatedAt

	if err := s.writeAuthorization(ctx, &record); err != nil {
		return nil, err
	}

	if record.Type == storage.AuthorizationTypePermanent {
		err := s.client.Do(ctx,
			s.client.B().Set().Key(s.permAuthzKey(record.Subject, record.ClientID)).Value(record.ID).Build(),
		).Error()
		if err != nil {
			return nil, fmt.Errorf("failed to index permanent authorization: %w", err)
		}
	}

	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(s.authzBySubjectKey(record.Subject)).Member(record.ID).Build(),
	).Error(); err != nil {
		return nil, fmt.Errorf("failed to index authorization by subject: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(s.authzByClientKey(record.ClientID)).Member(record.ID).Build(),
	).Error(); err != nil {
		return nil, fmt.Errorf("failed to index authorization by client: %w", err)
	}

	s.logger.Debug("Authorization saved",
		"authorization_id", record.ID,
		"client_id", record.ClientID,
		"type", record.Type)
	return &record, nil
}

// GetAuthorization retrieves an authorization by ID
func (s *Store) GetAuthorization(ctx context.Context, id string) (*storage.Authorization, error) {
	return getAndUnmarshal(ctx, s, s.authzKey(id), storage.ErrAuthorizationNotFound, fromAuthorizationJSON)
}

// FindValidAuthorization returns the valid permanent authorization for the
// (subject, client) pair, or ErrAuthorizationNotFound
func (s *Store) FindValidAuthorization(ctx context.Context, subject, clientID string) (*storage.Authorization, error) {
	id, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.permAuthzKey(subject, clientID)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrAuthorizationNotFound
		}
		return nil, fmt.Errorf("failed to look up permanent authorization: %w", err)
	}

	authz, err := s.GetAuthorization(ctx, id)
	if err != nil {
		return nil, err
	}
	if authz.Status != storage.AuthorizationStatusValid {
		return nil, storage.ErrAuthorizationNotFound
	}
	return authz, nil
}

// RevokeAuthorization flips a single authorization to revoked
func (s *Store) RevokeAuthorization(ctx context.Context, id string) error {
	authz, err := s.GetAuthorization(ctx, id)
	if err != nil {
		return err
	}

	authz.Status = storage.AuthorizationStatusRevoked
	authz.UpdatedAt = time.Now()
	return s.writeAuthorization(ctx, authz)
}

// writeAuthorization marshals and stores one consent record
func (s *Store) writeAuthorization(ctx context.Context, authz *storage.Authorization) error {
	data, err := json.Marshal(toAuthorizationJSON(authz))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization: %w", err)
	}

	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.authzKey(authz.ID)).Value(string(data)).Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to save authorization: %w", err)
	}
	return nil
}

// mergeScopes returns the union of the two scope sets, preserving the order
// of the existing set
func mergeScopes(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, scope := range existing {
		if !seen[scope] {
			seen[scope] = true
			merged = append(merged, scope)
		}
	}
	for _, scope := range incoming {
		if !seen[scope] {
			seen[scope] = true
			merged = append(merged, scope)
		}
	}
	return merged
}
