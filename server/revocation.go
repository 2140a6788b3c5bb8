package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oidc-server/policy"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
)

// RevokeSubject revokes every token and authorization owned by the subject,
// across all clients. Used for account compromise and offboarding.
func (s *Server) RevokeSubject(ctx context.Context, subject string) (storage.RevocationCounts, error) {
	cctx, cancel := s.boundedCtx(ctx)
	defer cancel()

	counts, err := s.revocations.RevokeAllForSubject(cctx, subject)
	if err != nil {
		return counts, err
	}
	s.recordCascade(ctx, "subject", subject, "", counts)
	return counts, nil
}

// RevokeClient revokes every token and authorization issued to the client,
// across all subjects. Used when a client credential leaks or a client is
// decommissioned. The client record itself stays registered; pair this with
// SetClientEnabled to stop new issuance.
func (s *Server) RevokeClient(ctx context.Context, clientID string) (storage.RevocationCounts, error) {
	cctx, cancel := s.boundedCtx(ctx)
	defer cancel()

	counts, err := s.revocations.RevokeAllForClient(cctx, clientID)
	if err != nil {
		return counts, err
	}
	s.recordCascade(ctx, "client", "", clientID, counts)
	return counts, nil
}

// RevokeSubjectClient revokes every token and authorization for the (subject,
// client) pair. This is the default remediation on detected refresh reuse.
func (s *Server) RevokeSubjectClient(ctx context.Context, subject, clientID string) (storage.RevocationCounts, error) {
	cctx, cancel := s.boundedCtx(ctx)
	defer cancel()

	counts, err := s.revocations.RevokeAllForSubjectClient(cctx, subject, clientID)
	if err != nil {
		return counts, err
	}
	s.recordCascade(ctx, "subject_client", subject, clientID, counts)
	return counts, nil
}

// RevokeToken implements RFC 7009 single-token revocation for the calling
// client. Unknown tokens succeed silently per the RFC so the endpoint cannot
// be used as a token oracle. Revoking a token never touches the consent
// record it was issued under.
func (s *Server) RevokeToken(ctx context.Context, clientID, clientSecret, token string) *Error {
	client, oauthErr := s.resolveClient(ctx, clientID)
	if oauthErr != nil {
		return oauthErr
	}
	if oauthErr := s.authenticateClient(ctx, client, clientSecret); oauthErr != nil {
		return oauthErr
	}
	if token == "" {
		return ErrInvalidRequest("token is required")
	}

	cctx, cancel := s.boundedCtx(ctx)
	record, err := s.tokens.GetToken(cctx, token)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil
		}
		s.Logger.Error("Revocation lookup failed", "client_id", clientID, "error", err)
		return ErrServerError("failed to revoke token")
	}

	// A client may only revoke its own tokens; treat foreign tokens as
	// unknown so the response does not confirm their existence
	if record.ClientID != client.ClientID {
		return nil
	}

	cctx, cancel = s.boundedCtx(ctx)
	err = s.tokens.RevokeToken(cctx, record.ID)
	cancel()
	if err != nil {
		s.Logger.Error("Revocation failed", "client_id", clientID, "error", err)
		return ErrServerError("failed to revoke token")
	}

	s.audit(security.Incident{
		Type:     security.EventTokenRevoked,
		Severity: security.SeverityInfo,
		Subject:  record.Subject,
		ClientID: client.ClientID,
		Detail:   map[string]any{"kind": record.Kind},
	})
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenRevocation(ctx, client.ClientID)
	}
	return nil
}

// cascade runs the remediation cascade selected by the reuse action. A
// failing cascade is logged loudly but does not mask the invalid_grant the
// caller is about to return; the incident record is the operator's signal to
// finish the job manually.
func (s *Server) cascade(ctx context.Context, action policy.ReuseAction, subject, clientID, reason string) {
	var (
		counts storage.RevocationCounts
		err    error
	)

	cctx, cancel := s.boundedCtx(ctx)
	defer cancel()

	switch action {
	case policy.ReuseActionRevokeSubject:
		counts, err = s.revocations.RevokeAllForSubject(cctx, subject)
	default:
		counts, err = s.revocations.RevokeAllForSubjectClient(cctx, subject, clientID)
	}

	if err != nil {
		s.Logger.Error("Remediation cascade failed",
			"action", string(action),
			"client_id", clientID,
			"reason", reason,
			"error", err)
		return
	}

	s.Logger.Warn("Remediation cascade completed",
		"action", string(action),
		"client_id", clientID,
		"reason", reason,
		"tokens_revoked", counts.Tokens,
		"authorizations_revoked", counts.Authorizations)
	s.recordCascade(ctx, string(action), subject, clientID, counts)
}

// recordCascade emits the audit incident and metrics for one cascade
func (s *Server) recordCascade(ctx context.Context, scope, subject, clientID string, counts storage.RevocationCounts) {
	s.audit(security.Incident{
		Type:     security.EventRevocationCascade,
		Severity: security.SeverityWarning,
		Subject:  subject,
		ClientID: clientID,
		Detail: map[string]any{
			"scope":          scope,
			"tokens":         counts.Tokens,
			"authorizations": counts.Authorizations,
		},
	})
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordRevocationCascade(ctx, scope, counts.Tokens, counts.Authorizations)
	}
}
