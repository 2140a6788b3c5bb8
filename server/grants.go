package server

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oidc-server/policy"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
	"github.com/giantswarm/oidc-server/users"
)

// ScopeOpenID triggers ID token issuance
const ScopeOpenID = "openid"

// TokenType is the issued token type per RFC 6750
const TokenType = "Bearer"

// TokenRequest is a parsed token endpoint request. Fields irrelevant to the
// requested grant type are left empty.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string

	// Authorization code grant
	Code         string
	RedirectURI  string
	CodeVerifier string

	// Refresh grant
	RefreshToken string

	// Password grant
	Username string
	Password string

	Scope     string
	Resources []string
}

// TokenResult is the successful token endpoint response
type TokenResult struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	IDToken      string
	Scope        string
}

// Token authenticates the client and dispatches to the grant handler. Every
// grant runs through the ordered client-policy rules before any token is
// minted.
func (s *Server) Token(ctx context.Context, req *TokenRequest) (*TokenResult, *Error) {
	client, oauthErr := s.resolveClient(ctx, req.ClientID)
	if oauthErr != nil {
		return nil, oauthErr
	}
	if oauthErr := s.authenticateClient(ctx, client, req.ClientSecret); oauthErr != nil {
		return nil, oauthErr
	}

	rc := requestContext(ctx, "", client.ClientID)
	preq := &policyRequest{
		GrantType: req.GrantType,
		Scopes:    ParseScopes(req.Scope),
	}
	if v := evaluateClientPolicy(preq, client); v != nil {
		return nil, s.auditRuleViolation(rc, v)
	}

	switch req.GrantType {
	case storage.GrantAuthorizationCode:
		return s.handleAuthorizationCodeGrant(ctx, client, req)
	case storage.GrantRefreshToken:
		return s.handleRefreshGrant(ctx, client, req)
	case storage.GrantClientCredentials:
		return s.handleClientCredentialsGrant(ctx, client, req)
	case storage.GrantPassword:
		return s.handlePasswordGrant(ctx, client, req)
	default:
		return nil, ErrUnsupportedGrantType("unsupported grant_type")
	}
}

// handleAuthorizationCodeGrant exchanges a single-use authorization code for a
// token pair. Consumption is atomic at the storage layer; a replayed code is a
// compromise signal that revokes everything issued to the (subject, client)
// pair, because the attacker may already hold the tokens from the first
// exchange.
func (s *Server) handleAuthorizationCodeGrant(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResult, *Error) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	now := s.now()
	cctx, cancel := s.boundedCtx(ctx)
	code, err := s.codes.AtomicConsumeAuthorizationCode(cctx, req.Code, now)
	cancel()

	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenRedeemed) && code != nil:
			// The first exchange may have gone to an attacker; invalidate
			// everything the pair holds.
			s.audit(security.Incident{
				Type:     security.EventCodeReuseDetected,
				Severity: security.SeverityCritical,
				Subject:  code.Subject,
				ClientID: code.ClientID,
			})
			if s.Instrumentation != nil {
				s.Instrumentation.Metrics().RecordCodeReuseDetected(ctx)
			}
			s.cascade(ctx, policy.ReuseActionRevokeClientSubject, code.Subject, code.ClientID, "authorization_code_replay")
			return nil, ErrInvalidGrant("authorization code has already been used")
		case errors.Is(err, storage.ErrTokenRedeemed):
			return nil, ErrInvalidGrant("authorization code has already been used")
		case errors.Is(err, storage.ErrTokenExpired):
			return nil, ErrInvalidGrant("authorization code has expired")
		case errors.Is(err, storage.ErrTokenNotFound):
			return nil, ErrInvalidGrant("invalid authorization code")
		default:
			s.Logger.Error("Code consumption failed", "client_id", client.ClientID, "error", err)
			return nil, ErrServerError("failed to process authorization code")
		}
	}

	if code.ClientID != client.ClientID {
		// A code leaked across clients is as bad as a replay
		s.audit(security.Incident{
			Type:     security.EventCodeReuseDetected,
			Severity: security.SeverityCritical,
			Subject:  code.Subject,
			ClientID: client.ClientID,
			Detail:   map[string]any{"issued_to": code.ClientID},
		})
		return nil, ErrInvalidGrant("authorization code was issued to a different client")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	if code.CodeChallenge != "" {
		if err := validatePKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
			s.audit(security.Incident{
				Type:     security.EventPKCEValidationFailed,
				Severity: security.SeverityWarning,
				Subject:  code.Subject,
				ClientID: client.ClientID,
			})
			if s.Instrumentation != nil {
				s.Instrumentation.Metrics().RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
			}
			return nil, ErrInvalidGrant("PKCE verification failed")
		}
	} else if client.RequirePKCE {
		// A PKCE-required client must never hold a challenge-less code
		return nil, ErrInvalidGrant("PKCE is required for this client")
	}

	if oauthErr := s.requireActiveSubject(ctx, code.Subject, client.ClientID); oauthErr != nil {
		return nil, oauthErr
	}

	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordCodeExchange(ctx, client.ClientID, code.CodeChallenge != "")
	}

	return s.issueTokens(ctx, &issuance{
		client:          client,
		subject:         code.Subject,
		scopes:          code.Scopes,
		resources:       code.Resources,
		authorizationID: code.AuthorizationID,
		grantType:       storage.GrantAuthorizationCode,
		nonce:           code.Nonce,
		includeRefresh:  true,
	})
}

// handleRefreshGrant redeems a refresh token. With rotation enabled the
// redemption is an atomic valid-to-redeemed transition and a replayed token
// outside the leeway window triggers the remediation cascade; with rotation
// disabled the token slides its expiry and is returned unchanged.
func (s *Server) handleRefreshGrant(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResult, *Error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	snapshot := s.policies.Current(ctx)
	now := s.now()

	if !snapshot.RefreshRotationEnabled {
		return s.redeemWithoutRotation(ctx, client, req, snapshot, now)
	}

	cctx, cancel := s.boundedCtx(ctx)
	record, err := s.tokens.AtomicRedeemRefreshToken(cctx, req.RefreshToken, now)
	cancel()

	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenRedeemed):
			return nil, s.handleRedeemedReplay(ctx, client, record, snapshot, now)
		case errors.Is(err, storage.ErrTokenRevoked):
			return nil, ErrInvalidGrant("refresh token has been revoked")
		case errors.Is(err, storage.ErrTokenExpired):
			return nil, ErrInvalidGrant("refresh token has expired")
		case errors.Is(err, storage.ErrTokenNotFound):
			return nil, ErrInvalidGrant("invalid refresh token")
		default:
			s.Logger.Error("Refresh redemption failed", "client_id", client.ClientID, "error", err)
			return nil, ErrServerError("failed to redeem refresh token")
		}
	}

	if record.ClientID != client.ClientID {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(record.Subject, client.ClientID, "refresh_token_client_mismatch")
		}
		return nil, ErrInvalidGrant("refresh token was issued to a different client")
	}

	scopes, oauthErr := narrowScopes(record.Scopes, req.Scope)
	if oauthErr != nil {
		return nil, oauthErr
	}

	if oauthErr := s.requireActiveSubject(ctx, record.Subject, client.ClientID); oauthErr != nil {
		return nil, oauthErr
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(record.Subject, client.ClientID, true)
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenRefresh(ctx, client.ClientID, true)
	}

	return s.issueTokens(ctx, &issuance{
		client:          client,
		subject:         record.Subject,
		scopes:          scopes,
		resources:       record.Resources,
		authorizationID: record.AuthorizationID,
		grantType:       storage.GrantRefreshToken,
		refreshCeiling:  record.AbsoluteExpiresAt,
		includeRefresh:  true,
	})
}

// handleRedeemedReplay classifies a second redemption of an already-redeemed
// refresh token. Within the leeway window it is a benign client retry and is
// merely rejected; outside the window it is treated as token theft and the
// configured remediation cascade runs before rejecting.
func (s *Server) handleRedeemedReplay(ctx context.Context, client *storage.Client, record *storage.Token, snapshot policy.Snapshot, now time.Time) *Error {
	rejected := ErrInvalidGrant("refresh token has already been used")

	if !snapshot.RefreshReuseDetectionEnabled || record == nil {
		return rejected
	}

	if now.Sub(record.RedeemedAt) <= snapshot.ReuseLeeway {
		s.Logger.Debug("Refresh replay within leeway window, treating as retry",
			"client_id", client.ClientID,
			"redeemed_at", record.RedeemedAt.Format(time.RFC3339))
		return rejected
	}

	s.audit(security.Incident{
		Type:     security.EventRefreshReuseDetected,
		Severity: security.SeverityCritical,
		Subject:  record.Subject,
		ClientID: record.ClientID,
		Detail: map[string]any{
			"redeemed_at":  record.RedeemedAt.Format(time.RFC3339),
			"reuse_action": string(snapshot.ReuseAction),
		},
	})
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordRefreshReuseDetected(ctx)
	}

	s.cascade(ctx, snapshot.ReuseAction, record.Subject, record.ClientID, "refresh_token_reuse")
	return rejected
}

// redeemWithoutRotation implements sliding-window refresh semantics. The same
// refresh token stays valid and its expiry slides forward, still clamped to
// the chain's absolute ceiling. Reuse detection is meaningless here since
// reuse is the intended behavior.
func (s *Server) redeemWithoutRotation(ctx context.Context, client *storage.Client, req *TokenRequest, snapshot policy.Snapshot, now time.Time) (*TokenResult, *Error) {
	cctx, cancel := s.boundedCtx(ctx)
	record, err := s.tokens.GetToken(cctx, req.RefreshToken)
	cancel()
	if err != nil {
		return nil, ErrInvalidGrant("invalid refresh token")
	}

	if record.Kind != storage.TokenKindRefresh || record.Status != storage.TokenStatusValid {
		return nil, ErrInvalidGrant("invalid refresh token")
	}
	if record.ClientID != client.ClientID {
		return nil, ErrInvalidGrant("refresh token was issued to a different client")
	}
	if security.IsExpiredWithGracePeriod(record.ExpiresAt, now, s.Config.ClockSkew) ||
		security.IsExpiredWithGracePeriod(record.AbsoluteExpiresAt, now, s.Config.ClockSkew) {
		return nil, ErrInvalidGrant("refresh token has expired")
	}

	scopes, oauthErr := narrowScopes(record.Scopes, req.Scope)
	if oauthErr != nil {
		return nil, oauthErr
	}
	if oauthErr := s.requireActiveSubject(ctx, record.Subject, client.ClientID); oauthErr != nil {
		return nil, oauthErr
	}

	stamp := policy.Apply(snapshot, now, record.AbsoluteExpiresAt)
	record.ExpiresAt = stamp.RefreshExpiresAt

	cctx, cancel = s.boundedCtx(ctx)
	err = s.tokens.SaveToken(cctx, record)
	cancel()
	if err != nil {
		s.Logger.Error("Failed to slide refresh expiry", "client_id", client.ClientID, "error", err)
		return nil, ErrServerError("failed to redeem refresh token")
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(record.Subject, client.ClientID, false)
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenRefresh(ctx, client.ClientID, false)
	}

	result, oauthErr := s.issueTokens(ctx, &issuance{
		client:          client,
		subject:         record.Subject,
		scopes:          scopes,
		resources:       record.Resources,
		authorizationID: record.AuthorizationID,
		grantType:       storage.GrantRefreshToken,
		refreshCeiling:  record.AbsoluteExpiresAt,
		includeRefresh:  false,
	})
	if oauthErr != nil {
		return nil, oauthErr
	}
	result.RefreshToken = record.ID
	return result, nil
}

// handleClientCredentialsGrant issues a machine-to-machine access token. The
// subject is the client itself; there is no refresh token, no ID token, and
// no consent involved.
func (s *Server) handleClientCredentialsGrant(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResult, *Error) {
	if client.ClientType != storage.ClientTypeConfidential {
		return nil, ErrUnauthorizedClient("client_credentials is restricted to confidential clients")
	}

	scopes := intersectScopes(ParseScopes(req.Scope), s.Config.SupportedScopes)

	return s.issueTokens(ctx, &issuance{
		client:         client,
		subject:        client.ClientID,
		scopes:         scopes,
		resources:      req.Resources,
		grantType:      storage.GrantClientCredentials,
		includeRefresh: false,
	})
}

// handlePasswordGrant exchanges resource-owner credentials for tokens. The
// grant is globally gated by configuration and per-client by the password
// rules that already ran in Token.
func (s *Server) handlePasswordGrant(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResult, *Error) {
	if !s.Config.EnablePasswordGrant {
		return nil, ErrUnsupportedGrantType("password grant is not enabled")
	}
	if req.Username == "" || req.Password == "" {
		return nil, ErrInvalidRequest("username and password are required")
	}

	cctx, cancel := s.boundedCtx(ctx)
	ok, err := s.users.VerifyPassword(cctx, req.Username, req.Password)
	cancel()
	if err != nil {
		s.Logger.Error("Password verification failed", "client_id", client.ClientID, "error", err)
		return nil, ErrServerError("failed to verify credentials")
	}
	if !ok {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.Username, client.ClientID, "invalid_password")
		}
		return nil, ErrInvalidGrant("invalid resource owner credentials")
	}

	if oauthErr := s.requireActiveSubject(ctx, req.Username, client.ClientID); oauthErr != nil {
		return nil, oauthErr
	}

	scopes := intersectScopes(ParseScopes(req.Scope), s.Config.SupportedScopes)

	return s.issueTokens(ctx, &issuance{
		client:         client,
		subject:        req.Username,
		scopes:         scopes,
		resources:      req.Resources,
		grantType:      storage.GrantPassword,
		includeRefresh: true,
	})
}

// issuance carries everything issueTokens needs to mint one token pair
type issuance struct {
	client          *storage.Client
	subject         string
	scopes          []string
	resources       []string
	authorizationID string
	grantType       string
	nonce           string

	// refreshCeiling propagates the chain's absolute expiry across rotation;
	// zero starts a new chain
	refreshCeiling time.Time

	includeRefresh bool
}

// issueTokens mints the access token (signed JWT), the rotated refresh token
// when requested and permitted, and the ID token when the openid scope is
// present. Lifetimes come from the current policy snapshot, applied once so
// the whole pair sees one consistent policy.
func (s *Server) issueTokens(ctx context.Context, iss *issuance) (*TokenResult, *Error) {
	snapshot := s.policies.Current(ctx)
	now := s.now()
	stamp := policy.Apply(snapshot, now, iss.refreshCeiling)

	audience := iss.resources
	if len(audience) == 0 {
		audience = s.Config.Audience
	}
	if len(audience) == 0 {
		audience = []string{s.Config.issuerBase()}
	}

	jti := uuid.NewString()
	claims := jwt.MapClaims{
		"iss":       s.Config.issuerBase(),
		"sub":       iss.subject,
		"aud":       audience,
		"client_id": iss.client.ClientID,
		"scope":     JoinScopes(iss.scopes),
		"jti":       jti,
		"iat":       now.Unix(),
		"exp":       stamp.AccessExpiresAt.Unix(),
	}

	accessToken, kid, err := s.keys.Sign(ctx, claims)
	if err != nil {
		s.Logger.Error("Access token signing failed", "client_id", iss.client.ClientID, "error", err)
		return nil, ErrServerError("failed to sign access token")
	}

	cctx, cancel := s.boundedCtx(ctx)
	err = s.tokens.SaveToken(cctx, &storage.Token{
		ID:              jti,
		KeyID:           kid,
		Kind:            storage.TokenKindAccess,
		Subject:         iss.subject,
		ClientID:        iss.client.ClientID,
		Scopes:          iss.scopes,
		Resources:       audience,
		IssuedAt:        now,
		ExpiresAt:       stamp.AccessExpiresAt,
		AuthorizationID: iss.authorizationID,
		Status:          storage.TokenStatusValid,
	})
	cancel()
	if err != nil {
		s.Logger.Error("Failed to persist access token record", "client_id", iss.client.ClientID, "error", err)
		return nil, ErrServerError("failed to issue tokens")
	}

	result := &TokenResult{
		AccessToken: accessToken,
		TokenType:   TokenType,
		ExpiresIn:   int64(snapshot.AccessTokenTTL.Seconds()),
		Scope:       JoinScopes(iss.scopes),
	}

	if iss.includeRefresh && iss.client.AllowsGrant(storage.GrantRefreshToken) {
		refreshID := generateRandomToken()
		cctx, cancel := s.boundedCtx(ctx)
		err := s.tokens.SaveToken(cctx, &storage.Token{
			ID:                refreshID,
			Kind:              storage.TokenKindRefresh,
			Subject:           iss.subject,
			ClientID:          iss.client.ClientID,
			Scopes:            iss.scopes,
			Resources:         audience,
			IssuedAt:          now,
			ExpiresAt:         stamp.RefreshExpiresAt,
			AbsoluteExpiresAt: stamp.RefreshAbsoluteExpiresAt,
			AuthorizationID:   iss.authorizationID,
			Status:            storage.TokenStatusValid,
		})
		cancel()
		if err != nil {
			s.Logger.Error("Failed to persist refresh token record", "client_id", iss.client.ClientID, "error", err)
			return nil, ErrServerError("failed to issue tokens")
		}
		result.RefreshToken = refreshID
	}

	if containsScope(iss.scopes, ScopeOpenID) && iss.grantType != storage.GrantClientCredentials {
		idToken, oauthErr := s.issueIDToken(ctx, iss, now, stamp.IDExpiresAt)
		if oauthErr != nil {
			return nil, oauthErr
		}
		result.IDToken = idToken
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(iss.subject, iss.client.ClientID, iss.grantType, result.Scope)
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokensIssued(ctx, iss.client.ClientID, iss.grantType)
	}

	return result, nil
}

// issueIDToken mints the OIDC ID token. Claims for anonymized subjects are
// withheld; the token then carries only the protocol claims.
func (s *Server) issueIDToken(ctx context.Context, iss *issuance, now time.Time, expiresAt time.Time) (string, *Error) {
	claims := jwt.MapClaims{
		"iss": s.Config.issuerBase(),
		"sub": iss.subject,
		"aud": iss.client.ClientID,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
	}
	if iss.nonce != "" {
		claims["nonce"] = iss.nonce
	}

	cctx, cancel := s.boundedCtx(ctx)
	user, err := s.users.FindBySubject(cctx, iss.subject)
	cancel()
	if err == nil {
		addUserClaims(claims, user)
	}

	idToken, _, err := s.keys.Sign(ctx, claims)
	if err != nil {
		s.Logger.Error("ID token signing failed", "client_id", iss.client.ClientID, "error", err)
		return "", ErrServerError("failed to sign ID token")
	}
	return idToken, nil
}

// addUserClaims merges the user's released claims into the ID token claim
// set without letting them override protocol claims
func addUserClaims(claims jwt.MapClaims, user *users.User) {
	if user.Anonymized {
		return
	}
	for k, v := range user.Claims {
		if _, reserved := claims[k]; reserved {
			continue
		}
		claims[k] = v
	}
}

// narrowScopes applies refresh-grant scope narrowing: the request may shrink
// the scope set but never widen it beyond the original grant
func narrowScopes(granted []string, requested string) ([]string, *Error) {
	reqScopes := ParseScopes(requested)
	if len(reqScopes) == 0 {
		return granted, nil
	}
	for _, scope := range reqScopes {
		if !containsScope(granted, scope) {
			return nil, ErrInvalidScope("requested scope exceeds the original grant")
		}
	}
	return reqScopes, nil
}
