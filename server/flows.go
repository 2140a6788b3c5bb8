package server

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
)

// ResponseTypeCode is the only supported response type. Implicit and hybrid
// flows are deliberately not offered.
const ResponseTypeCode = "code"

// Prompt parameter values
const (
	// PromptNone requests silent authorization: the flow must complete
	// without user interaction or fail with interaction_required
	PromptNone = "none"
)

// Authorize outcome statuses
const (
	// StatusGranted means an authorization code was issued
	StatusGranted = "granted"

	// StatusConsentRequired means the caller must present the consent
	// prompt and come back through Consent
	StatusConsentRequired = "consent_required"
)

// AuthorizeRequest is a parsed authorization request. Subject is the
// already-authenticated end user; session establishment happens upstream of
// this engine.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Prompt              string
	Resources           []string

	Subject string
}

// AuthorizeResult is the outcome of an authorization request. When Status is
// StatusGranted, Code carries the issued authorization code. When Status is
// StatusConsentRequired, Scopes carries the effective scope set to show on
// the consent prompt.
type AuthorizeResult struct {
	Status      string
	Code        string
	State       string
	RedirectURI string
	Scopes      []string
	Client      *storage.Client
}

// Authorize runs the authorization request state machine: client and subject
// checks, the ordered client-policy rules, scope intersection, and the consent
// lookup. It either issues a code against existing consent or reports that
// consent interaction is needed.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest) (*AuthorizeResult, *Error) {
	if req.ResponseType != ResponseTypeCode {
		return nil, ErrInvalidRequest("unsupported response_type, only \"code\" is supported")
	}
	if req.RedirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}

	client, oauthErr := s.resolveClient(ctx, req.ClientID)
	if oauthErr != nil {
		return nil, oauthErr
	}

	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordAuthorizationStarted(ctx, client.ClientID)
	}

	rc := requestContext(ctx, req.Subject, client.ClientID)
	scopes := intersectScopes(ParseScopes(req.Scope), s.Config.SupportedScopes)

	preq := &policyRequest{
		GrantType:     storage.GrantAuthorizationCode,
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		Scopes:        scopes,
	}
	if v := evaluateClientPolicy(preq, client); v != nil {
		return nil, s.auditRuleViolation(rc, v)
	}

	if req.CodeChallenge != "" &&
		req.CodeChallengeMethod != "" && req.CodeChallengeMethod != CodeChallengeMethodS256 {
		return nil, ErrInvalidRequest("unsupported code_challenge_method, only S256 is supported")
	}

	if req.Subject == "" {
		if req.Prompt == PromptNone {
			return nil, ErrInteractionRequired("no authenticated session")
		}
		return nil, ErrAccessDenied("authentication is required")
	}

	if oauthErr := s.requireActiveSubject(ctx, req.Subject, client.ClientID); oauthErr != nil {
		return nil, oauthErr
	}

	// Issue directly when a valid permanent consent already covers the
	// effective scope set; otherwise the user must (re-)consent.
	cctx, cancel := s.boundedCtx(ctx)
	authz, err := s.authorizations.FindValidAuthorization(cctx, req.Subject, client.ClientID)
	cancel()

	switch {
	case err == nil && authz.HasScopes(scopes):
		code, oauthErr := s.issueCode(ctx, client, req, scopes, authz.ID)
		if oauthErr != nil {
			return nil, oauthErr
		}
		return &AuthorizeResult{
			Status:      StatusGranted,
			Code:        code,
			State:       req.State,
			RedirectURI: req.RedirectURI,
			Scopes:      scopes,
			Client:      client,
		}, nil

	case err != nil && !errors.Is(err, storage.ErrAuthorizationNotFound):
		s.Logger.Error("Consent lookup failed", "client_id", client.ClientID, "error", err)
		return nil, ErrServerError("authorization lookup failed")

	default:
		// Missing consent or a scope superset of the existing grant
		if req.Prompt == PromptNone {
			return nil, ErrInteractionRequired("consent is required")
		}
		return &AuthorizeResult{
			Status:      StatusConsentRequired,
			State:       req.State,
			RedirectURI: req.RedirectURI,
			Scopes:      scopes,
			Client:      client,
		}, nil
	}
}

// ConsentRequest is a user's consent decision for a pending authorization
// request. The original request parameters ride along so the code can be
// issued with the correct binding.
type ConsentRequest struct {
	Subject             string
	ClientID            string
	RedirectURI         string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scopes              []string
	Resources           []string

	// Approved is the user's decision
	Approved bool

	// Remember persists the grant as a permanent authorization; otherwise an
	// ad-hoc grant backs only this single code issuance
	Remember bool
}

// ConsentResult carries the issued code after an approved consent
type ConsentResult struct {
	Code        string
	State       string
	RedirectURI string
}

// Consent records the user's consent decision and issues the authorization
// code on approval. Remembered approvals are upserted as the (subject, client)
// permanent grant with monotonic scope merging; one-time approvals leave no
// durable consent behind.
func (s *Server) Consent(ctx context.Context, req *ConsentRequest) (*ConsentResult, *Error) {
	client, oauthErr := s.resolveClient(ctx, req.ClientID)
	if oauthErr != nil {
		return nil, oauthErr
	}

	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordConsentDecision(ctx, client.ClientID, req.Approved, req.Remember)
	}

	if !req.Approved {
		return nil, ErrAccessDenied("the resource owner denied the request")
	}

	if req.Subject == "" {
		return nil, ErrAccessDenied("authentication is required")
	}
	if oauthErr := s.requireActiveSubject(ctx, req.Subject, client.ClientID); oauthErr != nil {
		return nil, oauthErr
	}

	// Re-run the policy rules: the decision may arrive long after the
	// original request and the client registration may have changed.
	rc := requestContext(ctx, req.Subject, client.ClientID)
	preq := &policyRequest{
		GrantType:     storage.GrantAuthorizationCode,
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		Scopes:        req.Scopes,
	}
	if v := evaluateClientPolicy(preq, client); v != nil {
		return nil, s.auditRuleViolation(rc, v)
	}

	scopes := intersectScopes(req.Scopes, s.Config.SupportedScopes)

	authzType := storage.AuthorizationTypeAdHoc
	if req.Remember {
		authzType = storage.AuthorizationTypePermanent
	}

	now := s.now()
	cctx, cancel := s.boundedCtx(ctx)
	authz, err := s.authorizations.SaveAuthorization(cctx, &storage.Authorization{
		Subject:   req.Subject,
		ClientID:  client.ClientID,
		Type:      authzType,
		Scopes:    scopes,
		Status:    storage.AuthorizationStatusValid,
		CreatedAt: now,
		UpdatedAt: now,
	})
	cancel()
	if err != nil {
		s.Logger.Error("Failed to persist consent", "client_id", client.ClientID, "error", err)
		return nil, ErrServerError("failed to record consent")
	}

	areq := &AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Resources:           req.Resources,
		Subject:             req.Subject,
	}
	code, oauthErr := s.issueCode(ctx, client, areq, scopes, authz.ID)
	if oauthErr != nil {
		return nil, oauthErr
	}

	return &ConsentResult{
		Code:        code,
		State:       req.State,
		RedirectURI: req.RedirectURI,
	}, nil
}

// LogoutRequest is an RP-initiated logout request
type LogoutRequest struct {
	Subject               string
	ClientID              string
	PostLogoutRedirectURI string
	State                 string
}

// Logout validates an RP-initiated logout. The post-logout redirect target
// must exactly match a registered redirect URI of the named client; otherwise
// the caller gets no redirect back and must land on a neutral page.
func (s *Server) Logout(ctx context.Context, req *LogoutRequest) (string, *Error) {
	if req.PostLogoutRedirectURI == "" {
		return "", nil
	}
	if req.ClientID == "" {
		return "", ErrInvalidRequest("client_id is required to use post_logout_redirect_uri")
	}

	cctx, cancel := s.boundedCtx(ctx)
	client, err := s.clients.GetClient(cctx, req.ClientID)
	cancel()
	if err != nil {
		return "", ErrInvalidClient("unknown client")
	}

	for _, registered := range client.RedirectURIs {
		if registered == req.PostLogoutRedirectURI {
			s.audit(security.Incident{
				Type:     security.EventTokenRevoked,
				Severity: security.SeverityInfo,
				Subject:  req.Subject,
				ClientID: req.ClientID,
				Detail:   map[string]any{"action": "logout"},
			})
			return req.PostLogoutRedirectURI, nil
		}
	}
	return "", ErrInvalidRequest("post_logout_redirect_uri is not registered for this client")
}

// requireActiveSubject rejects issuance for inactive or anonymized subjects
func (s *Server) requireActiveSubject(ctx context.Context, subject, clientID string) *Error {
	cctx, cancel := s.boundedCtx(ctx)
	defer cancel()

	user, err := s.users.FindBySubject(cctx, subject)
	if err != nil {
		s.audit(security.Incident{
			Type:     security.EventInactiveUserAttempt,
			Severity: security.SeverityWarning,
			Subject:  subject,
			ClientID: clientID,
			Detail:   map[string]any{"reason": "subject_not_found"},
		})
		return ErrAccessDenied("the subject is not permitted to authorize")
	}
	if !user.Active || user.Anonymized {
		s.audit(security.Incident{
			Type:     security.EventInactiveUserAttempt,
			Severity: security.SeverityWarning,
			Subject:  subject,
			ClientID: clientID,
			Detail:   map[string]any{"reason": "subject_inactive"},
		})
		return ErrAccessDenied("the subject is not permitted to authorize")
	}
	return nil
}

// issueCode creates and persists a single-use authorization code bound to the
// request's redirect URI, PKCE challenge, nonce, and consent record
func (s *Server) issueCode(ctx context.Context, client *storage.Client, req *AuthorizeRequest, scopes []string, authorizationID string) (string, *Error) {
	now := s.now()
	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            client.ClientID,
		Subject:             req.Subject,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		Resources:           req.Resources,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		AuthorizationID:     authorizationID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}

	cctx, cancel := s.boundedCtx(ctx)
	err := s.codes.SaveAuthorizationCode(cctx, code)
	cancel()
	if err != nil {
		s.Logger.Error("Failed to persist authorization code", "client_id", client.ClientID, "error", err)
		return "", ErrServerError("failed to issue authorization code")
	}

	s.Logger.Debug("Authorization code issued",
		"client_id", client.ClientID,
		"scopes", scopes,
		"expires_at", code.ExpiresAt.Format(time.RFC3339))
	return code.Code, nil
}
