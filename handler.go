package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/server"
	"github.com/giantswarm/oidc-server/storage"
)

// Endpoint paths registered by RegisterRoutes
const (
	PathAuthorize           = "/connect/authorize"
	PathConsent             = "/connect/consent"
	PathToken               = "/connect/token"
	PathUserInfo            = "/connect/userinfo"
	PathLogout              = "/connect/logout"
	PathRevocation          = "/connect/revocation"
	PathJWKS                = "/.well-known/jwks.json"
	PathOpenIDConfiguration = "/.well-known/openid-configuration"
)

// SubjectResolver maps an incoming request to the authenticated subject.
// Session establishment (login UI, cookies, SSO) lives in the embedding
// application; the engine only needs the resulting subject identifier. An
// empty return means no authenticated session.
type SubjectResolver func(r *http.Request) string

// Handler is a thin HTTP adapter for the authorization engine. It parses
// protocol requests, delegates to the Server for all decisions, and renders
// protocol responses. It holds no state of its own.
type Handler struct {
	server *server.Server
	logger *slog.Logger
	tracer trace.Tracer

	// ResolveSubject supplies the authenticated subject for front-channel
	// requests. When nil, every request is treated as unauthenticated.
	ResolveSubject SubjectResolver

	// ConsentURL, when set, is where authorization requests needing consent
	// are redirected (with the pending request in the query string). When
	// empty, the consent requirement is returned as a JSON payload for the
	// embedding application to render.
	ConsentURL string
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		logger: logger,
	}

	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// RegisterRoutes registers all protocol endpoints on the mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(PathAuthorize, h.ServeAuthorization)
	mux.HandleFunc(PathConsent, h.ServeConsent)
	mux.HandleFunc(PathToken, h.ServeToken)
	mux.HandleFunc(PathUserInfo, h.ServeUserInfo)
	mux.HandleFunc(PathLogout, h.ServeLogout)
	mux.HandleFunc(PathRevocation, h.ServeTokenRevocation)
	mux.HandleFunc(PathJWKS, h.ServeJWKS)
	mux.HandleFunc(PathOpenIDConfiguration, h.ServeOpenIDConfiguration)
}

// ServeAuthorization handles the authorization endpoint. GET carries the
// request in the query string; POST carries it as form data.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oidc.http.authorize")
		defer span.End()
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	req := &server.AuthorizeRequest{
		ResponseType:        r.FormValue("response_type"),
		ClientID:            r.FormValue("client_id"),
		RedirectURI:         r.FormValue("redirect_uri"),
		Scope:               r.FormValue("scope"),
		State:               r.FormValue("state"),
		Nonce:               r.FormValue("nonce"),
		CodeChallenge:       r.FormValue("code_challenge"),
		CodeChallengeMethod: r.FormValue("code_challenge_method"),
		Prompt:              r.FormValue("prompt"),
		Resources:           r.Form["resource"],
		Subject:             h.subject(r),
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
		attribute.Bool(instrumentation.AttrPKCEPresent, req.CodeChallenge != ""),
	)

	result, oauthErr := h.server.Authorize(ctx, req)
	if oauthErr != nil {
		h.recordHTTPMetrics(ctx, "authorize", r.Method, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.writeOAuthError(w, oauthErr)
		return
	}

	if result.Status == server.StatusConsentRequired {
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusOK, startTime)
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrConsentStatus, result.Status))
		instrumentation.SetSpanSuccess(span)
		h.renderConsentRequired(w, r, req, result)
		return
	}

	h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)
	h.redirectWithCode(w, r, result.RedirectURI, result.Code, result.State)
}

// ServeConsent handles the consent decision callback from the consent UI
func (h *Handler) ServeConsent(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oidc.http.consent")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	req := &server.ConsentRequest{
		Subject:             h.subject(r),
		ClientID:            r.FormValue("client_id"),
		RedirectURI:         r.FormValue("redirect_uri"),
		State:               r.FormValue("state"),
		Nonce:               r.FormValue("nonce"),
		CodeChallenge:       r.FormValue("code_challenge"),
		CodeChallengeMethod: r.FormValue("code_challenge_method"),
		Scopes:              strings.Fields(r.FormValue("scope")),
		Resources:           r.Form["resource"],
		Approved:            r.FormValue("decision") == "approve",
		Remember:            r.FormValue("remember") == "true",
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID))

	result, oauthErr := h.server.Consent(ctx, req)
	if oauthErr != nil {
		h.recordHTTPMetrics(ctx, "consent", r.Method, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.writeOAuthError(w, oauthErr)
		return
	}

	h.recordHTTPMetrics(ctx, "consent", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)
	h.redirectWithCode(w, r, result.RedirectURI, result.Code, result.State)
}

// ServeToken handles the token endpoint for all grant types
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oidc.http.token")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientID, clientSecret := h.clientCredentials(r)

	req := &server.TokenRequest{
		GrantType:    r.FormValue("grant_type"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Code:         r.FormValue("code"),
		RedirectURI:  r.FormValue("redirect_uri"),
		CodeVerifier: r.FormValue("code_verifier"),
		RefreshToken: r.FormValue("refresh_token"),
		Username:     r.FormValue("username"),
		Password:     r.FormValue("password"),
		Scope:        r.FormValue("scope"),
		Resources:    r.Form["resource"],
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
	)

	result, oauthErr := h.server.Token(ctx, req)
	if oauthErr != nil {
		h.recordHTTPMetrics(ctx, "token", r.Method, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.writeOAuthError(w, oauthErr)
		return
	}

	h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, result)
}

// ServeUserInfo handles the OIDC userinfo endpoint
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oidc.http.userinfo")
		defer span.End()
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token, ok := h.bearerToken(r)
	if !ok {
		h.recordHTTPMetrics(ctx, "userinfo", r.Method, http.StatusUnauthorized, startTime)
		w.Header().Set("WWW-Authenticate", server.TokenType)
		h.writeError(w, server.ErrorCodeInvalidToken, "Missing bearer token", http.StatusUnauthorized)
		return
	}

	info, oauthErr := h.server.UserInfo(ctx, token)
	if oauthErr != nil {
		h.recordHTTPMetrics(ctx, "userinfo", r.Method, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, oauthErr.Code)
		w.Header().Set("WWW-Authenticate", server.TokenType)
		h.writeOAuthError(w, oauthErr)
		return
	}

	resp := UserInfoResponse{Claims: info}
	if sub, ok := info["sub"].(string); ok {
		resp.Subject = sub
	}

	h.recordHTTPMetrics(ctx, "userinfo", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeLogout handles RP-initiated logout
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	req := &server.LogoutRequest{
		Subject:               h.subject(r),
		ClientID:              r.FormValue("client_id"),
		PostLogoutRedirectURI: r.FormValue("post_logout_redirect_uri"),
		State:                 r.FormValue("state"),
	}

	redirect, oauthErr := h.server.Logout(ctx, req)
	if oauthErr != nil {
		h.writeOAuthError(w, oauthErr)
		return
	}

	if redirect == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	target, err := url.Parse(redirect)
	if err != nil {
		h.writeError(w, server.ErrorCodeServerError, "Invalid redirect target", http.StatusInternalServerError)
		return
	}
	if req.State != "" {
		q := target.Query()
		q.Set("state", req.State)
		target.RawQuery = q.Encode()
	}
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oidc.http.revocation")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	token := r.FormValue("token")

	if oauthErr := h.server.RevokeToken(ctx, clientID, clientSecret, token); oauthErr != nil {
		h.recordHTTPMetrics(ctx, "revoke", r.Method, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.writeOAuthError(w, oauthErr)
		return
	}

	// RFC 7009: revocation always returns 200 on success, even for unknown tokens
	h.recordHTTPMetrics(ctx, "revoke", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeJWKS serves the published JSON Web Key Set
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jwks, err := h.server.KeyRing().PublicJWKs(r.Context())
	if err != nil {
		h.logger.Error("Failed to load JWKS", "error", err)
		h.writeError(w, server.ErrorCodeServerError, "Failed to load key set", http.StatusInternalServerError)
		return
	}

	set := JSONWebKeySet{Keys: make([]JSONWebKey, 0, len(jwks))}
	for _, key := range jwks {
		set.Keys = append(set.Keys, JSONWebKey{
			Kty: key.Kty,
			Kid: key.Kid,
			Use: key.Use,
			Alg: key.Alg,
			N:   key.N,
			E:   key.E,
		})
	}

	// Key material is public and changes only on rotation; short caching is
	// safe and keeps verifier traffic off the server
	w.Header().Set("Cache-Control", "public, max-age=300")
	h.writeJSON(w, http.StatusOK, set)
}

// ServeOpenIDConfiguration serves the OIDC discovery document
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := strings.TrimSuffix(h.server.Config.Issuer, "/")

	grantTypes := []string{
		storage.GrantAuthorizationCode,
		storage.GrantRefreshToken,
		storage.GrantClientCredentials,
	}
	if h.server.Config.EnablePasswordGrant {
		grantTypes = append(grantTypes, storage.GrantPassword)
	}

	metadata := ProviderMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + PathAuthorize,
		TokenEndpoint:                     issuer + PathToken,
		UserInfoEndpoint:                  issuer + PathUserInfo,
		EndSessionEndpoint:                issuer + PathLogout,
		RevocationEndpoint:                issuer + PathRevocation,
		JWKSURI:                           issuer + PathJWKS,
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            []string{server.ResponseTypeCode},
		GrantTypesSupported:               grantTypes,
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{server.CodeChallengeMethodS256},
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	h.writeJSON(w, http.StatusOK, metadata)
}

// subject resolves the authenticated subject for front-channel requests
func (h *Handler) subject(r *http.Request) string {
	if h.ResolveSubject == nil {
		return ""
	}
	return h.ResolveSubject(r)
}

// clientCredentials extracts client credentials from HTTP Basic auth or the
// form body. Basic auth wins when both are present, per RFC 6749 §2.3.1.
func (h *Handler) clientCredentials(r *http.Request) (string, string) {
	if clientID, clientSecret, ok := r.BasicAuth(); ok {
		// Credentials are form-urlencoded inside Basic auth
		if id, err := url.QueryUnescape(clientID); err == nil {
			clientID = id
		}
		if secret, err := url.QueryUnescape(clientSecret); err == nil {
			clientSecret = secret
		}
		return clientID, clientSecret
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}

// bearerToken extracts the bearer token from the Authorization header
func (h *Handler) bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// redirectWithCode sends the front-channel redirect carrying the issued code
func (h *Handler) redirectWithCode(w http.ResponseWriter, r *http.Request, redirectURI, code, state string) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		// The redirect URI passed exact-match validation, so this is a
		// registration problem rather than a request problem
		h.logger.Error("Registered redirect URI failed to parse", "redirect_uri", redirectURI, "error", err)
		h.writeError(w, server.ErrorCodeServerError, "Invalid redirect target", http.StatusInternalServerError)
		return
	}

	q := target.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// renderConsentRequired hands the pending request to the consent UI: a
// redirect when ConsentURL is configured, otherwise a JSON payload for the
// embedding application to render
func (h *Handler) renderConsentRequired(w http.ResponseWriter, r *http.Request, req *server.AuthorizeRequest, result *server.AuthorizeResult) {
	if h.ConsentURL != "" {
		target, err := url.Parse(h.ConsentURL)
		if err != nil {
			h.writeError(w, server.ErrorCodeServerError, "Invalid consent URL", http.StatusInternalServerError)
			return
		}
		q := target.Query()
		q.Set("client_id", req.ClientID)
		q.Set("redirect_uri", req.RedirectURI)
		q.Set("scope", strings.Join(result.Scopes, " "))
		q.Set("state", req.State)
		q.Set("nonce", req.Nonce)
		q.Set("code_challenge", req.CodeChallenge)
		q.Set("code_challenge_method", req.CodeChallengeMethod)
		target.RawQuery = q.Encode()
		http.Redirect(w, r, target.String(), http.StatusFound)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":      server.StatusConsentRequired,
		"client_id":   req.ClientID,
		"client_name": result.Client.ClientName,
		"scope":       strings.Join(result.Scopes, " "),
		"state":       req.State,
	})
}

// writeTokenResponse renders the successful token endpoint response
func (h *Handler) writeTokenResponse(w http.ResponseWriter, result *server.TokenResult) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  result.AccessToken,
		TokenType:    result.TokenType,
		ExpiresIn:    result.ExpiresIn,
		RefreshToken: result.RefreshToken,
		IDToken:      result.IDToken,
		Scope:        result.Scope,
	})
}

// writeOAuthError renders a protocol error from the engine
func (h *Handler) writeOAuthError(w http.ResponseWriter, oauthErr *server.Error) {
	h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", server.TokenType)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// recordHTTPMetrics records request count and duration for one endpoint
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status,
		float64(time.Since(startTime).Milliseconds()))
}
