package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-server/keyring"
	"github.com/giantswarm/oidc-server/policy"
	"github.com/giantswarm/oidc-server/server"
	"github.com/giantswarm/oidc-server/storage"
	"github.com/giantswarm/oidc-server/storage/memory"
	"github.com/giantswarm/oidc-server/users"
	"github.com/giantswarm/oidc-server/users/mock"
)

const (
	testIssuer   = "https://auth.example.com"
	testSubject  = "user-1"
	testRedirect = "https://app.example.com/callback"
	testSecret   = "backend-secret"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

// newTestHandler wires a full engine against in-memory backends, with every
// request resolving to an authenticated test subject.
func newTestHandler(t *testing.T) (*Handler, *memory.Store) {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	t.Cleanup(store.Stop)

	userStore := mock.New()
	userStore.AddUser(&users.User{
		Subject: testSubject,
		Active:  true,
		Claims:  map[string]any{"email": "user@example.com"},
	}, "resource-owner-password")

	policies, err := policy.NewStore(policy.DefaultSnapshot(), nil)
	if err != nil {
		t.Fatalf("policy.NewStore() error = %v", err)
	}

	ring, err := keyring.New(keyring.NewMemoryKeyStore(), keyring.Config{KeySize: 1024}, nil)
	if err != nil {
		t.Fatalf("keyring.New() error = %v", err)
	}
	if err := ring.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	srv, err := server.New(server.Stores{
		Clients:        store,
		Authorizations: store,
		Tokens:         store,
		Codes:          store,
		Revocations:    store,
	}, userStore, policies, ring, &server.Config{
		Issuer:          testIssuer,
		SupportedScopes: []string{"openid", "profile", "email", "api:read"},
	}, nil)
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(testSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt error = %v", err)
	}
	seed := []*storage.Client{
		{
			ClientID:     "spa-client",
			ClientType:   storage.ClientTypePublic,
			ClientName:   "Test SPA",
			RedirectURIs: []string{testRedirect},
			GrantTypes:   []string{storage.GrantAuthorizationCode, storage.GrantRefreshToken},
			RequirePKCE:  true,
			Enabled:      true,
		},
		{
			ClientID:         "backend-client",
			ClientSecretHash: string(hash),
			ClientType:       storage.ClientTypeConfidential,
			ClientName:       "Test Backend",
			GrantTypes:       []string{storage.GrantClientCredentials},
			Enabled:          true,
		},
	}
	for _, client := range seed {
		if err := store.SaveClient(ctx, client); err != nil {
			t.Fatalf("SaveClient(%s) error = %v", client.ClientID, err)
		}
	}

	h := NewHandler(srv, nil)
	h.ResolveSubject = func(r *http.Request) string { return testSubject }
	return h, store
}

func newTestMux(t *testing.T) (*http.ServeMux, *memory.Store) {
	t.Helper()
	h, store := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux, store
}

func challengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func postForm(mux *http.ServeMux, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestServeOpenIDConfiguration(t *testing.T) {
	mux, _ := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, PathOpenIDConfiguration, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "max-age") {
		t.Errorf("Cache-Control = %q, want caching enabled", cc)
	}

	var doc ProviderMetadata
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if doc.Issuer != testIssuer {
		t.Errorf("issuer = %q, want %q", doc.Issuer, testIssuer)
	}
	if doc.AuthorizationEndpoint != testIssuer+PathAuthorize {
		t.Errorf("authorization_endpoint = %q", doc.AuthorizationEndpoint)
	}
	if doc.TokenEndpoint != testIssuer+PathToken {
		t.Errorf("token_endpoint = %q", doc.TokenEndpoint)
	}
	if doc.JWKSURI != testIssuer+PathJWKS {
		t.Errorf("jwks_uri = %q", doc.JWKSURI)
	}
	if len(doc.CodeChallengeMethodsSupported) != 1 || doc.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v, want [S256]", doc.CodeChallengeMethodsSupported)
	}
	for _, grant := range doc.GrantTypesSupported {
		if grant == storage.GrantPassword {
			t.Error("password grant advertised while disabled")
		}
	}
}

func TestServeJWKS(t *testing.T) {
	mux, _ := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, PathJWKS, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "max-age=300") {
		t.Errorf("Cache-Control = %q, want short public caching", cc)
	}

	var set JSONWebKeySet
	if err := json.NewDecoder(rec.Body).Decode(&set); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("len(keys) = %d, want 1", len(set.Keys))
	}
	key := set.Keys[0]
	if key.Kty != "RSA" || key.Use != "sig" || key.Alg != "RS256" || key.Kid == "" {
		t.Errorf("key = %+v, want RSA/sig/RS256 with a kid", key)
	}
}

// TestAuthorizationCodeFlow walks a browser client through the full
// front-channel and back-channel sequence: authorize, consent, token
// exchange, userinfo.
func TestAuthorizationCodeFlow(t *testing.T) {
	mux, _ := newTestMux(t)
	challenge := challengeFor(testVerifier)

	// Step 1: the authorization request needs consent first
	authorizeURL := PathAuthorize + "?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {"spa-client"},
		"redirect_uri":          {testRedirect},
		"scope":                 {"openid email"},
		"state":                 {"xyz-state"},
		"nonce":                 {"n-abc"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}.Encode()

	req := httptest.NewRequest(http.MethodGet, authorizeURL, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("authorize status = %d, want 200 consent payload, body: %s", rec.Code, rec.Body)
	}
	var pending map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&pending); err != nil {
		t.Fatalf("decode consent payload: %v", err)
	}
	if pending["status"] != server.StatusConsentRequired {
		t.Fatalf("status = %v, want %q", pending["status"], server.StatusConsentRequired)
	}
	if pending["client_name"] != "Test SPA" {
		t.Errorf("client_name = %v", pending["client_name"])
	}

	// Step 2: the consent UI posts the approval back
	rec = postForm(mux, PathConsent, url.Values{
		"client_id":             {"spa-client"},
		"redirect_uri":          {testRedirect},
		"scope":                 {"openid email"},
		"state":                 {"xyz-state"},
		"nonce":                 {"n-abc"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"decision":              {"approve"},
		"remember":              {"true"},
	})
	if rec.Code != http.StatusFound {
		t.Fatalf("consent status = %d, want 302, body: %s", rec.Code, rec.Body)
	}

	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if got := location.Scheme + "://" + location.Host + location.Path; got != testRedirect {
		t.Fatalf("redirect target = %q, want %q", got, testRedirect)
	}
	code := location.Query().Get("code")
	if code == "" {
		t.Fatal("redirect is missing the authorization code")
	}
	if location.Query().Get("state") != "xyz-state" {
		t.Errorf("state = %q, want round-tripped", location.Query().Get("state"))
	}

	// Step 3: redeem the code at the token endpoint
	rec = postForm(mux, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"spa-client"},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"code_verifier": {testVerifier},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body: %s", rec.Code, rec.Body)
	}

	var tokens TokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&tokens); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if tokens.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", tokens.TokenType)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" || tokens.IDToken == "" {
		t.Fatalf("incomplete token response: %+v", tokens)
	}

	// Step 4: the access token opens userinfo
	req = httptest.NewRequest(http.MethodGet, PathUserInfo, nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("userinfo status = %d, body: %s", rec.Code, rec.Body)
	}
	var info map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode userinfo: %v", err)
	}
	if info["sub"] != testSubject {
		t.Errorf("sub = %v, want %q", info["sub"], testSubject)
	}
}

func TestServeToken_ClientCredentialsBasicAuth(t *testing.T) {
	mux, _ := newTestMux(t)

	form := url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"api:read"},
	}
	req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("backend-client", testSecret)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body)
	}
	var tokens TokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&tokens); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if tokens.AccessToken == "" {
		t.Error("missing access token")
	}
	if tokens.RefreshToken != "" || tokens.IDToken != "" {
		t.Error("machine grant must not issue refresh or ID tokens")
	}
}

func TestServeToken_InvalidClientSecret(t *testing.T) {
	mux, _ := newTestMux(t)

	form := url.Values{"grant_type": {"client_credentials"}}
	req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("backend-client", "wrong")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 must carry WWW-Authenticate")
	}
	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body.Error != server.ErrorCodeInvalidClient {
		t.Errorf("error = %q, want invalid_client", body.Error)
	}
}

func TestServeToken_MethodNotAllowed(t *testing.T) {
	mux, _ := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, PathToken, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestServeUserInfo_MissingBearer(t *testing.T) {
	mux, _ := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, PathUserInfo, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 must carry WWW-Authenticate")
	}
}

func TestServeTokenRevocation_AlwaysOKForUnknownToken(t *testing.T) {
	mux, _ := newTestMux(t)

	form := url.Values{"token": {"nobody-has-seen-this-token"}}
	req := httptest.NewRequest(http.MethodPost, PathRevocation, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("backend-client", testSecret)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for unknown token", rec.Code)
	}
}

func TestServeLogout(t *testing.T) {
	mux, _ := newTestMux(t)

	t.Run("no redirect requested", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, PathLogout, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rec.Code)
		}
	})

	t.Run("registered redirect with state", func(t *testing.T) {
		target := PathLogout + "?" + url.Values{
			"client_id":                {"spa-client"},
			"post_logout_redirect_uri": {testRedirect},
			"state":                    {"after-logout"},
		}.Encode()
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusFound {
			t.Fatalf("status = %d, want 302, body: %s", rec.Code, rec.Body)
		}
		location, err := url.Parse(rec.Header().Get("Location"))
		if err != nil {
			t.Fatalf("parse Location: %v", err)
		}
		if location.Query().Get("state") != "after-logout" {
			t.Errorf("state = %q, want round-tripped", location.Query().Get("state"))
		}
	})

	t.Run("unregistered redirect rejected", func(t *testing.T) {
		target := PathLogout + "?" + url.Values{
			"client_id":                {"spa-client"},
			"post_logout_redirect_uri": {"https://evil.example.com/"},
		}.Encode()
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestServeAuthorization_ErrorIsJSON(t *testing.T) {
	mux, _ := newTestMux(t)

	// Unknown client must never be redirected to; the error renders directly
	target := PathAuthorize + "?" + url.Values{
		"response_type": {"code"},
		"client_id":     {"ghost"},
		"redirect_uri":  {testRedirect},
	}.Encode()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body.Error != server.ErrorCodeInvalidClient {
		t.Errorf("error = %q, want invalid_client", body.Error)
	}
}

func TestRenderConsentRequired_RedirectsToConsentURL(t *testing.T) {
	h, _ := newTestHandler(t)
	h.ConsentURL = "https://auth.example.com/ui/consent"
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	target := PathAuthorize + "?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {"spa-client"},
		"redirect_uri":          {testRedirect},
		"scope":                 {"openid"},
		"code_challenge":        {challengeFor(testVerifier)},
		"code_challenge_method": {"S256"},
	}.Encode()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302 to consent UI, body: %s", rec.Code, rec.Body)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if !strings.HasPrefix(location.String(), h.ConsentURL) {
		t.Fatalf("Location = %q, want the consent UI", location)
	}
	if location.Query().Get("client_id") != "spa-client" {
		t.Error("pending request not carried to the consent UI")
	}
}
