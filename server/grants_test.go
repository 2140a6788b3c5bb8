package server

import (
	"context"
	"testing"
	"time"

	"github.com/giantswarm/oidc-server/policy"
	"github.com/giantswarm/oidc-server/storage"
)

// issueCodeViaConsent runs the front-channel flow and returns the code
func issueCodeViaConsent(t *testing.T, srv *Server, client *storage.Client, scopes []string) string {
	t.Helper()

	result, oauthErr := srv.Consent(context.Background(), &ConsentRequest{
		Subject:             testSubject,
		ClientID:            client.ClientID,
		RedirectURI:         testRedirect,
		CodeChallenge:       challengeFor(testVerifier),
		CodeChallengeMethod: CodeChallengeMethodS256,
		Scopes:              scopes,
		Approved:            true,
		Remember:            true,
	})
	if oauthErr != nil {
		t.Fatalf("Consent() error = %v", oauthErr)
	}
	return result.Code
}

func codeTokenRequest(client *storage.Client, code string) *TokenRequest {
	return &TokenRequest{
		GrantType:    storage.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		Code:         code,
		RedirectURI:  testRedirect,
		CodeVerifier: testVerifier,
	}
}

func TestToken_UnsupportedGrantType(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedPublicClient(t, store)

	// The grant allow-list rule fires before the dispatch default, so use a
	// client that allows nothing in particular
	client.GrantTypes = append(client.GrantTypes, "urn:example:custom")
	_ = store.SaveClient(context.Background(), client)

	_, oauthErr := srv.Token(context.Background(), &TokenRequest{
		GrantType: "urn:example:custom",
		ClientID:  client.ClientID,
	})
	if oauthErr == nil || oauthErr.Code != ErrorCodeUnsupportedGrantType {
		t.Errorf("error = %v, want unsupported_grant_type", oauthErr)
	}
}

func TestToken_GrantNotAllowed(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedConfidentialClient(t, store, []string{storage.GrantClientCredentials})

	_, oauthErr := srv.Token(context.Background(), &TokenRequest{
		GrantType:    storage.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		ClientSecret: testSecret,
		Code:         "whatever",
		RedirectURI:  testRedirect,
	})
	if oauthErr == nil || oauthErr.Code != ErrorCodeUnauthorizedClient {
		t.Errorf("error = %v, want unauthorized_client", oauthErr)
	}
	if oauthErr.RuleCode != RuleGrantNotAllowed {
		t.Errorf("RuleCode = %q, want %q", oauthErr.RuleCode, RuleGrantNotAllowed)
	}
}

func TestToken_CodeExchange(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedPublicClient(t, store)
	code := issueCodeViaConsent(t, srv, client, []string{"openid", "profile"})

	result, oauthErr := srv.Token(context.Background(), codeTokenRequest(client, code))
	if oauthErr != nil {
		t.Fatalf("Token() error = %v", oauthErr)
	}

	if result.AccessToken == "" {
		t.Error("AccessToken should not be empty")
	}
	if result.TokenType != TokenType {
		t.Errorf("TokenType = %q, want %q", result.TokenType, TokenType)
	}
	if result.ExpiresIn != int64(policy.DefaultAccessTokenTTL.Seconds()) {
		t.Errorf("ExpiresIn = %d, want %d", result.ExpiresIn, int64(policy.DefaultAccessTokenTTL.Seconds()))
	}
	if result.RefreshToken == "" {
		t.Error("RefreshToken should be issued, client allows refresh_token")
	}
	if result.IDToken == "" {
		t.Error("IDToken should be issued for the openid scope")
	}
	if result.Scope != "openid profile" {
		t.Errorf("Scope = %q, want %q", result.Scope, "openid profile")
	}
}

func TestToken_CodeExchangeWithoutOpenID(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedPublicClient(t, store)
	code := issueCodeViaConsent(t, srv, client, []string{"profile"})

	result, oauthErr := srv.Token(context.Background(), codeTokenRequest(client, code))
	if oauthErr != nil {
		t.Fatalf("Token() error = %v", oauthErr)
	}
	if result.IDToken != "" {
		t.Error("no IDToken should be issued without the openid scope")
	}
}

func TestToken_CodeReplayRevokesPair(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedPublicClient(t, store)
	ctx := context.Background()
	code := issueCodeViaConsent(t, srv, client, []string{"openid"})

	first, oauthErr := srv.Token(ctx, codeTokenRequest(client, code))
	if oauthErr != nil {
		t.Fatalf("first exchange error = %v", oauthErr)
	}

	// Replaying the code must fail and invalidate everything the first
	// exchange handed out
	_, oauthErr = srv.Token(ctx, codeTokenRequest(client, code))
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("error = %v, want invalid_grant", oauthErr)
	}

	record, err := store.GetToken(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if record.Status != storage.TokenStatusRevoked {
		t.Errorf("refresh token status = %q, want revoked after code replay", record.Status)
	}
}

func TestToken_CodeIssuedToDifferentClient(t *testing.T) {
	srv, store, _ := newTestServer(t)
	spa := seedPublicClient(t, store)
	other := seedConfidentialClient(t, store, []string{storage.GrantAuthorizationCode})
	code := issueCodeViaConsent(t, srv, spa, []string{"openid"})

	req := codeTokenRequest(other, code)
	req.ClientSecret = testSecret

	_, oauthErr := srv.Token(context.Background(), req)
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("error = %v, want invalid_grant", oauthErr)
	}
}

func TestToken_RedirectMismatch(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedPublicClient(t, store)
	code := issueCodeViaConsent(t, srv, client, []string{"openid"})

	req := codeTokenRequest(client, code)
	req.RedirectURI = testRedirect + "/"

	_, oauthErr := srv.Token(context.Background(), req)
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("error = %v, want invalid_grant", oauthErr)
	}
}

func TestToken_PKCEWrongVerifier(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedPublicClient(t, store)
	code := issueCodeViaConsent(t, srv, client, []string{"openid"})

	req := codeTokenRequest(client, code)
	req.CodeVerifier = "wrong-verifier-wrong-verifier-wrong-verifier-wrong"

	_, oauthErr := srv.Token(context.Background(), req)
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("error = %v, want invalid_grant", oauthErr)
	}
}

func TestToken_ChallengelessCodeForPKCEClient(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedPublicClient(t, store)
	ctx := context.Background()

	// A challenge-less code must never be exchangeable by a PKCE-required
	// client, however it came to exist
	now := time.Now()
	err := store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:        "smuggled-code",
		ClientID:    client.ClientID,
		Subject:     testSubject,
		RedirectURI: testRedirect,
		Scopes:      []string{"openid"},
		CreatedAt:   now,
		ExpiresAt:   now.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	req := codeTokenRequest(client, "smuggled-code")
	req.CodeVerifier = ""

	_, oauthErr := srv.Token(ctx, req)
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("error = %v, want invalid_grant", oauthErr)
	}
}

func TestToken_RefreshRotation(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedPublicClient(t, store)
	ctx := context.Background()
	code := issueCodeViaConsent(t, srv, client, []string{"openid", "profile"})

	first, oauthErr := srv.Token(ctx, codeTokenRequest(client, code))
	if oauthErr != nil {
		t.Fatalf("exchange error = %v", oauthErr)
	}

	refreshed, oauthErr := srv.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantRefreshToken,
		ClientID:     client.ClientID,
		RefreshToken: first.RefreshToken,
	})
	if oauthErr != nil {
		t.Fatalf("refresh error = %v", oauthErr)
	}

	if refreshed.RefreshToken == "" || refreshed.RefreshToken == first.RefreshToken {
		t.Error("rotation must issue a new refresh token")
	}

	old, err := store.GetToken(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if old.Status != storage.TokenStatusRedeemed {
		t.Errorf("old refresh status = %q, want redeemed", old.Status)
	}
}

func TestToken_RefreshReplayWithinLeeway(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedPublicClient(t, store)
	ctx := context.Background()
	code := issueCodeViaConsent(t, srv, client, []string{"openid"})

	first, oauthErr := srv.Token(ctx, codeTokenRequest(client, code))
	if oauthErr != nil {
		t.Fatalf("exchange error = %v", oauthErr)
	}

	refreshed, oauthErr := srv.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantRefreshToken,
		ClientID:     client.ClientID,
		RefreshToken: first.RefreshToken,
	})
	if oauthErr != nil {
		t.Fatalf("refresh error = %v", oauthErr)
	}

	// An immediate replay is a benign client retry: rejected, but the
	// successor token must survive
	_, oauthErr = srv.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantRefreshToken,
		ClientID:     client.ClientID,
		RefreshToken: first.RefreshToken,
	})
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("error = %v, want invalid_grant", oauthErr)
	}

	successor, err := store.GetToken(ctx, refreshed.RefreshToken)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if successor.Status != storage.TokenStatusValid {
		t.Errorf("successor status = %q, benign retry must not cascade", successor.Status)
	}
}

func TestToken_RefreshReplayOutsideLeewayCascades(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedPublicClient(t, store)
	ctx := context.Background()
	code := issueCodeViaConsent(t, srv, client, []string{"openid"})

	first, oauthErr := srv.Token(ctx, codeTokenRequest(client, code))
	if oauthErr != nil {
		t.Fatalf("exchange error = %v", oauthErr)
	}

	base := time.Now()
	srv.now = func() time.Time { return base }

	refreshed, oauthErr := srv.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantRefreshToken,
		ClientID:     client.ClientID,
		RefreshToken: first.RefreshToken,
	})
	if oauthErr != nil {
		t.Fatalf("refresh error = %v", oauthErr)
	}

	// Replay well outside the leeway window is treated as theft
	srv.now = func() time.Time { return base.Add(policy.DefaultReuseLeeway + time.Minute) }

	_, oauthErr = srv.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantRefreshToken,
		ClientID:     client.ClientID,
		RefreshToken: first.RefreshToken,
	})
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("error = %v, want invalid_grant", oauthErr)
	}

	successor, err := store.GetToken(ctx, refreshed.RefreshToken)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if successor.Status != storage.TokenStatusRevoked {
		t.Errorf("successor status = %q, want revoked by the remediation cascade", successor.Status)
	}
}

func TestToken_RefreshClientMismatch(t *testing.T) {
	srv, store, _ := newTestServer(t)
	spa := seedPublicClient(t, store)
	other := seedConfidentialClient(t, store, []string{storage.GrantRefreshToken})
	ctx := context.Background()
	code := issueCodeViaConsent(t, srv, spa, []string{"openid"})

	first, oauthErr := srv.Token(ctx, codeTokenRequest(spa, code))
	if oauthErr != nil {
		t.Fatalf("exchange error = %v", oauthErr)
	}

	_, oauthErr = srv.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantRefreshToken,
		ClientID:     other.ClientID,
		ClientSecret: testSecret,
		RefreshToken: first.RefreshToken,
	})
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("error = %v, want invalid_grant", oauthErr)
	}
}

func TestToken_RefreshScopeNarrowing(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedPublicClient(t, store)
	ctx := context.Background()
	code := issueCodeViaConsent(t, srv, client, []string{"openid", "profile"})

	first, oauthErr := srv.Token(ctx, codeTokenRequest(client, code))
	if oauthErr != nil {
		t.Fatalf("exchange error = %v", oauthErr)
	}

	narrowed, oauthErr := srv.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantRefreshToken,
		ClientID:     client.ClientID,
		RefreshToken: first.RefreshToken,
		Scope:        "openid",
	})
	if oauthErr != nil {
		t.Fatalf("refresh error = %v", oauthErr)
	}
	if narrowed.Scope != "openid" {
		t.Errorf("Scope = %q, want %q", narrowed.Scope, "openid")
	}

	// Widening beyond the original grant must fail
	_, oauthErr = srv.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantRefreshToken,
		ClientID:     client.ClientID,
		RefreshToken: narrowed.RefreshToken,
		Scope:        "openid profile email",
	})
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidScope {
		t.Errorf("error = %v, want invalid_scope", oauthErr)
	}
}

func TestToken_RefreshAbsoluteCeilingSurvivesRotation(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedPublicClient(t, store)
	ctx := context.Background()
	code := issueCodeViaConsent(t, srv, client, []string{"openid"})

	first, oauthErr := srv.Token(ctx, codeTokenRequest(client, code))
	if oauthErr != nil {
		t.Fatalf("exchange error = %v", oauthErr)
	}

	original, err := store.GetToken(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}

	refreshed, oauthErr := srv.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantRefreshToken,
		ClientID:     client.ClientID,
		RefreshToken: first.RefreshToken,
	})
	if oauthErr != nil {
		t.Fatalf("refresh error = %v", oauthErr)
	}

	successor, err := store.GetToken(ctx, refreshed.RefreshToken)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if !successor.AbsoluteExpiresAt.Equal(original.AbsoluteExpiresAt) {
		t.Errorf("AbsoluteExpiresAt = %v, want inherited %v",
			successor.AbsoluteExpiresAt, original.AbsoluteExpiresAt)
	}
}

func TestToken_RefreshExpiredCeiling(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedPublicClient(t, store)
	ctx := context.Background()

	now := time.Now()
	err := store.SaveToken(ctx, &storage.Token{
		ID:                "stale-refresh",
		Kind:              storage.TokenKindRefresh,
		Subject:           testSubject,
		ClientID:          client.ClientID,
		Scopes:            []string{"openid"},
		IssuedAt:          now.Add(-time.Hour),
		ExpiresAt:         now.Add(time.Hour),
		AbsoluteExpiresAt: now.Add(-time.Minute), // chain ceiling already passed
		Status:            storage.TokenStatusValid,
	})
	if err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	_, oauthErr := srv.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantRefreshToken,
		ClientID:     client.ClientID,
		RefreshToken: "stale-refresh",
	})
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("error = %v, want invalid_grant", oauthErr)
	}
}

func TestToken_RefreshSlidingToleratesClockSkew(t *testing.T) {
	snapshot := policy.DefaultSnapshot()
	snapshot.RefreshRotationEnabled = false
	snapshot.RefreshReuseDetectionEnabled = false

	srv, store, _ := newTestServerWithPolicy(t, snapshot)
	client := seedPublicClient(t, store)
	ctx := context.Background()

	// Expiry slightly in the past, inside the configured skew window: a
	// clock drifted ahead of the issuer must not cause a false rejection
	now := time.Now()
	err := store.SaveToken(ctx, &storage.Token{
		ID:                "drifted-refresh",
		Kind:              storage.TokenKindRefresh,
		Subject:           testSubject,
		ClientID:          client.ClientID,
		Scopes:            []string{"openid"},
		IssuedAt:          now.Add(-time.Hour),
		ExpiresAt:         now.Add(-2 * time.Second),
		AbsoluteExpiresAt: now.Add(24 * time.Hour),
		Status:            storage.TokenStatusValid,
	})
	if err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	if _, oauthErr := srv.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantRefreshToken,
		ClientID:     client.ClientID,
		RefreshToken: "drifted-refresh",
	}); oauthErr != nil {
		t.Errorf("redemption inside the skew window failed: %v", oauthErr)
	}
}

func TestToken_RefreshRotationDisabled(t *testing.T) {
	snapshot := policy.DefaultSnapshot()
	snapshot.RefreshRotationEnabled = false
	snapshot.RefreshReuseDetectionEnabled = false

	srv, store, _ := newTestServerWithPolicy(t, snapshot)
	client := seedPublicClient(t, store)
	ctx := context.Background()
	code := issueCodeViaConsent(t, srv, client, []string{"openid"})

	first, oauthErr := srv.Token(ctx, codeTokenRequest(client, code))
	if oauthErr != nil {
		t.Fatalf("exchange error = %v", oauthErr)
	}

	before, err := store.GetToken(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}

	base := time.Now()
	srv.now = func() time.Time { return base.Add(time.Hour) }

	refreshed, oauthErr := srv.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantRefreshToken,
		ClientID:     client.ClientID,
		RefreshToken: first.RefreshToken,
	})
	if oauthErr != nil {
		t.Fatalf("refresh error = %v", oauthErr)
	}
	if refreshed.RefreshToken != first.RefreshToken {
		t.Error("sliding-window mode must return the same refresh token")
	}

	after, err := store.GetToken(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if !after.ExpiresAt.After(before.ExpiresAt) {
		t.Errorf("expiry did not slide: %v -> %v", before.ExpiresAt, after.ExpiresAt)
	}
	if after.Status != storage.TokenStatusValid {
		t.Errorf("status = %q, want valid (reuse is the intended behavior)", after.Status)
	}

	// A second redemption is allowed
	if _, oauthErr := srv.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantRefreshToken,
		ClientID:     client.ClientID,
		RefreshToken: first.RefreshToken,
	}); oauthErr != nil {
		t.Errorf("second redemption error = %v, want success", oauthErr)
	}
}

func TestToken_ClientCredentials(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedConfidentialClient(t, store, []string{storage.GrantClientCredentials})
	ctx := context.Background()

	result, oauthErr := srv.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantClientCredentials,
		ClientID:     client.ClientID,
		ClientSecret: testSecret,
		Scope:        "openid api:read",
	})
	if oauthErr != nil {
		t.Fatalf("Token() error = %v", oauthErr)
	}

	if result.AccessToken == "" {
		t.Error("AccessToken should not be empty")
	}
	if result.RefreshToken != "" {
		t.Error("client_credentials must not issue a refresh token")
	}
	if result.IDToken != "" {
		t.Error("client_credentials must not issue an ID token")
	}
}

func TestToken_ClientCredentialsPublicClient(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedPublicClient(t, store)
	client.GrantTypes = append(client.GrantTypes, storage.GrantClientCredentials)
	_ = store.SaveClient(context.Background(), client)

	_, oauthErr := srv.Token(context.Background(), &TokenRequest{
		GrantType: storage.GrantClientCredentials,
		ClientID:  client.ClientID,
	})
	if oauthErr == nil || oauthErr.Code != ErrorCodeUnauthorizedClient {
		t.Errorf("error = %v, want unauthorized_client", oauthErr)
	}
}

func TestToken_PasswordGrant(t *testing.T) {
	srv, store, _ := newTestServer(t)
	srv.Config.EnablePasswordGrant = true

	client := seedConfidentialClient(t, store, []string{storage.GrantPassword, storage.GrantRefreshToken})
	client.Integration = true
	client.PasswordScopes = []string{"api:read"}
	_ = store.SaveClient(context.Background(), client)
	ctx := context.Background()

	t.Run("valid credentials", func(t *testing.T) {
		result, oauthErr := srv.Token(ctx, &TokenRequest{
			GrantType:    storage.GrantPassword,
			ClientID:     client.ClientID,
			ClientSecret: testSecret,
			Username:     testSubject,
			Password:     testUserPasswd,
			Scope:        "api:read",
		})
		if oauthErr != nil {
			t.Fatalf("Token() error = %v", oauthErr)
		}
		if result.AccessToken == "" {
			t.Error("AccessToken should not be empty")
		}
		if result.RefreshToken == "" {
			t.Error("password grant should issue a refresh token for this client")
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		_, oauthErr := srv.Token(ctx, &TokenRequest{
			GrantType:    storage.GrantPassword,
			ClientID:     client.ClientID,
			ClientSecret: testSecret,
			Username:     testSubject,
			Password:     "wrong",
			Scope:        "api:read",
		})
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
			t.Errorf("error = %v, want invalid_grant", oauthErr)
		}
	})

	t.Run("scope outside allow-list", func(t *testing.T) {
		_, oauthErr := srv.Token(ctx, &TokenRequest{
			GrantType:    storage.GrantPassword,
			ClientID:     client.ClientID,
			ClientSecret: testSecret,
			Username:     testSubject,
			Password:     testUserPasswd,
			Scope:        "api:write",
		})
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidScope {
			t.Fatalf("error = %v, want invalid_scope", oauthErr)
		}
		if oauthErr.RuleCode != RulePasswordScopeRestricted {
			t.Errorf("RuleCode = %q, want %q", oauthErr.RuleCode, RulePasswordScopeRestricted)
		}
	})
}

func TestToken_PasswordGrantDisabled(t *testing.T) {
	srv, store, _ := newTestServer(t)

	client := seedConfidentialClient(t, store, []string{storage.GrantPassword})
	client.Integration = true
	client.PasswordScopes = []string{"api:read"}
	_ = store.SaveClient(context.Background(), client)

	_, oauthErr := srv.Token(context.Background(), &TokenRequest{
		GrantType:    storage.GrantPassword,
		ClientID:     client.ClientID,
		ClientSecret: testSecret,
		Username:     testSubject,
		Password:     testUserPasswd,
	})
	if oauthErr == nil || oauthErr.Code != ErrorCodeUnsupportedGrantType {
		t.Errorf("error = %v, want unsupported_grant_type", oauthErr)
	}
}

func TestToken_PasswordGrantNonIntegrationClient(t *testing.T) {
	srv, store, _ := newTestServer(t)
	srv.Config.EnablePasswordGrant = true

	client := seedConfidentialClient(t, store, []string{storage.GrantPassword})

	_, oauthErr := srv.Token(context.Background(), &TokenRequest{
		GrantType:    storage.GrantPassword,
		ClientID:     client.ClientID,
		ClientSecret: testSecret,
		Username:     testSubject,
		Password:     testUserPasswd,
	})
	if oauthErr == nil || oauthErr.Code != ErrorCodeUnauthorizedClient {
		t.Fatalf("error = %v, want unauthorized_client", oauthErr)
	}
	if oauthErr.RuleCode != RulePasswordRestricted {
		t.Errorf("RuleCode = %q, want %q", oauthErr.RuleCode, RulePasswordRestricted)
	}
}

func TestNarrowScopes(t *testing.T) {
	granted := []string{"openid", "profile", "email"}

	tests := []struct {
		name      string
		requested string
		want      int
		wantErr   bool
	}{
		{"empty keeps the full grant", "", 3, false},
		{"subset narrows", "openid email", 2, false},
		{"superset rejected", "openid admin", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scopes, oauthErr := narrowScopes(granted, tt.requested)
			if tt.wantErr {
				if oauthErr == nil {
					t.Fatal("narrowScopes() should return error")
				}
				return
			}
			if oauthErr != nil {
				t.Fatalf("narrowScopes() error = %v", oauthErr)
			}
			if len(scopes) != tt.want {
				t.Errorf("len(scopes) = %d, want %d", len(scopes), tt.want)
			}
		})
	}
}
