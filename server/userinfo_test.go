package server

import (
	"context"
	"testing"

	"github.com/giantswarm/oidc-server/storage"
)

// issueAccessToken runs the full flow and returns the signed access token
func issueAccessToken(t *testing.T, srv *Server, client *storage.Client, scopes []string) *TokenResult {
	t.Helper()
	code := issueCodeViaConsent(t, srv, client, scopes)
	result, oauthErr := srv.Token(context.Background(), codeTokenRequest(client, code))
	if oauthErr != nil {
		t.Fatalf("Token() error = %v", oauthErr)
	}
	return result
}

func TestVerifyAccessToken(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedPublicClient(t, store)
	result := issueAccessToken(t, srv, client, []string{"openid", "profile"})

	claims, oauthErr := srv.VerifyAccessToken(context.Background(), result.AccessToken)
	if oauthErr != nil {
		t.Fatalf("VerifyAccessToken() error = %v", oauthErr)
	}
	if claims.Subject != testSubject {
		t.Errorf("Subject = %q, want %q", claims.Subject, testSubject)
	}
	if claims.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", claims.ClientID, client.ClientID)
	}
	if len(claims.Scopes) != 2 {
		t.Errorf("Scopes = %v, want 2 entries", claims.Scopes)
	}
	if claims.TokenID == "" {
		t.Error("TokenID should carry the jti")
	}
}

func TestVerifyAccessToken_Invalid(t *testing.T) {
	srv, store, _ := newTestServer(t)
	seedPublicClient(t, store)
	ctx := context.Background()

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"tampered", "eyJhbGciOiJSUzI1NiJ9.eyJzdWIiOiJ4In0.invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, oauthErr := srv.VerifyAccessToken(ctx, tt.token)
			if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidToken {
				t.Errorf("error = %v, want invalid_token", oauthErr)
			}
		})
	}
}

func TestVerifyAccessToken_RevokedRecord(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedPublicClient(t, store)
	result := issueAccessToken(t, srv, client, []string{"openid"})
	ctx := context.Background()

	claims, oauthErr := srv.VerifyAccessToken(ctx, result.AccessToken)
	if oauthErr != nil {
		t.Fatalf("VerifyAccessToken() error = %v", oauthErr)
	}
	if err := store.RevokeToken(ctx, claims.TokenID); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	// The signature is still valid but the record says revoked
	_, oauthErr = srv.VerifyAccessToken(ctx, result.AccessToken)
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidToken {
		t.Errorf("error = %v, want invalid_token after revocation", oauthErr)
	}
}

func TestUserInfo(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedPublicClient(t, store)
	result := issueAccessToken(t, srv, client, []string{"openid", "profile"})

	info, oauthErr := srv.UserInfo(context.Background(), result.AccessToken)
	if oauthErr != nil {
		t.Fatalf("UserInfo() error = %v", oauthErr)
	}
	if info["sub"] != testSubject {
		t.Errorf("sub = %v, want %q", info["sub"], testSubject)
	}
	if info["email"] != "user-1@example.com" {
		t.Errorf("email = %v, want released claim", info["email"])
	}
}

func TestUserInfo_MissingOpenIDScope(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := seedPublicClient(t, store)
	result := issueAccessToken(t, srv, client, []string{"profile"})

	_, oauthErr := srv.UserInfo(context.Background(), result.AccessToken)
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidToken {
		t.Errorf("error = %v, want invalid_token", oauthErr)
	}
}

func TestUserInfo_AnonymizedSubject(t *testing.T) {
	srv, store, userStore := newTestServer(t)
	client := seedPublicClient(t, store)
	result := issueAccessToken(t, srv, client, []string{"openid", "profile"})

	// Anonymize after issuance; the token still verifies but claims are
	// withheld from now on
	user, err := userStore.FindBySubject(context.Background(), testSubject)
	if err != nil {
		t.Fatalf("FindBySubject() error = %v", err)
	}
	user.Anonymized = true
	userStore.AddUser(user, "")

	info, oauthErr := srv.UserInfo(context.Background(), result.AccessToken)
	if oauthErr != nil {
		t.Fatalf("UserInfo() error = %v", oauthErr)
	}
	if info["sub"] != testSubject {
		t.Errorf("sub = %v, want %q", info["sub"], testSubject)
	}
	if _, ok := info["email"]; ok {
		t.Error("claims must be withheld for anonymized subjects")
	}
}

func TestUserInfo_InactiveSubject(t *testing.T) {
	srv, store, userStore := newTestServer(t)
	client := seedPublicClient(t, store)
	result := issueAccessToken(t, srv, client, []string{"openid"})

	userStore.SetActive(testSubject, false)

	_, oauthErr := srv.UserInfo(context.Background(), result.AccessToken)
	if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidToken {
		t.Errorf("error = %v, want invalid_token", oauthErr)
	}
}
