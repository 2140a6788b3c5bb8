package server

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oidc-server/storage"
)

// AccessClaims is the validated view of an access token
type AccessClaims struct {
	Subject  string
	ClientID string
	Scopes   []string
	TokenID  string
}

// VerifyAccessToken validates a presented access token: signature against the
// key ring (honoring key lifecycle state), issuer, time claims with the
// configured clock skew, and the token record's revocation status. Signature
// validity alone is never enough; a revoked token fails even before its
// expiry.
func (s *Server) VerifyAccessToken(ctx context.Context, tokenString string) (*AccessClaims, *Error) {
	if tokenString == "" {
		return nil, ErrInvalidToken("access token is required")
	}

	parsed, err := jwt.Parse(tokenString, s.keys.Keyfunc(ctx),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithLeeway(s.Config.ClockSkew),
		jwt.WithIssuer(s.Config.issuerBase()),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrInvalidToken("invalid access token")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken("invalid access token")
	}

	jti, _ := claims["jti"].(string)
	sub, _ := claims["sub"].(string)
	clientID, _ := claims["client_id"].(string)
	scope, _ := claims["scope"].(string)
	if jti == "" || sub == "" {
		return nil, ErrInvalidToken("invalid access token")
	}

	cctx, cancel := s.boundedCtx(ctx)
	record, err := s.tokens.GetToken(cctx, jti)
	cancel()
	if err != nil {
		return nil, ErrInvalidToken("access token is not recognized")
	}
	if record.Status != storage.TokenStatusValid {
		return nil, ErrInvalidToken("access token has been revoked")
	}

	return &AccessClaims{
		Subject:  sub,
		ClientID: clientID,
		Scopes:   ParseScopes(scope),
		TokenID:  jti,
	}, nil
}

// UserInfo implements the OIDC userinfo endpoint. The access token must carry
// the openid scope. Claims for anonymized subjects are withheld; only the
// subject identifier is returned.
func (s *Server) UserInfo(ctx context.Context, tokenString string) (map[string]any, *Error) {
	access, oauthErr := s.VerifyAccessToken(ctx, tokenString)
	if oauthErr != nil {
		return nil, oauthErr
	}
	if !containsScope(access.Scopes, ScopeOpenID) {
		return nil, ErrInvalidToken("access token does not carry the openid scope")
	}

	cctx, cancel := s.boundedCtx(ctx)
	user, err := s.users.FindBySubject(cctx, access.Subject)
	cancel()
	if err != nil {
		return nil, ErrInvalidToken("subject is not recognized")
	}
	if !user.Active {
		return nil, ErrInvalidToken("subject is no longer active")
	}

	info := map[string]any{"sub": access.Subject}
	if !user.Anonymized {
		for k, v := range user.Claims {
			if k == "sub" {
				continue
			}
			info[k] = v
		}
	}
	return info, nil
}
