package oauth

import "encoding/json"

// ErrorResponse represents an OAuth error response body
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// ErrorURI points to error documentation
	ErrorURI string `json:"error_uri,omitempty"`
}

// TokenResponse represents an OAuth 2.0 / OIDC token response
type TokenResponse struct {
	// AccessToken is the signed access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "Bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is the refresh token (optional)
	RefreshToken string `json:"refresh_token,omitempty"`

	// IDToken is the OIDC ID token, present when the "openid" scope was granted
	IDToken string `json:"id_token,omitempty"`

	// Scope is the scope of the access token
	Scope string `json:"scope,omitempty"`
}

// UserInfoResponse represents the OIDC userinfo response
type UserInfoResponse struct {
	// Subject is the subject identifier of the authenticated user
	Subject string `json:"sub"`

	// Claims carries the additional user claims released by the user store
	Claims map[string]any `json:"-"`
}

// MarshalJSON flattens the released claims to top-level members alongside
// "sub", per the OIDC userinfo response format. The Subject field is
// authoritative and overrides any "sub" claim in the map.
func (u UserInfoResponse) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(u.Claims)+1)
	for name, value := range u.Claims {
		out[name] = value
	}
	out["sub"] = u.Subject
	return json.Marshal(out)
}

// ProviderMetadata represents the OIDC discovery document
// (OpenID Connect Discovery 1.0, compatible with RFC 8414)
type ProviderMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// UserInfoEndpoint is the URL of the OIDC userinfo endpoint
	UserInfoEndpoint string `json:"userinfo_endpoint,omitempty"`

	// EndSessionEndpoint is the URL of the logout endpoint
	EndSessionEndpoint string `json:"end_session_endpoint,omitempty"`

	// RevocationEndpoint is the URL of the OAuth 2.0 token revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// JWKSURI is the URL of the published JSON Web Key Set
	JWKSURI string `json:"jwks_uri"`

	// ScopesSupported lists the OAuth scopes supported
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// SubjectTypesSupported lists the OIDC subject identifier types
	SubjectTypesSupported []string `json:"subject_types_supported"`

	// IDTokenSigningAlgValuesSupported lists the signing algorithms for ID tokens
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods supported
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// JSONWebKey represents a single public key in the JWKS document (RFC 7517)
type JSONWebKey struct {
	// Kty is the key type ("RSA")
	Kty string `json:"kty"`

	// Kid is the key identifier, matched against the "kid" JWT header
	Kid string `json:"kid"`

	// Use is the intended key use ("sig")
	Use string `json:"use"`

	// Alg is the signing algorithm ("RS256")
	Alg string `json:"alg"`

	// N is the base64url-encoded RSA modulus
	N string `json:"n"`

	// E is the base64url-encoded RSA public exponent
	E string `json:"e"`
}

// JSONWebKeySet represents the published JWKS document (RFC 7517)
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}
