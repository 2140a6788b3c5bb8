package server

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	// PKCE verifier length bounds per RFC 7636 §4.1
	minCodeVerifierLength = 43
	maxCodeVerifierLength = 128

	// CodeChallengeMethodS256 is the only supported challenge method.
	// The "plain" method is deprecated in OAuth 2.1 and not accepted.
	CodeChallengeMethodS256 = "S256"

	// randomTokenBytes is the entropy of opaque codes and refresh tokens
	randomTokenBytes = 32
)

// generateRandomToken returns a cryptographically secure, URL-safe random
// string used for authorization codes and opaque refresh tokens
func generateRandomToken() string {
	b := make([]byte, randomTokenBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// validatePKCE validates the code verifier against the stored challenge per
// RFC 7636. Only S256 is accepted.
func validatePKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}
	if len(verifier) < minCodeVerifierLength || len(verifier) > maxCodeVerifierLength {
		return fmt.Errorf("code_verifier length must be between %d and %d characters",
			minCodeVerifierLength, maxCodeVerifierLength)
	}
	if method != "" && method != CodeChallengeMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// ParseScopes splits a space-separated scope string into a slice, dropping
// empty entries
func ParseScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// JoinScopes joins a scope slice into the wire format
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// intersectScopes returns the requested scopes that appear in the allow-list,
// preserving request order. Unknown scopes are silently dropped, never
// rejected, to tolerate client scope creep. An empty allow-list permits
// everything.
func intersectScopes(requested, allowed []string) []string {
	if len(allowed) == 0 {
		return requested
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = true
	}
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if allowedSet[s] {
			out = append(out, s)
		}
	}
	return out
}

// containsScope reports whether the scope slice contains the given scope
func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
