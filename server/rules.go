package server

import (
	"fmt"

	"github.com/giantswarm/oidc-server/storage"
)

// Client-policy rule codes. Each failing rule maps to a specific OAuth error
// code and is separately auditable as a security incident.
const (
	RuleSPARequirePKCE          = "RULE_SPA_REQUIRE_PKCE"
	RuleRedirectExactMatch      = "RULE_REDIRECT_EXACT_MATCH"
	RuleGrantNotAllowed         = "RULE_GRANT_NOT_ALLOWED"
	RulePasswordRestricted      = "RULE_PASSWORD_RESTRICTED"
	RulePasswordScopeRestricted = "RULE_PASSWORD_SCOPE_RESTRICTED"
)

// RuleViolation is the outcome of a failing client-policy rule: the internal
// rule code for audit plus the protocol error returned to the client.
type RuleViolation struct {
	RuleCode string
	Err      *Error
}

// policyRequest is the slice of an incoming request the rule evaluators see.
// Fields irrelevant to a given flow are left empty and the corresponding
// rules skip themselves.
type policyRequest struct {
	// GrantType is the effective grant being exercised. Authorize requests
	// with response_type=code evaluate as authorization_code, since that is
	// the grant the issued code will redeem.
	GrantType string

	// RedirectURI is the redirect target, empty for redirectless grants
	RedirectURI string

	// CodeChallenge is the PKCE challenge, empty when absent
	CodeChallenge string

	// Scopes are the requested scopes (only consulted by the password rules)
	Scopes []string
}

// ruleFunc is a pure client-policy evaluator: nil means the rule passes
type ruleFunc func(req *policyRequest, client *storage.Client) *RuleViolation

// clientPolicyRules is the ordered rule set. Evaluation short-circuits on the
// first failing rule.
var clientPolicyRules = []ruleFunc{
	rulePKCERequired,
	ruleRedirectExactMatch,
	ruleGrantAllowed,
	rulePasswordRestricted,
	rulePasswordScopeRestricted,
}

// evaluateClientPolicy runs the ordered rule set; the first failing rule wins
func evaluateClientPolicy(req *policyRequest, client *storage.Client) *RuleViolation {
	for _, rule := range clientPolicyRules {
		if v := rule(req, client); v != nil {
			return v
		}
	}
	return nil
}

// rulePKCERequired rejects authorization requests from PKCE-required clients
// that carry no code_challenge
func rulePKCERequired(req *policyRequest, client *storage.Client) *RuleViolation {
	if req.GrantType != storage.GrantAuthorizationCode || req.RedirectURI == "" {
		// Only the front-channel authorization request carries a challenge;
		// the token request is covered by verifier validation.
		return nil
	}
	if client.RequirePKCE && req.CodeChallenge == "" {
		return &RuleViolation{
			RuleCode: RuleSPARequirePKCE,
			Err:      ErrInvalidRequest("code_challenge is required for this client"),
		}
	}
	return nil
}

// ruleRedirectExactMatch requires the redirect_uri to be an exact string
// match against the registered set. No prefix, suffix, or normalization
// matching: "https://app/cb" and "https://app/cb/" are different URIs. This
// closes open-redirect risk.
func ruleRedirectExactMatch(req *policyRequest, client *storage.Client) *RuleViolation {
	if req.RedirectURI == "" {
		return nil
	}
	for _, registered := range client.RedirectURIs {
		if registered == req.RedirectURI {
			return nil
		}
	}
	return &RuleViolation{
		RuleCode: RuleRedirectExactMatch,
		Err:      ErrInvalidRequest("redirect_uri is not registered for this client"),
	}
}

// ruleGrantAllowed requires the exercised grant type to be in the client's
// allow-list
func ruleGrantAllowed(req *policyRequest, client *storage.Client) *RuleViolation {
	if req.GrantType == "" {
		return nil
	}
	if !client.AllowsGrant(req.GrantType) {
		return &RuleViolation{
			RuleCode: RuleGrantNotAllowed,
			Err:      ErrUnauthorizedClient(fmt.Sprintf("client is not authorized for grant type %q", req.GrantType)),
		}
	}
	return nil
}

// rulePasswordRestricted limits the password grant to confidential clients
// explicitly flagged as machine integration clients
func rulePasswordRestricted(req *policyRequest, client *storage.Client) *RuleViolation {
	if req.GrantType != storage.GrantPassword {
		return nil
	}
	if client.ClientType != storage.ClientTypeConfidential || !client.Integration {
		return &RuleViolation{
			RuleCode: RulePasswordRestricted,
			Err:      ErrUnauthorizedClient("password grant is restricted to confidential integration clients"),
		}
	}
	return nil
}

// rulePasswordScopeRestricted requires password-grant scopes to be a subset
// of the client's password scope allow-list, independent of any consent the
// client otherwise holds
func rulePasswordScopeRestricted(req *policyRequest, client *storage.Client) *RuleViolation {
	if req.GrantType != storage.GrantPassword {
		return nil
	}

	allowed := make(map[string]bool, len(client.PasswordScopes))
	for _, s := range client.PasswordScopes {
		allowed[s] = true
	}
	for _, s := range req.Scopes {
		if !allowed[s] {
			return &RuleViolation{
				RuleCode: RulePasswordScopeRestricted,
				Err:      ErrInvalidScope(fmt.Sprintf("scope %q is not permitted for the password grant", s)),
			}
		}
	}
	return nil
}
