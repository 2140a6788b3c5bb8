package security

// Incident severities
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Incident type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a token pair is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is redeemed
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a single token is revoked
	EventTokenRevoked = "token_revoked"

	// EventRevocationCascade is logged when a bulk revocation cascade runs
	EventRevocationCascade = "revocation_cascade" //nolint:gosec // G101: event type name, not a credential

	// Reuse detection events

	// EventRefreshReuseDetected is logged when a redeemed refresh token is
	// replayed outside the leeway window (token theft indicator)
	EventRefreshReuseDetected = "refresh_token_reuse_detected"

	// EventCodeReuseDetected is logged when an authorization code is replayed
	EventCodeReuseDetected = "authorization_code_reuse_detected"

	// Policy rule events

	// EventRuleViolation is logged when a client-policy rule rejects a
	// request; the rule code rides in the incident detail for forensics
	EventRuleViolation = "client_policy_rule_violation"

	// Access attempt events

	// EventDisabledClientAttempt is logged when a disabled client attempts issuance
	EventDisabledClientAttempt = "disabled_client_access_attempt"

	// EventInactiveUserAttempt is logged when issuance is attempted for an
	// inactive or anonymized subject
	EventInactiveUserAttempt = "inactive_user_access_attempt"

	// EventAuthFailure is logged when client or resource-owner authentication fails
	EventAuthFailure = "auth_failure"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// Key lifecycle events

	// EventKeyRotated is logged when the signing key rotates
	EventKeyRotated = "signing_key_rotated"

	// EventKeyRevoked is logged when a signing key is revoked for incident response
	EventKeyRevoked = "signing_key_revoked"
)
