package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never log actual sensitive values (access tokens, refresh
// tokens, authorization codes, client secrets) in traces or metrics. Only log
// metadata such as token kinds, expiry times, and validation results. Traces
// are persisted, widely readable, and replicated across monitoring systems.
const (
	// Flow attributes, safe for metadata only
	AttrClientID         = "oidc.client_id"         // Client identifier (non-secret)
	AttrSubject          = "oidc.subject"           // Subject identifier (non-secret)
	AttrScope            = "oidc.scope"             // Requested scopes
	AttrGrantType        = "oidc.grant_type"        // OAuth grant type
	AttrResponseType     = "oidc.response_type"     // OAuth response type
	AttrClientType       = "oidc.client_type"       // Client type (public/confidential)
	AttrRedirectURI      = "oidc.redirect_uri"      // Redirect URI
	AttrPKCEPresent      = "oidc.pkce.present"      // Whether a code_challenge was supplied (boolean)
	AttrTokenKind        = "oidc.token.kind"        //nolint:gosec // Token kind (access/refresh), NOT the token
	AttrTokenRotated     = "oidc.token.rotated"     //nolint:gosec // Whether the refresh token was rotated (boolean)
	AttrCodeReuse        = "oidc.code.reuse"        // Whether code replay was detected (boolean)
	AttrRefreshReuse     = "oidc.refresh.reuse"     // Whether refresh replay was detected (boolean)
	AttrRuleCode         = "oidc.policy.rule_code"  // Client-policy rule code on rejection
	AttrConsentStatus    = "oidc.consent.status"    // Authorize outcome (granted/consent_required)
	AttrError            = "oidc.error"             // Protocol error code
	AttrErrorDescription = "oidc.error_description" // Protocol error description

	// Key lifecycle attributes
	AttrKeyID     = "oidc.key.kid"
	AttrKeyStatus = "oidc.key.status"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrAuditEventType = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common issuance flow attributes to a span (nil-safe)
func AddFlowAttributes(span trace.Span, clientID, subject, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if subject != "" {
		SetSpanAttributes(span, attribute.String(AttrSubject, subject))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddGrantAttributes adds token-grant attributes to a span (nil-safe)
func AddGrantAttributes(span trace.Span, grantType string, pkcePresent bool) {
	SetSpanAttributes(span,
		attribute.String(AttrGrantType, grantType),
		attribute.Bool(AttrPKCEPresent, pkcePresent),
	)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddKeyAttributes adds key lifecycle attributes to a span (nil-safe)
func AddKeyAttributes(span trace.Span, kid, status string) {
	SetSpanAttributes(span,
		attribute.String(AttrKeyID, kid),
		attribute.String(AttrKeyStatus, status),
	)
}
