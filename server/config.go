package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Config holds the orchestrator configuration. Token lifetimes and rotation
// rules are deliberately NOT here: they live in the versioned policy snapshot
// so admins can change them at runtime under optimistic concurrency.
type Config struct {
	// Issuer is the server's issuer identifier. Must be an absolute HTTPS
	// URL outside development (see AllowInsecureHTTP).
	Issuer string

	// AllowInsecureHTTP permits an http:// issuer for local development.
	// Never enable in production.
	AllowInsecureHTTP bool

	// Audience is the default audience stamped on access tokens when the
	// request names no resources
	Audience []string

	// SupportedScopes is the server-wide scope allow-list. Requested scopes
	// are intersected against it before being shown on consent or stored;
	// unknown scopes are silently dropped. Empty means all scopes allowed.
	SupportedScopes []string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL time.Duration // default: 10 minutes

	// ClockSkew is the leeway applied to token time claims during
	// verification
	ClockSkew time.Duration // default: 5 seconds

	// EnablePasswordGrant turns on the resource-owner password grant. Even
	// when enabled, the per-client integration rules still apply.
	EnablePasswordGrant bool

	// StorageTimeout bounds every call to a backing store. A timeout is a
	// retryable failure for the caller; the issuance decision itself fails
	// closed and is never retried.
	StorageTimeout time.Duration // default: 5 seconds
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config) *Config {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 10 * time.Minute
	}
	if config.ClockSkew == 0 {
		config.ClockSkew = 5 * time.Second
	}
	if config.StorageTimeout == 0 {
		config.StorageTimeout = 5 * time.Second
	}
	return config
}

// validate enforces the configuration guardrails server-side, not just at
// whatever admin surface sits in front of them
func (c *Config) validate(logger *slog.Logger) error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	u, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("issuer is not a valid URL: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("issuer must be an absolute URL, got %q", c.Issuer)
	}
	if u.Fragment != "" || u.RawQuery != "" {
		return fmt.Errorf("issuer must not contain a query or fragment")
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !c.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS (set AllowInsecureHTTP for local development only)")
		}
		logger.Warn("SECURITY WARNING: issuer uses plain HTTP",
			"issuer", c.Issuer,
			"recommendation", "use HTTPS outside local development")
	default:
		return fmt.Errorf("issuer scheme %q is not supported", u.Scheme)
	}

	if c.AuthorizationCodeTTL < time.Minute || c.AuthorizationCodeTTL > time.Hour {
		return fmt.Errorf("authorization code TTL %s is outside the permitted range [1m, 1h]", c.AuthorizationCodeTTL)
	}
	if c.ClockSkew < 0 || c.ClockSkew > 2*time.Minute {
		return fmt.Errorf("clock skew %s is outside the permitted range [0, 2m]", c.ClockSkew)
	}
	if c.StorageTimeout <= 0 || c.StorageTimeout > 30*time.Second {
		return fmt.Errorf("storage timeout %s is outside the permitted range (0, 30s]", c.StorageTimeout)
	}

	return nil
}

// issuerBase returns the issuer without a trailing slash, for building
// endpoint URLs
func (c *Config) issuerBase() string {
	return strings.TrimSuffix(c.Issuer, "/")
}
