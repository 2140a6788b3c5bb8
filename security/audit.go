package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Incident represents a security event worth auditing. Subject identifiers
// are hashed before logging to keep PII out of log storage.
type Incident struct {
	Type     string
	Severity string
	Subject  string
	ClientID string
	TraceID  string
	Detail   map[string]any
}

// Auditor is the incident/audit sink. Logging is fire-and-forget from the
// engine's perspective: a failing or throttled sink must never block or fail
// token issuance. A token-bucket limiter caps the incident log rate so a
// flood of rule violations cannot be used to drown the log pipeline.
type Auditor struct {
	logger  *slog.Logger
	limiter *rate.Limiter
	enabled bool
}

// NewAuditor creates a security auditor. A nil logger falls back to
// slog.Default().
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(100), 200),
		enabled: enabled,
	}
}

// LogIncident records a security incident. Critical incidents bypass the
// throttle; lower severities are dropped silently under pressure.
func (a *Auditor) LogIncident(incident Incident) {
	if a == nil || !a.enabled {
		return
	}

	if incident.Severity != SeverityCritical && !a.limiter.Allow() {
		return
	}

	level := slog.LevelInfo
	switch incident.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}

	attrs := []any{
		"event_type", incident.Type,
		"severity", incident.Severity,
		"subject_hash", hashForLogging(incident.Subject),
		"client_id", incident.ClientID,
		"detail", incident.Detail,
		"timestamp", time.Now().UTC(),
	}
	if incident.TraceID != "" {
		attrs = append(attrs, "trace_id", incident.TraceID)
	}
	a.logger.Log(context.Background(), level, "security_incident", attrs...)
}

// LogTokenIssued logs a successful token issuance
func (a *Auditor) LogTokenIssued(subject, clientID, grantType, scope string) {
	a.LogIncident(Incident{
		Type:     EventTokenIssued,
		Severity: SeverityInfo,
		Subject:  subject,
		ClientID: clientID,
		Detail: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs a refresh redemption
func (a *Auditor) LogTokenRefreshed(subject, clientID string, rotated bool) {
	a.LogIncident(Incident{
		Type:     EventTokenRefreshed,
		Severity: SeverityInfo,
		Subject:  subject,
		ClientID: clientID,
		Detail: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogRuleViolation logs a client-policy rule rejection with its rule code.
// The trace ID, when present, correlates the incident with the request trace.
func (a *Auditor) LogRuleViolation(subject, clientID, ruleCode, description, traceID string) {
	a.LogIncident(Incident{
		Type:     EventRuleViolation,
		Severity: SeverityWarning,
		Subject:  subject,
		ClientID: clientID,
		TraceID:  traceID,
		Detail: map[string]any{
			"rule_code":   ruleCode,
			"description": description,
		},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(subject, clientID, reason string) {
	a.LogIncident(Incident{
		Type:     EventAuthFailure,
		Severity: SeverityWarning,
		Subject:  subject,
		ClientID: clientID,
		Detail: map[string]any{
			"reason": reason,
		},
	})
}

// hashForLogging creates a truncated SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
