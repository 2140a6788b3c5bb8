package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"golang.org/x/time/rate"
)

func newCaptureAuditor(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func TestLogIncident_HashesSubject(t *testing.T) {
	auditor, buf := newCaptureAuditor(true)

	auditor.LogIncident(Incident{
		Type:     EventRefreshReuseDetected,
		Severity: SeverityCritical,
		Subject:  "alice@example.com",
		ClientID: "client-1",
	})

	out := buf.String()
	if strings.Contains(out, "alice@example.com") {
		t.Error("subject identifier must never be logged in plaintext")
	}
	if !strings.Contains(out, "subject_hash") {
		t.Error("incident must carry the hashed subject")
	}
	if !strings.Contains(out, EventRefreshReuseDetected) {
		t.Errorf("missing event type, got: %s", out)
	}
	if !strings.Contains(out, `"level":"ERROR"`) {
		t.Errorf("critical incidents should log at error level, got: %s", out)
	}
}

func TestLogIncident_Disabled(t *testing.T) {
	auditor, buf := newCaptureAuditor(false)

	auditor.LogIncident(Incident{Type: EventAuthFailure, Severity: SeverityWarning})

	if buf.Len() != 0 {
		t.Errorf("disabled auditor must not log, got: %s", buf.String())
	}
}

func TestLogIncident_NilAuditor(t *testing.T) {
	var auditor *Auditor
	auditor.LogIncident(Incident{Type: EventAuthFailure})
}

func TestLogIncident_CriticalBypassesThrottle(t *testing.T) {
	auditor, buf := newCaptureAuditor(true)
	// Exhausted bucket: nothing below critical gets through
	auditor.limiter = rate.NewLimiter(0, 0)

	auditor.LogIncident(Incident{Type: EventRuleViolation, Severity: SeverityWarning})
	if buf.Len() != 0 {
		t.Fatalf("throttled warning should be dropped, got: %s", buf.String())
	}

	auditor.LogIncident(Incident{Type: EventCodeReuseDetected, Severity: SeverityCritical})
	if buf.Len() == 0 {
		t.Error("critical incidents must bypass the throttle")
	}
}

func TestLogRuleViolation(t *testing.T) {
	auditor, buf := newCaptureAuditor(true)

	auditor.LogRuleViolation("user-1", "client-1", "RULE_SPA_REQUIRE_PKCE", "missing code_challenge", "0af7651916cd43dd8448eb211c80319c")

	out := buf.String()
	if !strings.Contains(out, "RULE_SPA_REQUIRE_PKCE") {
		t.Errorf("rule code must be logged, got: %s", out)
	}
	if !strings.Contains(out, `"level":"WARN"`) {
		t.Errorf("rule violations log at warn level, got: %s", out)
	}
	if !strings.Contains(out, `"trace_id":"0af7651916cd43dd8448eb211c80319c"`) {
		t.Errorf("trace id must be logged for correlation, got: %s", out)
	}
}

func TestLogIncident_OmitsEmptyTraceID(t *testing.T) {
	auditor, buf := newCaptureAuditor(true)

	auditor.LogRuleViolation("user-1", "client-1", "RULE_SPA_REQUIRE_PKCE", "missing code_challenge", "")

	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("untraced incidents must not log an empty trace_id, got: %s", buf.String())
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q", got)
	}
	a, b := hashForLogging("subject-a"), hashForLogging("subject-b")
	if a == b {
		t.Error("distinct inputs must hash differently")
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d, want truncated to 16", len(a))
	}
}
