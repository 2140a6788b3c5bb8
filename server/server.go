package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/keyring"
	"github.com/giantswarm/oidc-server/policy"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
	"github.com/giantswarm/oidc-server/users"
)

// RequestContext carries per-request identity explicitly into every
// component instead of relying on ambient state: the authenticated subject
// (when known), the calling client, and the trace ID for correlation.
type RequestContext struct {
	Subject  string
	ClientID string
	TraceID  string
}

// requestContext builds a RequestContext, picking up the trace ID from the
// active span when the caller is traced
func requestContext(ctx context.Context, subject, clientID string) RequestContext {
	rc := RequestContext{Subject: subject, ClientID: clientID}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		rc.TraceID = sc.TraceID().String()
	}
	return rc
}

// Server implements the authorization-and-token-issuance engine. It
// coordinates the client registry, consent store, token policy engine,
// signing key ring, and revocation cascades.
type Server struct {
	clients        storage.ClientStore
	authorizations storage.AuthorizationStore
	tokens         storage.TokenStore
	codes          storage.CodeStore
	revocations    storage.RevocationStore
	users          users.Store
	policies       *policy.Store
	keys           *keyring.Ring

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config

	now func() time.Time
}

// Stores bundles the storage backends. A single implementation (like
// storage/memory or storage/valkey) typically provides all of them.
type Stores struct {
	Clients        storage.ClientStore
	Authorizations storage.AuthorizationStore
	Tokens         storage.TokenStore
	Codes          storage.CodeStore
	Revocations    storage.RevocationStore
}

// New creates the orchestrator
func New(
	stores Stores,
	userStore users.Store,
	policies *policy.Store,
	keys *keyring.Ring,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if stores.Clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if stores.Authorizations == nil {
		return nil, fmt.Errorf("authorization store is required")
	}
	if stores.Tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if stores.Codes == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if stores.Revocations == nil {
		return nil, fmt.Errorf("revocation store is required")
	}
	if userStore == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if policies == nil {
		return nil, fmt.Errorf("policy store is required")
	}
	if keys == nil {
		return nil, fmt.Errorf("key ring is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config)
	if err := config.validate(logger); err != nil {
		return nil, err
	}

	return &Server{
		clients:        stores.Clients,
		authorizations: stores.Authorizations,
		tokens:         stores.Tokens,
		codes:          stores.Codes,
		revocations:    stores.Revocations,
		users:          userStore,
		policies:       policies,
		keys:           keys,
		Logger:         logger,
		Config:         config,
		now:            time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation sets the OpenTelemetry instrumentation
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
}

// KeyRing exposes the signing key ring for JWKS publication and admin
// operations
func (s *Server) KeyRing() *keyring.Ring {
	return s.keys
}

// Policies exposes the policy store for the admin surface
func (s *Server) Policies() *policy.Store {
	return s.policies
}

// boundedCtx applies the configured storage timeout. External calls must
// never block indefinitely; the caller treats a timeout as a retryable
// failure, never as an implicit grant or deny.
func (s *Server) boundedCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.Config.StorageTimeout)
}

// audit forwards an incident to the auditor, which is fire-and-forget
func (s *Server) audit(incident security.Incident) {
	if s.Auditor != nil {
		s.Auditor.LogIncident(incident)
	}
}

// auditRuleViolation logs a rule rejection with its rule code and stamps the
// code onto the protocol error for the caller
func (s *Server) auditRuleViolation(rc RequestContext, v *RuleViolation) *Error {
	if s.Auditor != nil {
		s.Auditor.LogRuleViolation(rc.Subject, rc.ClientID, v.RuleCode, v.Err.Description, rc.TraceID)
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordRuleViolation(context.Background(), v.RuleCode)
	}
	err := *v.Err
	err.RuleCode = v.RuleCode
	return &err
}

// resolveClient loads a client and enforces the enabled flag. Disabled
// clients fail with invalid_client before consent is ever consulted; the
// attempt itself is a security incident.
func (s *Server) resolveClient(ctx context.Context, clientID string) (*storage.Client, *Error) {
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	cctx, cancel := s.boundedCtx(ctx)
	defer cancel()

	client, err := s.clients.GetClient(cctx, clientID)
	if err != nil {
		return nil, ErrInvalidClient("unknown client")
	}

	if !client.Enabled {
		s.audit(security.Incident{
			Type:     security.EventDisabledClientAttempt,
			Severity: security.SeverityWarning,
			ClientID: clientID,
		})
		return nil, ErrInvalidClient("client is disabled")
	}

	return client, nil
}

// authenticateClient verifies client credentials for the token endpoint.
// Confidential clients must present their secret; public clients must not
// have one.
func (s *Server) authenticateClient(ctx context.Context, client *storage.Client, clientSecret string) *Error {
	if client.ClientType != storage.ClientTypeConfidential {
		return nil
	}

	if clientSecret == "" {
		return ErrInvalidClient("client authentication required")
	}

	cctx, cancel := s.boundedCtx(ctx)
	defer cancel()

	if err := s.clients.ValidateClientSecret(cctx, client.ClientID, clientSecret); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, "invalid_client_secret")
		}
		return ErrInvalidClient("client authentication failed")
	}
	return nil
}
