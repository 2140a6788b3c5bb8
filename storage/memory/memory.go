package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
)

const (
	// defaultCleanupInterval is how often the background sweep removes
	// expired codes and tokens
	defaultCleanupInterval = 5 * time.Minute

	// redeemedRetention is how long redeemed refresh-token records are kept
	// after their expiry. Redeemed records must outlive the token itself so
	// that replay of a consumed token is still classified as reuse rather
	// than not-found.
	redeemedRetention = 24 * time.Hour
)

// Store is an in-memory implementation of ClientStore, AuthorizationStore,
// TokenStore, CodeStore, and RevocationStore.
type Store struct {
	mu sync.RWMutex

	clients        map[string]*storage.Client
	authorizations map[string]*storage.Authorization
	tokens         map[string]*storage.Token
	codes          map[string]*storage.AuthorizationCode

	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// New creates a new in-memory store with the default cleanup interval
func New() *Store {
	return NewWithInterval(defaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// Useful for testing the retention sweep.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	s := &Store{
		clients:         make(map[string]*storage.Client),
		authorizations:  make(map[string]*storage.Authorization),
		tokens:          make(map[string]*storage.Token),
		codes:           make(map[string]*storage.AuthorizationCode),
		logger:          slog.Default(),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets the structured logger used by the store
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Stop terminates the background cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *client
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	s.clients[cp.ClientID] = &cp

	s.logger.Debug("Saved client", "client_id", cp.ClientID, "client_type", cp.ClientType)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}

	cp := *client
	return &cp, nil
}

// ValidateClientSecret validates a confidential client's secret against its bcrypt hash
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		// Burn a bcrypt comparison anyway so unknown clients cost the same
		// as a wrong secret
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"),
			[]byte(clientSecret))
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}

	if client.ClientSecretHash == "" {
		return fmt.Errorf("client %s has no secret (public client)", clientID)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return fmt.Errorf("invalid client credentials")
	}
	return nil
}

// SetClientEnabled toggles the enabled flag
func (s *Store) SetClientEnabled(ctx context.Context, clientID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}

	client.Enabled = enabled
	client.UpdatedAt = time.Now()

	s.logger.Info("Client enabled flag changed", "client_id", clientID, "enabled", enabled)
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		cp := *c
		clients = append(clients, &cp)
	}
	return clients, nil
}

// ============================================================
// AuthorizationStore
// ============================================================

// SaveAuthorization persists a consent grant. Permanent grants upsert against
// the (subject, client) pair and merge scopes so re-consent expands the grant
// monotonically instead of replacing it.
func (s *Store) SaveAuthorization(ctx context.Context, authz *storage.Authorization) (*storage.Authorization, error) {
	if authz == nil || authz.Subject == "" || authz.ClientID == "" {
		return nil, fmt.Errorf("invalid authorization")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	if authz.Type == storage.AuthorizationTypePermanent {
		if existing := s.findValidPermanentLocked(authz.Subject, authz.ClientID); existing != nil {
			existing.Scopes = mergeScopes(existing.Scopes, authz.Scopes)
			existing.UpdatedAt = now
			cp := *existing
			s.logger.Debug("Expanded permanent authorization",
				"authorization_id", existing.ID,
				"client_id", existing.ClientID,
				"scope_count", len(existing.Scopes))
			return &cp, nil
		}
	}

	cp := *authz
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = storage.AuthorizationStatusValid
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.authorizations[cp.ID] = &cp

	out := cp
	return &out, nil
}

// GetAuthorization retrieves an authorization by ID
func (s *Store) GetAuthorization(ctx context.Context, id string) (*storage.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authz, ok := s.authorizations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrAuthorizationNotFound, id)
	}
	cp := *authz
	return &cp, nil
}

// FindValidAuthorization returns the valid permanent authorization for the
// (subject, client) pair
func (s *Store) FindValidAuthorization(ctx context.Context, subject, clientID string) (*storage.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if authz := s.findValidPermanentLocked(subject, clientID); authz != nil {
		cp := *authz
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: subject=%s client=%s", storage.ErrAuthorizationNotFound, subject, clientID)
}

// RevokeAuthorization flips a single authorization to revoked
func (s *Store) RevokeAuthorization(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	authz, ok := s.authorizations[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrAuthorizationNotFound, id)
	}
	authz.Status = storage.AuthorizationStatusRevoked
	authz.UpdatedAt = time.Now()
	return nil
}

// findValidPermanentLocked must be called with the mutex held
func (s *Store) findValidPermanentLocked(subject, clientID string) *storage.Authorization {
	for _, a := range s.authorizations {
		if a.Subject == subject && a.ClientID == clientID &&
			a.Type == storage.AuthorizationTypePermanent &&
			a.Status == storage.AuthorizationStatusValid {
			return a
		}
	}
	return nil
}

// mergeScopes returns the union of both scope sets, preserving the order of
// the existing set
func mergeScopes(existing, requested []string) []string {
	seen := make(map[string]bool, len(existing))
	merged := make([]string, 0, len(existing)+len(requested))
	for _, s := range existing {
		if !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	for _, s := range requested {
		if !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	return merged
}

// ============================================================
// TokenStore
// ============================================================

// SaveToken persists a token record
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.ID == "" {
		return fmt.Errorf("invalid token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	if cp.Status == "" {
		cp.Status = storage.TokenStatusValid
	}
	s.tokens[cp.ID] = &cp
	return nil
}

// GetToken retrieves a token record by ID
func (s *Store) GetToken(ctx context.Context, id string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("%w: token record", storage.ErrTokenNotFound)
	}
	cp := *token
	return &cp, nil
}

// AtomicRedeemRefreshToken atomically transitions a refresh token from valid
// to redeemed. Only one concurrent caller observes the valid→redeemed
// transition; all others get ErrTokenRedeemed with the original RedeemedAt.
func (s *Store) AtomicRedeemRefreshToken(ctx context.Context, id string, now time.Time) (*storage.Token, error) {
	s.mu.Lock() // MUST use write lock for the conditional transition
	defer s.mu.Unlock()

	token, ok := s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrTokenNotFound)
	}
	if token.Kind != storage.TokenKindRefresh {
		return nil, fmt.Errorf("%w: not a refresh token", storage.ErrTokenNotFound)
	}

	switch token.Status {
	case storage.TokenStatusRevoked:
		cp := *token
		return &cp, fmt.Errorf("%w: refresh token", storage.ErrTokenRevoked)
	case storage.TokenStatusRedeemed:
		cp := *token
		return &cp, fmt.Errorf("%w: refresh token", storage.ErrTokenRedeemed)
	}

	if security.IsExpired(token.ExpiresAt, now) {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrTokenExpired)
	}
	if security.IsExpired(token.AbsoluteExpiresAt, now) {
		return nil, fmt.Errorf("%w: refresh token absolute ceiling", storage.ErrTokenExpired)
	}

	// CAS: valid → redeemed
	token.Status = storage.TokenStatusRedeemed
	token.RedeemedAt = now

	cp := *token
	s.logger.Debug("Redeemed refresh token", "subject", token.Subject, "client_id", token.ClientID)
	return &cp, nil
}

// RevokeToken flips a single token to revoked
func (s *Store) RevokeToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[id]
	if !ok {
		return fmt.Errorf("%w: token record", storage.ErrTokenNotFound)
	}
	token.Status = storage.TokenStatusRevoked
	return nil
}

// DeleteToken removes a token record
func (s *Store) DeleteToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, id)
	return nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *code
	s.codes[cp.Code] = &cp
	return nil
}

// AtomicConsumeAuthorizationCode atomically checks that a code is unused and
// marks it used. Replay of a consumed code returns ErrTokenRedeemed.
func (s *Store) AtomicConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	s.mu.Lock() // MUST use write lock for check-and-mark
	defer s.mu.Unlock()

	record, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrTokenNotFound)
	}

	if record.Used {
		cp := *record
		return &cp, fmt.Errorf("%w: authorization code", storage.ErrTokenRedeemed)
	}
	if security.IsExpired(record.ExpiresAt, now) {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrTokenExpired)
	}

	record.Used = true
	cp := *record
	return &cp, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.codes, code)
	return nil
}

// ============================================================
// RevocationStore
// ============================================================

// RevokeAllForSubject revokes everything owned by the subject
func (s *Store) RevokeAllForSubject(ctx context.Context, subject string) (storage.RevocationCounts, error) {
	return s.revokeMatching(func(t *storage.Token) bool {
		return t.Subject == subject
	}, func(a *storage.Authorization) bool {
		return a.Subject == subject
	})
}

// RevokeAllForClient revokes everything issued to the client
func (s *Store) RevokeAllForClient(ctx context.Context, clientID string) (storage.RevocationCounts, error) {
	return s.revokeMatching(func(t *storage.Token) bool {
		return t.ClientID == clientID
	}, func(a *storage.Authorization) bool {
		return a.ClientID == clientID
	})
}

// RevokeAllForSubjectClient revokes everything for the (subject, client) pair
func (s *Store) RevokeAllForSubjectClient(ctx context.Context, subject, clientID string) (storage.RevocationCounts, error) {
	return s.revokeMatching(func(t *storage.Token) bool {
		return t.Subject == subject && t.ClientID == clientID
	}, func(a *storage.Authorization) bool {
		return a.Subject == subject && a.ClientID == clientID
	})
}

func (s *Store) revokeMatching(matchToken func(*storage.Token) bool, matchAuthz func(*storage.Authorization) bool) (storage.RevocationCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts storage.RevocationCounts
	now := time.Now()

	for _, t := range s.tokens {
		if t.Status == storage.TokenStatusValid && matchToken(t) {
			t.Status = storage.TokenStatusRevoked
			counts.Tokens++
		}
	}
	for _, a := range s.authorizations {
		if a.Status == storage.AuthorizationStatusValid && matchAuthz(a) {
			a.Status = storage.AuthorizationStatusRevoked
			a.UpdatedAt = now
			counts.Authorizations++
		}
	}

	return counts, nil
}

// ============================================================
// Retention sweep
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes expired codes and long-expired token records. Redeemed and
// revoked records are kept for redeemedRetention past expiry so late replays
// are still classified correctly. Safe to run concurrently from multiple
// stores in tests; the operation is idempotent.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removedCodes := 0
	removedTokens := 0

	for code, record := range s.codes {
		if security.IsExpired(record.ExpiresAt, now) {
			delete(s.codes, code)
			removedCodes++
		}
	}

	for id, token := range s.tokens {
		horizon := token.ExpiresAt.Add(redeemedRetention)
		if !token.AbsoluteExpiresAt.IsZero() && token.AbsoluteExpiresAt.Add(redeemedRetention).After(horizon) {
			horizon = token.AbsoluteExpiresAt.Add(redeemedRetention)
		}
		if now.After(horizon) {
			delete(s.tokens, id)
			removedTokens++
		}
	}

	if removedCodes > 0 || removedTokens > 0 {
		s.logger.Debug("Storage cleanup completed",
			"removed_codes", removedCodes,
			"removed_tokens", removedTokens,
			"remaining_tokens", len(s.tokens))
	}
}
