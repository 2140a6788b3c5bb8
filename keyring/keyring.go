package keyring

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oidc-server/security"
)

// Key status values
const (
	StatusUpcoming = "Upcoming"
	StatusActive   = "Active"
	StatusPrevious = "Previous"
	StatusRetired  = "Retired"
	StatusRevoked  = "Revoked"
)

// SigningAlgorithm is the JWS algorithm used for all issued tokens
const SigningAlgorithm = "RS256"

const (
	// DefaultRotationInterval is how often the scheduler rotates the active key
	DefaultRotationInterval = 30 * 24 * time.Hour

	// DefaultGracePeriod is how long a superseded key keeps verifying
	// existing signatures after rotation
	DefaultGracePeriod = 7 * 24 * time.Hour

	// DefaultKeySize is the RSA modulus size for new keys
	DefaultKeySize = 2048

	// MinGracePeriod guards against a grace period shorter than outstanding
	// access-token lifetimes, which would break verification of live tokens
	MinGracePeriod = time.Hour
)

// Key is one asymmetric signing key and its lifecycle state. Private material
// never leaves the server; only the public half is exported to JWKS.
type Key struct {
	KID          string
	Algorithm    string
	Private      *rsa.PrivateKey
	Status       string
	CreatedUTC   time.Time
	ActivatedUTC time.Time

	// RetireAfterUTC is when a Previous key stops verifying. Zero while the
	// key is Upcoming or Active.
	RetireAfterUTC time.Time

	NotBefore time.Time
	NotAfter  time.Time
}

// verifiesAt reports whether the key may verify signatures at the given time
func (k *Key) verifiesAt(now time.Time) bool {
	switch k.Status {
	case StatusActive:
		return true
	case StatusPrevious:
		return k.RetireAfterUTC.IsZero() || now.Before(k.RetireAfterUTC)
	default:
		// Upcoming keys have signed nothing yet; Retired and Revoked keys
		// must fail verification even before signature expiry
		return false
	}
}

// JWK is the public representation of a key for the JWKS document
type JWK struct {
	Kty string
	Kid string
	Use string
	Alg string
	N   string
	E   string
}

// Config holds key ring configuration
type Config struct {
	// RotationInterval is the scheduled rotation period
	RotationInterval time.Duration

	// GracePeriod is how long superseded keys keep verifying
	GracePeriod time.Duration

	// KeySize is the RSA modulus size for new keys
	KeySize int
}

// applyDefaults fills zero fields with secure defaults and enforces guardrails
func (c Config) applyDefaults() Config {
	if c.RotationInterval <= 0 {
		c.RotationInterval = DefaultRotationInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.GracePeriod < MinGracePeriod {
		c.GracePeriod = MinGracePeriod
	}
	if c.KeySize == 0 {
		c.KeySize = DefaultKeySize
	}
	return c
}

// Ring coordinates the signing key lifecycle against a KeyStore. All state
// transitions go through load-modify-save with a row version, so concurrent
// rotations from multiple instances resolve to one winner; losers see
// storage.ErrVersionConflict and treat the rotation as already done.
type Ring struct {
	store   KeyStore
	config  Config
	logger  *slog.Logger
	auditor *security.Auditor
	now     func() time.Time
}

// New creates a key ring. The ring is empty until Initialize is called.
func New(store KeyStore, config Config, logger *slog.Logger) (*Ring, error) {
	if store == nil {
		return nil, fmt.Errorf("key store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Ring{
		store:  store,
		config: config.applyDefaults(),
		logger: logger,
		now:    time.Now,
	}, nil
}

// SetAuditor sets the security auditor for key lifecycle incidents
func (r *Ring) SetAuditor(aud *security.Auditor) {
	r.auditor = aud
}

// audit forwards a key lifecycle incident to the auditor, if one is wired
func (r *Ring) audit(incident security.Incident) {
	if r.auditor != nil {
		r.auditor.LogIncident(incident)
	}
}

// Initialize creates the first active key if the ring is empty. Idempotent:
// a ring that already has an active key is left untouched, so concurrent
// startup across instances is safe.
func (r *Ring) Initialize(ctx context.Context) error {
	state, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load key ring: %w", err)
	}

	if state.activeKey() != nil {
		return nil
	}

	key, err := r.generateKey(r.now())
	if err != nil {
		return err
	}
	key.Status = StatusActive
	key.ActivatedUTC = key.CreatedUTC

	state.Keys = append(state.Keys, key)
	if err := r.store.Save(ctx, state, state.Version); err != nil {
		return fmt.Errorf("failed to persist initial key: %w", err)
	}

	r.logger.Info("Key ring initialized", "kid", key.KID, "alg", key.Algorithm)
	return nil
}

// RotateNow creates a new active key and demotes the prior active key to
// Previous with a retire-after deadline of now + grace period. Manual admin
// rotation is always permitted; the scheduler calls this on its interval.
func (r *Ring) RotateNow(ctx context.Context) (string, error) {
	state, err := r.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load key ring: %w", err)
	}

	now := r.now()

	key, err := r.generateKey(now)
	if err != nil {
		return "", err
	}
	key.Status = StatusActive
	key.ActivatedUTC = now

	priorKID := ""
	if prior := state.activeKey(); prior != nil {
		priorKID = prior.KID
		prior.Status = StatusPrevious
		prior.RetireAfterUTC = now.Add(r.config.GracePeriod)
		prior.NotAfter = prior.RetireAfterUTC
	}

	state.Keys = append(state.Keys, key)
	if err := r.store.Save(ctx, state, state.Version); err != nil {
		return "", fmt.Errorf("failed to persist rotation: %w", err)
	}

	r.logger.Info("Signing key rotated",
		"kid", key.KID,
		"grace_period", r.config.GracePeriod)
	r.audit(security.Incident{
		Type:     security.EventKeyRotated,
		Severity: security.SeverityInfo,
		Detail: map[string]any{
			"kid":       key.KID,
			"prior_kid": priorKID,
		},
	})
	return key.KID, nil
}

// Activate promotes an Upcoming key to Active, demoting the current active
// key to Previous. Used by the scheduled promotion path when keys are staged
// ahead of time.
func (r *Ring) Activate(ctx context.Context, kid string) error {
	state, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load key ring: %w", err)
	}

	key := state.key(kid)
	if key == nil {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	if key.Status != StatusUpcoming {
		return fmt.Errorf("key %s is %s, only Upcoming keys can be activated", kid, key.Status)
	}

	now := r.now()
	priorKID := ""
	if prior := state.activeKey(); prior != nil {
		priorKID = prior.KID
		prior.Status = StatusPrevious
		prior.RetireAfterUTC = now.Add(r.config.GracePeriod)
		prior.NotAfter = prior.RetireAfterUTC
	}
	key.Status = StatusActive
	key.ActivatedUTC = now

	if err := r.store.Save(ctx, state, state.Version); err != nil {
		return fmt.Errorf("failed to persist activation: %w", err)
	}

	r.logger.Info("Signing key activated", "kid", kid)
	r.audit(security.Incident{
		Type:     security.EventKeyRotated,
		Severity: security.SeverityInfo,
		Detail: map[string]any{
			"kid":       kid,
			"prior_kid": priorKID,
			"staged":    true,
		},
	})
	return nil
}

// StageUpcoming creates a new Upcoming key without activating it
func (r *Ring) StageUpcoming(ctx context.Context) (string, error) {
	state, err := r.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load key ring: %w", err)
	}

	key, err := r.generateKey(r.now())
	if err != nil {
		return "", err
	}
	key.Status = StatusUpcoming

	state.Keys = append(state.Keys, key)
	if err := r.store.Save(ctx, state, state.Version); err != nil {
		return "", fmt.Errorf("failed to persist upcoming key: %w", err)
	}

	r.logger.Info("Staged upcoming signing key", "kid", key.KID)
	return key.KID, nil
}

// Retire marks a key as Retired. Retiring the current active key is
// forbidden; rotate first.
func (r *Ring) Retire(ctx context.Context, kid string) error {
	state, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load key ring: %w", err)
	}

	key := state.key(kid)
	if key == nil {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	if key.Status == StatusActive {
		return fmt.Errorf("cannot retire the active key %s, rotate first", kid)
	}

	key.Status = StatusRetired
	key.NotAfter = r.now()

	if err := r.store.Save(ctx, state, state.Version); err != nil {
		return fmt.Errorf("failed to persist retirement: %w", err)
	}

	r.logger.Info("Signing key retired", "kid", kid)
	return nil
}

// Revoke marks a key as Revoked for incident response. The key is removed
// from JWKS output immediately regardless of its state and fails verification
// even before any signature expiry. Revoking the active key leaves the ring
// without a signer, so the caller should rotate immediately after.
func (r *Ring) Revoke(ctx context.Context, kid string) error {
	state, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load key ring: %w", err)
	}

	key := state.key(kid)
	if key == nil {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}

	wasActive := key.Status == StatusActive
	key.Status = StatusRevoked
	key.NotAfter = r.now()

	if err := r.store.Save(ctx, state, state.Version); err != nil {
		return fmt.Errorf("failed to persist revocation: %w", err)
	}

	r.logger.Warn("Signing key revoked",
		"kid", kid,
		"was_active", wasActive)
	r.audit(security.Incident{
		Type:     security.EventKeyRevoked,
		Severity: security.SeverityCritical,
		Detail: map[string]any{
			"kid":        kid,
			"was_active": wasActive,
		},
	})
	return nil
}

// ActiveKID returns the key ID that new signatures use
func (r *Ring) ActiveKID(ctx context.Context) (string, error) {
	state, err := r.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load key ring: %w", err)
	}
	active := state.activeKey()
	if active == nil {
		return "", fmt.Errorf("key ring has no active key")
	}
	return active.KID, nil
}

// Sign signs the claims with the active key (RS256), stamps the kid header,
// and returns the kid alongside the compact JWT so issuers can record which
// key backed the signature
func (r *Ring) Sign(ctx context.Context, claims jwt.Claims) (string, string, error) {
	state, err := r.store.Load(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to load key ring: %w", err)
	}
	active := state.activeKey()
	if active == nil {
		return "", "", fmt.Errorf("key ring has no active key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = active.KID

	signed, err := token.SignedString(active.Private)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, active.KID, nil
}

// Keyfunc returns a jwt.Keyfunc that resolves the kid header to a public key,
// honoring key status: Active and in-grace Previous keys verify; Retired,
// Revoked, and past-grace Previous keys fail.
func (r *Ring) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}

		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}

		state, err := r.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load key ring: %w", err)
		}

		key := state.key(kid)
		if key == nil {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
		}
		if !key.verifiesAt(r.now()) {
			return nil, fmt.Errorf("key %s is %s and no longer verifies", kid, key.Status)
		}

		return &key.Private.PublicKey, nil
	}
}

// PublicJWKs returns the keys exposed in the published JWKS document: the
// active key and Previous keys still inside their grace period. Revoked and
// Retired keys are excluded even if signatures made with them have not yet
// expired.
func (r *Ring) PublicJWKs(ctx context.Context) ([]JWK, error) {
	state, err := r.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load key ring: %w", err)
	}

	now := r.now()
	jwks := make([]JWK, 0, len(state.Keys))
	for _, key := range state.Keys {
		if !key.verifiesAt(now) {
			continue
		}
		pub := &key.Private.PublicKey
		jwks = append(jwks, JWK{
			Kty: "RSA",
			Kid: key.KID,
			Use: "sig",
			Alg: key.Algorithm,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return jwks, nil
}

// generateKey creates a fresh RSA key with a new kid
func (r *Ring) generateKey(now time.Time) (*Key, error) {
	private, err := rsa.GenerateKey(rand.Reader, r.config.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	return &Key{
		KID:        uuid.NewString(),
		Algorithm:  SigningAlgorithm,
		Private:    private,
		Status:     StatusUpcoming,
		CreatedUTC: now,
		NotBefore:  now,
	}, nil
}
