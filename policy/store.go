package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/giantswarm/oidc-server/storage"
)

// Store guards the policy snapshot with row-version optimistic concurrency.
// Reads are lock-free from the issuance path's perspective (read-mostly); a
// losing writer gets storage.ErrVersionConflict and must reload and retry.
type Store struct {
	mu       sync.RWMutex
	snapshot Snapshot
	logger   *slog.Logger
}

// NewStore creates a policy store seeded with the given snapshot at version 1
func NewStore(initial Snapshot, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("invalid initial policy: %w", err)
	}
	initial.Version = 1
	return &Store{snapshot: initial, logger: logger}, nil
}

// Current returns the current snapshot. The returned value is a copy; callers
// hold it for the duration of one issuance so all decisions within a request
// see a consistent policy.
func (s *Store) Current(ctx context.Context) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Update replaces the snapshot if expectedVersion matches the stored version.
// On success the new snapshot is stored with Version = expectedVersion + 1 and
// returned. On mismatch the caller gets storage.ErrVersionConflict and must
// reload-and-retry rather than silently overwrite a concurrent admin edit.
func (s *Store) Update(ctx context.Context, next Snapshot, expectedVersion int64) (Snapshot, error) {
	if err := next.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("invalid policy update: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshot.Version != expectedVersion {
		return Snapshot{}, fmt.Errorf("%w: policy version %d, expected %d",
			storage.ErrVersionConflict, s.snapshot.Version, expectedVersion)
	}

	next.Version = expectedVersion + 1
	s.snapshot = next

	s.logger.Info("Token policy updated",
		"version", next.Version,
		"access_ttl", next.AccessTokenTTL,
		"refresh_ttl", next.RefreshTokenTTL,
		"rotation_enabled", next.RefreshRotationEnabled,
		"reuse_detection_enabled", next.RefreshReuseDetectionEnabled,
		"reuse_action", next.ReuseAction)

	return next, nil
}
