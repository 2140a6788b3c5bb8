package keyring

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/giantswarm/oidc-server/storage"
)

// Scheduler rotates the active key on the configured interval. Multiple
// instances may run the scheduler concurrently: rotation goes through the key
// store's compare-and-swap, so one instance wins and the rest observe a
// version conflict and skip. The loop observes ctx between iterations, never
// mid-rotation.
type Scheduler struct {
	ring     *Ring
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a rotation scheduler for the ring
func NewScheduler(ring *Ring, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		ring:     ring,
		interval: ring.config.RotationInterval,
		logger:   logger,
	}
}

// Run blocks, rotating on every interval tick until ctx is canceled
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Key rotation scheduler started", "interval", s.interval)

	for {
		select {
		case <-ticker.C:
			s.rotateOnce(ctx)
		case <-ctx.Done():
			s.logger.Info("Key rotation scheduler stopped")
			return
		}
	}
}

// rotateOnce performs one scheduled rotation. A version conflict means
// another instance rotated first; that is a no-op, not an error.
func (s *Scheduler) rotateOnce(ctx context.Context) {
	kid, err := s.ring.RotateNow(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			s.logger.Debug("Scheduled rotation already performed by another instance")
			return
		}
		s.logger.Error("Scheduled key rotation failed", "error", err)
		return
	}
	s.logger.Info("Scheduled key rotation completed", "kid", kid)
}
