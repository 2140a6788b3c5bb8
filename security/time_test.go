package security

import (
	"testing"
	"time"
)

func TestIsExpiredWithGracePeriod(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		grace     time.Duration
		want      bool
	}{
		{"zero expiry never expires", time.Time{}, 0, false},
		{"future expiry", now.Add(time.Minute), 0, false},
		{"past expiry", now.Add(-time.Minute), 0, true},
		{"inside grace period", now.Add(-3 * time.Second), 5 * time.Second, false},
		{"outside grace period", now.Add(-10 * time.Second), 5 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpiredWithGracePeriod(tt.expiresAt, now, tt.grace); got != tt.want {
				t.Errorf("IsExpiredWithGracePeriod() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsExpired_AppliesDefaultSkew(t *testing.T) {
	now := time.Now()
	if IsExpired(now.Add(-DefaultClockSkewGracePeriod/2), now) {
		t.Error("expiry within the default skew window should not count as expired")
	}
}
