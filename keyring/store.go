package keyring

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/giantswarm/oidc-server/storage"
)

// ErrKeyNotFound indicates the kid is not present in the ring
var ErrKeyNotFound = errors.New("signing key not found")

// State is the persisted key ring: all keys plus the optimistic concurrency
// version. Key order is creation order.
type State struct {
	Keys    []*Key
	Version int64
}

// key returns the key with the given kid, or nil
func (s *State) key(kid string) *Key {
	for _, k := range s.Keys {
		if k.KID == kid {
			return k
		}
	}
	return nil
}

// activeKey returns the single Active key, or nil before initialization
func (s *State) activeKey() *Key {
	for _, k := range s.Keys {
		if k.Status == StatusActive {
			return k
		}
	}
	return nil
}

// KeyStore persists the key ring state. Save is a compare-and-swap on the
// state version: a concurrent writer that loses the race gets
// storage.ErrVersionConflict and must reload. This keeps rotation idempotent
// when multiple instances run the rotation scheduler.
type KeyStore interface {
	// Load returns a deep-enough copy of the state for the caller to mutate
	Load(ctx context.Context) (*State, error)

	// Save persists the state if expectedVersion matches, bumping the version
	Save(ctx context.Context, state *State, expectedVersion int64) error
}

// MemoryKeyStore is an in-memory KeyStore for development and testing
type MemoryKeyStore struct {
	mu    sync.RWMutex
	state State
}

// NewMemoryKeyStore creates an empty in-memory key store
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{}
}

// Load returns a copy of the current state
func (m *MemoryKeyStore) Load(ctx context.Context) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]*Key, len(m.state.Keys))
	for i, k := range m.state.Keys {
		cp := *k
		keys[i] = &cp
	}
	return &State{Keys: keys, Version: m.state.Version}, nil
}

// Save persists the state under optimistic concurrency
func (m *MemoryKeyStore) Save(ctx context.Context, state *State, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Version != expectedVersion {
		return fmt.Errorf("%w: key ring version %d, expected %d",
			storage.ErrVersionConflict, m.state.Version, expectedVersion)
	}

	keys := make([]*Key, len(state.Keys))
	for i, k := range state.Keys {
		cp := *k
		keys[i] = &cp
	}
	m.state = State{Keys: keys, Version: expectedVersion + 1}
	return nil
}
