// Package mock provides an in-memory users.Store for examples and tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/giantswarm/oidc-server/users"
)

// Store is an in-memory users.Store
type Store struct {
	mu        sync.RWMutex
	users     map[string]*users.User
	passwords map[string]string
}

// New creates an empty mock user store
func New() *Store {
	return &Store{
		users:     make(map[string]*users.User),
		passwords: make(map[string]string),
	}
}

// AddUser registers a user with an optional password
func (s *Store) AddUser(user *users.User, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *user
	s.users[user.Subject] = &cp
	if password != "" {
		s.passwords[user.Subject] = password
	}
}

// SetActive toggles a user's active flag
func (s *Store) SetActive(subject string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[subject]; ok {
		u.Active = active
	}
}

// FindBySubject returns the user for the subject identifier
func (s *Store) FindBySubject(ctx context.Context, subject string) (*users.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[subject]
	if !ok {
		return nil, fmt.Errorf("user %s not found", subject)
	}
	cp := *u
	return &cp, nil
}

// VerifyPassword checks the stored password. Plaintext comparison is fine
// here: the mock exists for tests, real stores hash.
func (s *Store) VerifyPassword(ctx context.Context, subject, secret string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.passwords[subject]
	return ok && stored == secret, nil
}
