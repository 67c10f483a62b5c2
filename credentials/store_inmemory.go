package credentials

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-auth-session/authmodel"
)

var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps the token pair in process memory. It is lost on exit.
type InMemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewInMemoryStore creates an empty in-memory credential store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		values: make(map[string]string),
	}
}

func (s *InMemoryStore) Save(_ context.Context, pair authmodel.TokenPair) error {
	if err := validatePair(pair); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[authmodel.AccessTokenKey] = pair.Access
	s.values[authmodel.RefreshTokenKey] = pair.Refresh
	return nil
}

func (s *InMemoryStore) Load(_ context.Context) (*authmodel.TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return pairFromValues(s.values[authmodel.AccessTokenKey], s.values[authmodel.RefreshTokenKey]), nil
}

func (s *InMemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, authmodel.AccessTokenKey)
	delete(s.values, authmodel.RefreshTokenKey)
	return nil
}

// Set writes a single raw value. It exists so tests can put the store into the
// partially written state that Save never produces.
func (s *InMemoryStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
}
