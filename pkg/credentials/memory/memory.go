// Package memory implements an ephemeral credentials.Store backed by a map.
package memory

import (
	"context"
	"sync"

	"github.com/marmos91/dittoweb/pkg/credentials"
)

// Store keeps users in a map guarded by a RWMutex. Contents are lost when the
// process exits.
type Store struct {
	mu     sync.RWMutex
	users  map[string]string
	closed bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{users: make(map[string]string)}
}

func (s *Store) Lookup(ctx context.Context, name string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", false, credentials.ErrStoreClosed
	}
	secret, ok := s.users[name]
	return secret, ok, nil
}

func (s *Store) Insert(ctx context.Context, name, secret string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		return credentials.ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return credentials.ErrStoreClosed
	}
	if _, ok := s.users[name]; ok {
		return credentials.ErrUserExists
	}
	s.users[name] = secret
	return nil
}

func (s *Store) Users(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, credentials.ErrStoreClosed
	}
	out := make(map[string]string, len(s.users))
	for k, v := range s.users {
		out[k] = v
	}
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
