// Package memory provides an in-memory ports.Storage, used as tab-scoped
// storage by headless hosts and as the backing store in tests.
package memory

import (
	"fmt"
	"sync"

	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/core/ports"
)

// Store is an in-memory key/value store.
type Store struct {
	mu          sync.RWMutex
	values      map[string]string
	unavailable bool
}

var _ ports.Storage = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		values: make(map[string]string),
	}
}

// SetUnavailable makes every subsequent call fail with
// domain.ErrStorageUnavailable, the way browser storage does in private
// browsing or when the quota is exhausted.
func (s *Store) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = unavailable
}

func (s *Store) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.unavailable {
		return "", fmt.Errorf("get %s: %w", key, domain.ErrStorageUnavailable)
	}
	return s.values[key], nil
}

func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return fmt.Errorf("set %s: %w", key, domain.ErrStorageUnavailable)
	}
	s.values[key] = value
	return nil
}

func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return fmt.Errorf("remove %s: %w", key, domain.ErrStorageUnavailable)
	}
	delete(s.values, key)
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
