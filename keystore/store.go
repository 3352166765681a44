// Package keystore provides signing keys held in secure storage,
// looked up by alias. The private key never leaves the store; callers
// receive a crypto.Signer backed by it. Key use can be gated behind
// user consent with persisted grants.
package keystore

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors for key lookup failures.
var (
	// ErrKeyNotFound is returned when no key is registered under the
	// requested alias.
	ErrKeyNotFound = errors.New("key not found")

	// ErrStoreUnavailable is returned when the backing store cannot be
	// reached (module missing, token absent, store closed).
	ErrStoreUnavailable = errors.New("keystore unavailable")

	// ErrUseDenied is returned when the user declines key use.
	ErrUseDenied = errors.New("key use denied")
)

// KeyError reports which alias failed a lookup.
type KeyError struct {
	Alias string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("key not found: %s", e.Alias)
}

// Is implements error matching for errors.Is() checks.
// This allows: errors.Is(err, keystore.ErrKeyNotFound)
func (e *KeyError) Is(target error) bool {
	return target == ErrKeyNotFound
}

// Store provides signing keys by alias.
type Store interface {
	// Signer returns the signing key registered under alias.
	Signer(ctx context.Context, alias string) (crypto.Signer, error)

	// Close releases the store.
	Close() error
}

// MemoryStore is an in-process Store. It stands in for the platform
// keystore on hosts without one and backs tests.
type MemoryStore struct {
	mu     sync.RWMutex
	keys   map[string]crypto.Signer
	closed bool
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]crypto.Signer)}
}

// Put registers signer under alias, replacing any previous key.
func (s *MemoryStore) Put(alias string, signer crypto.Signer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[alias] = signer
}

// Signer returns the key registered under alias.
func (s *MemoryStore) Signer(_ context.Context, alias string) (crypto.Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreUnavailable
	}
	signer, ok := s.keys[alias]
	if !ok {
		return nil, &KeyError{Alias: alias}
	}
	return signer, nil
}

// Close marks the store unavailable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.keys = nil
	return nil
}
