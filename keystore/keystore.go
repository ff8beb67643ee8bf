// Package keystore holds the key material the cipher workers resolve by id
package keystore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/verifiable-state-chains/hsmcore/models"
)

// ErrNotFound is returned when no key exists under the requested id
var ErrNotFound = errors.New("key not found")

// Store resolves key ids to key material
type Store interface {
	// Import stores a copy of data under id, replacing any previous key
	Import(ctx context.Context, id models.KeyID, data []byte) error
	// Get returns a copy of the key stored under id, or ErrNotFound
	Get(ctx context.Context, id models.KeyID) ([]byte, error)
	// Delete removes the key stored under id, or returns ErrNotFound
	Delete(ctx context.Context, id models.KeyID) error
	// List returns every stored key id in ascending order
	List(ctx context.Context) ([]models.KeyID, error)
	Close() error
}

// MemoryStore keeps keys in process memory
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[models.KeyID][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[models.KeyID][]byte)}
}

func (s *MemoryStore) Import(ctx context.Context, id models.KeyID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.keys[id]; ok {
		zero(old)
	}
	s.keys[id] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id models.KeyID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), key...), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id models.KeyID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	zero(key)
	delete(s.keys, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]models.KeyID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]models.KeyID, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Close wipes every key
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, key := range s.keys {
		zero(key)
		delete(s.keys, id)
	}
	return nil
}

// zero overwrites key material before it is dropped
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
