package store

import (
	"context"
	"sync"

	"sealchat/internal/domain"
)

// MemoryKV is an in-memory KeyValueStore for tests and the development
// relay. Values are copied on the way in and out.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryKV returns an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]map[string][]byte)}
}

// Get returns the value stored under collection/key.
func (s *MemoryKV) Get(_ context.Context, collection, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[collection][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Put stores value under collection/key.
func (s *MemoryKV) Put(_ context.Context, collection, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.data[collection]
	if !ok {
		c = make(map[string][]byte)
		s.data[collection] = c
	}
	c[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes collection/key. Deleting a missing key is not an error.
func (s *MemoryKV) Delete(_ context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data[collection], key)
	return nil
}

// GetAll returns every record in collection.
func (s *MemoryKV) GetAll(_ context.Context, collection string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte, len(s.data[collection]))
	for k, v := range s.data[collection] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

// Compile-time assertion that MemoryKV implements domain.KeyValueStore.
var _ domain.KeyValueStore = (*MemoryKV)(nil)
