package store

import (
	"context"
	"sort"
	"sync"
)

// MemStore is an in-memory EntityStore. It backs tests and single-node
// embedded runs; it is durable only for the lifetime of the process.
type MemStore struct {
	mu    sync.RWMutex
	kinds map[string]map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{kinds: make(map[string]map[string][]byte)}
}

func (s *MemStore) Get(_ context.Context, kind, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.kinds[kind][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *MemStore) Put(_ context.Context, kind, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kinds[kind] == nil {
		s.kinds[kind] = make(map[string][]byte)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.kinds[kind][key] = stored
	return nil
}

func (s *MemStore) Delete(_ context.Context, kind, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kinds[kind], key)
	return nil
}

func (s *MemStore) Scan(_ context.Context, kind string, fn func(key string, value []byte) bool) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.kinds[kind]))
	for k := range s.kinds[kind] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make(map[string][]byte, len(keys))
	for _, k := range keys {
		entries[k] = s.kinds[kind][k]
	}
	s.mu.RUnlock()

	for _, k := range keys {
		if !fn(k, entries[k]) {
			return nil
		}
	}
	return nil
}
