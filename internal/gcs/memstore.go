package gcs

import (
	"context"
	"sort"
	"sync"
)

// MemStore is the in-process control store used when no external store is
// configured. Head restarts lose its contents; snapshots exist for that.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

var _ Store = &MemStore{}

func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string]map[string][]byte),
	}
}

func (s *MemStore) Put(_ context.Context, ns, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.data[ns]
	if !ok {
		bucket = make(map[string][]byte)
		s.data[ns] = bucket
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	bucket[key] = cp
	return nil
}

func (s *MemStore) Get(_ context.Context, ns, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[ns][key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

// Delete is idempotent: removing an absent key is not an error.
func (s *MemStore) Delete(_ context.Context, ns, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket, ok := s.data[ns]; ok {
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(s.data, ns)
		}
	}
	return nil
}

func (s *MemStore) Exists(_ context.Context, ns, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.data[ns][key]
	return ok, nil
}

func (s *MemStore) Keys(_ context.Context, ns string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data[ns]))
	for k := range s.data[ns] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemStore) All(_ context.Context, ns string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte, len(s.data[ns]))
	for k, v := range s.data[ns] {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out, nil
}

func (s *MemStore) Namespaces(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nss := make([]string, 0, len(s.data))
	for ns := range s.data {
		nss = append(nss, ns)
	}
	sort.Strings(nss)
	return nss, nil
}

func (s *MemStore) Close() {}
