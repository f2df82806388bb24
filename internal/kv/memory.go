package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memoryStore struct {
	quota int64

	mu    sync.RWMutex
	items map[string]string
	used  int64
}

// NewMemory returns a process-local store. A positive quota caps the summed
// byte length of keys and values, after which SetItem fails with
// ErrQuotaExceeded.
func NewMemory(quota int64) Store {
	if quota < 0 {
		quota = 0
	}
	return &memoryStore{quota: quota, items: make(map[string]string)}
}

func (s *memoryStore) GetItem(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.items[key]
	return value, ok, nil
}

func (s *memoryStore) SetItem(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := int64(len(key) + len(value))
	used := s.used
	if prev, ok := s.items[key]; ok {
		used -= int64(len(key) + len(prev))
	}
	if s.quota > 0 && used+size > s.quota {
		return ErrQuotaExceeded
	}
	s.items[key] = value
	s.used = used + size
	return nil
}

func (s *memoryStore) RemoveItem(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.items[key]; ok {
		s.used -= int64(len(key) + len(prev))
		delete(s.items, key)
	}
	return nil
}

func (s *memoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}
