package storage

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore keeps state in process memory. Used when persistence is
// disabled in config, and as a test double.
type MemoryStore struct {
	mutex   sync.RWMutex
	entries map[string]json.RawMessage
}

func NewMemory() *MemoryStore {
	return &MemoryStore{entries: make(map[string]json.RawMessage)}
}

func (s *MemoryStore) Get(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make(map[string]json.RawMessage)
	if keys == nil {
		for key, val := range s.entries {
			out[key] = val
		}
		return out, nil
	}

	for _, key := range keys {
		if val, ok := s.entries[key]; ok {
			out[key] = val
		}
	}
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for key, val := range entries {
		s.entries[key] = val
	}
	return nil
}
