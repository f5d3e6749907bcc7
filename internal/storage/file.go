package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore is the secondary tier: a single JSON document on disk. Every
// write is a read-modify-write of the whole document, so a crash leaves
// either the old or the new state, never a blend.
type FileStore struct {
	mutex sync.Mutex
	path  string
}

func NewFile(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Get(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	if keys == nil {
		return doc, nil
	}

	out := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		if val, ok := doc[key]; ok {
			out[key] = val
		}
	}
	return out, nil
}

func (s *FileStore) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}

	for key, val := range entries {
		doc[key] = val
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return &Error{Message: fmt.Sprintf("invalid write: %v", err), Rejected: true}
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}

	return nil
}

func (s *FileStore) load() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	doc := make(map[string]json.RawMessage)
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return doc, nil
}
