package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps every entry in one JSON document keyed by
// "{address}_{networkId}". Each Apply rewrites the document through a
// temporary file and a rename.
type FileStore struct {
	path string

	mu      sync.Mutex
	records map[string]*Entry
}

func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, records: make(map[string]*Entry)}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("OpenFileStore: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("OpenFileStore: decode %s: %w", path, err)
	}
	return s, nil
}

func (s *FileStore) Load(_ context.Context, key Key) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key.String()].Clone(), nil
}

func (s *FileStore) Apply(_ context.Context, key Key, usage Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := key.String()
	next := s.records[id].Clone()
	if next == nil {
		next = NewEntry()
	}
	if !next.Apply(usage) {
		return nil
	}

	prev, existed := s.records[id]
	s.records[id] = next
	if err := s.flush(); err != nil {
		if existed {
			s.records[id] = prev
		} else {
			delete(s.records, id)
		}
		return err
	}
	return nil
}

func (s *FileStore) flush() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("FileStore: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("FileStore: create temp: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("FileStore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("FileStore: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("FileStore: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("FileStore: rename: %w", err)
	}
	return nil
}
