package resumption

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the record in a single JSON file. Clear writes an empty
// object rather than removing the file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("resumption: read %q: %w", s.path, err)
	}
	return decodeRecord(data)
}

func (s *FileStore) Save(_ context.Context, rec Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *FileStore) Clear(_ context.Context) error {
	return s.write([]byte("{}"))
}

func (s *FileStore) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("resumption: mkdir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".resumption-*")
	if err != nil {
		return fmt.Errorf("resumption: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("resumption: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("resumption: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("resumption: rename: %w", err)
	}
	return nil
}
