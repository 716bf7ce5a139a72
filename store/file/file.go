/*
Package file provides a JSON-file implementation of ledger.Store.

PURPOSE:
  Keeps the whole ledger document in one human-readable JSON file. Fits
  small single-host deployments where an operator wants to inspect or
  back up the data with ordinary tools.

ATOMIC FLUSH:
  Save writes the document to a temporary file in the same directory,
  fsyncs it, renames it over the target, then fsyncs the directory so the
  rename itself is durable. A crash leaves either the old or the new
  document, never a truncated one.

USAGE:
  store, err := file.New("./data/codeshop.json")
  l, err := ledger.Open(ctx, store, ledger.Options{})

SEE ALSO:
  - store/sqlite/sqlite.go: SQLite implementation
*/
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/warp/codeshop/ledger"
)

// Store implements ledger.Store on a single JSON file.
type Store struct {
	mu   sync.Mutex
	path string
}

// New prepares a store at path, creating parent directories.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Store{path: path}, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

// Load reads the document. A missing or empty file yields (nil, nil).
func (s *Store) Load(_ context.Context) (*ledger.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var st ledger.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", s.path, err)
	}
	return &st, nil
}

// Save replaces the document atomically.
func (s *Store) Save(ctx context.Context, state *ledger.State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return syncDir(filepath.Dir(s.path))
}

// syncDir flushes a directory entry change such as a rename to disk.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dir, err)
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return fmt.Errorf("failed to sync %s: %w", dir, err)
	}
	return d.Close()
}
