// Package statestore provides local StateStore implementations:
// an in-memory store for tests and a JSON file store for single-node deployments.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Memory keeps the blob in process memory.
type Memory struct {
	mu   sync.Mutex
	blob []byte
	ok   bool

	// FailSave, when set, is returned by Save instead of storing the blob.
	FailSave error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(_ context.Context) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ok {
		return nil, false, nil
	}
	out := make([]byte, len(m.blob))
	copy(out, m.blob)
	return out, true, nil
}

func (m *Memory) Save(_ context.Context, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSave != nil {
		return m.FailSave
	}
	m.blob = append(m.blob[:0], blob...)
	m.ok = true
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blob = nil
	m.ok = false
	return nil
}

// SetFailSave toggles save failures.
func (m *Memory) SetFailSave(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailSave = err
}

// File stores the blob in a single file, replaced atomically on every save.
type File struct {
	path   string
	logger *zap.Logger
}

// NewFile creates a file-backed store. The parent directory is created on first save.
func NewFile(path string, logger *zap.Logger) *File {
	return &File{path: path, logger: logger}
}

// Load reads the file. A missing file means nothing was saved yet.
func (f *File) Load(_ context.Context) ([]byte, bool, error) {
	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", f.path, err)
	}
	return blob, true, nil
}

// Save writes blob to a temp file in the same directory and renames it over
// the state file, so readers see either the old or the new blob.
func (f *File) Save(_ context.Context, blob []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}

	f.logger.Debug("statestore: saved", zap.String("path", f.path), zap.Int("bytes", len(blob)))
	return nil
}

// Clear removes the file. Clearing an absent file is not an error.
func (f *File) Clear(_ context.Context) error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", f.path, err)
	}
	return nil
}
