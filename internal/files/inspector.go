package files

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Inspector is the only view of unit state the state machine has. Presence and
// content of files is the whole state space; swap in Memory for tests.
type Inspector interface {
	// Exists reports whether path is present. Stat errors count as absent.
	Exists(path string) bool

	// ReadFile returns the content of path.
	ReadFile(path string) ([]byte, error)

	// CreateExclusive creates an empty file at path and fails with an error
	// wrapping fs.ErrExist when it is already there.
	CreateExclusive(path string) error

	// WriteFile replaces path with data. Readers see either the old or the
	// new content, never a partial write.
	WriteFile(path string, data []byte) error

	// Remove deletes path.
	Remove(path string) error
}

// OS inspects the real filesystem.
type OS struct{}

var _ Inspector = OS{}

func (OS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (OS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// CreateExclusive relies on O_EXCL so two processes racing for the same flag
// cannot both succeed.
func (OS) CreateExclusive(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return f.Close()
}

// WriteFile writes to a temporary file in the same directory and renames it
// over path.
func (OS) WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func (OS) Remove(path string) error {
	return os.Remove(path)
}

// Memory is an in-memory Inspector. Safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
}

var _ Inspector = (*Memory)(nil)

// NewMemory returns a Memory pre-populated with the given paths (empty content).
func NewMemory(paths ...string) *Memory {
	m := &Memory{files: make(map[string][]byte)}
	for _, p := range paths {
		m.files[filepath.Clean(p)] = nil
	}
	return m
}

// Put creates or replaces path with data.
func (m *Memory) Put(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filepath.Clean(path)] = append([]byte(nil), data...)
}

func (m *Memory) Exists(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[filepath.Clean(path)]
	return ok
}

func (m *Memory) ReadFile(path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[filepath.Clean(path)]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) CreateExclusive(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := filepath.Clean(path)
	if _, ok := m.files[key]; ok {
		return fmt.Errorf("create %s: %w", path, fs.ErrExist)
	}
	m.files[key] = nil
	return nil
}

func (m *Memory) WriteFile(path string, data []byte) error {
	m.Put(path, data)
	return nil
}

func (m *Memory) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := filepath.Clean(path)
	if _, ok := m.files[key]; !ok {
		return &fs.PathError{Op: "remove", Path: path, Err: fs.ErrNotExist}
	}
	delete(m.files, key)
	return nil
}

// AnyExists reports whether at least one of paths is present.
func AnyExists(in Inspector, paths ...string) bool {
	for _, p := range paths {
		if in.Exists(p) {
			return true
		}
	}
	return false
}

// AllExist reports whether every path is present.
func AllExist(in Inspector, paths ...string) bool {
	for _, p := range paths {
		if !in.Exists(p) {
			return false
		}
	}
	return true
}

// IndexExists is true when any index naming convention is present.
func IndexExists(in Inspector, candidates []string) bool {
	return AnyExists(in, candidates...)
}

// IsExist reports whether err came from creating a file that already exists.
func IsExist(err error) bool {
	return errors.Is(err, fs.ErrExist)
}
