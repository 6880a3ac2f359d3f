// Package file stores each key as a file below a root directory.
// Writes go through a temp file and rename so a crash never leaves a torn value.
// Update holds an advisory lock on a file in the root, so processes sharing
// the directory do not interleave read-modify-write cycles.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/andrei-cloud/posguard/internal/storage"
)

const (
	dirPerms  = 0o700
	filePerms = 0o600
	tmpSuffix = ".tmp"
	lockName  = ".update.lock"
)

// Store is a file-backed storage.Backend.
type Store struct {
	mu      sync.RWMutex
	rootDir string
}

var _ storage.Backend = (*Store)(nil)

// New creates rootDir if needed and returns a Store rooted there.
func New(rootDir string) (*Store, error) {
	if rootDir == "" {
		return nil, errors.New("file storage: root directory cannot be empty")
	}
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("file storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerms); err != nil {
		return nil, fmt.Errorf("file storage: failed to create root directory: %w", err)
	}

	return &Store{rootDir: abs}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.rootDir, filepath.FromSlash(key))
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.read(key)
}

func (s *Store) read(key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("file storage: failed to read key %q: %w", key, err)
	}

	return data, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(key, value)
}

func (s *Store) write(key string, value []byte) error {
	target := s.path(key)
	if err := os.MkdirAll(filepath.Dir(target), dirPerms); err != nil {
		return fmt.Errorf("file storage: failed to create directory for key %q: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+"-*"+tmpSuffix)
	if err != nil {
		return fmt.Errorf("file storage: failed to write key %q: %w", key, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		cleanup()

		return fmt.Errorf("file storage: failed to write key %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()

		return fmt.Errorf("file storage: failed to sync key %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()

		return fmt.Errorf("file storage: failed to close key %q: %w", key, err)
	}
	if err := os.Chmod(tmpName, filePerms); err != nil {
		cleanup()

		return fmt.Errorf("file storage: failed to chmod key %q: %w", key, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()

		return fmt.Errorf("file storage: failed to commit key %q: %w", key, err)
	}

	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.ErrNotFound
		}

		return fmt.Errorf("file storage: failed to delete key %q: %w", key, err)
	}

	return nil
}

func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	err := filepath.WalkDir(s.rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, tmpSuffix) || path == s.lockPath() {
			return nil
		}
		rel, err := filepath.Rel(s.rootDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("file storage: failed to list keys: %w", err)
	}
	sort.Strings(keys)

	return keys, nil
}

func (s *Store) Update(_ context.Context, key string, fn storage.UpdateFunc) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lockRoot()
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := s.read(key)
	found := true
	if errors.Is(err, storage.ErrNotFound) {
		cur, found = nil, false
	} else if err != nil {
		return err
	}

	next, err := fn(cur, found)
	if err != nil {
		return err
	}

	return s.write(key, next)
}

func (s *Store) lockPath() string { return filepath.Join(s.rootDir, lockName) }

// lockRoot takes the cross-process update lock.
func (s *Store) lockRoot() (func(), error) {
	f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_RDWR, filePerms)
	if err != nil {
		return nil, fmt.Errorf("file storage: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("file storage: lock: %w", err)
	}

	return func() {
		_ = unlockFile(f)
		_ = f.Close()
	}, nil
}

func (s *Store) Close() error { return nil }
