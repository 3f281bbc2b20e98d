// ABOUTME: Local key-value persistence for client auth state
// ABOUTME: Tiered strategy probed once: state dir, temp dir, then memory

package client

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Storage persists small client state strings: device id, credential
// reference, session token. Implementations are safe for concurrent use.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string)
}

// OpenStorage probes the storage tiers once and returns the best available:
// the given state directory, then the system temp directory, then memory.
// Memory-backed state means sessions do not survive the process, which
// mirrors how the flows degrade when persistence is unavailable.
func OpenStorage(dir string) Storage {
	logger := slog.Default().With("component", "client-storage")

	if dir != "" {
		if s, err := newFileStorage(dir); err == nil {
			return s
		} else {
			logger.Warn("state dir unavailable, falling back", "dir", dir, "error", err)
		}
	}

	tmpDir := filepath.Join(os.TempDir(), "warden-gate-state")
	if s, err := newFileStorage(tmpDir); err == nil {
		return s
	} else {
		logger.Warn("temp storage unavailable, using memory", "dir", tmpDir, "error", err)
	}

	return newMemoryStorage()
}

// fileStorage keeps each key in its own file under a directory.
type fileStorage struct {
	dir string
	mu  sync.Mutex
}

func newFileStorage(dir string) (*fileStorage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	// Probe writability once; later failures surface per-call.
	probe := filepath.Join(dir, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
		return nil, err
	}
	_ = os.Remove(probe)
	return &fileStorage{dir: dir}, nil
}

// keyPath maps a key to a file name, escaping path separators.
func (s *fileStorage) keyPath(key string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(key)
	return filepath.Join(s.dir, safe)
}

func (s *fileStorage) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.keyPath(key))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (s *fileStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.WriteFile(s.keyPath(key), []byte(value), 0600)
}

func (s *fileStorage) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = os.Remove(s.keyPath(key))
}

// memoryStorage is the last-resort tier.
type memoryStorage struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{values: make(map[string]string)}
}

func (s *memoryStorage) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *memoryStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *memoryStorage) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}
