// Package storage keeps binary artefacts such as rendered PDFs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// ErrObjectNotFound is returned when no object exists under a key.
var ErrObjectNotFound = errors.New("storage: object not found")

// ErrInvalidKey is returned for empty keys or keys escaping the store root.
var ErrInvalidKey = errors.New("storage: invalid key")

// ObjectStore persists opaque blobs addressed by slash separated keys.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// URLFunc maps a key to the URL returned from Put.
type URLFunc func(key string) string

func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

// FileStore writes objects below a root directory.
type FileStore struct {
	root string
	url  URLFunc
}

// NewFileStore builds a FileStore. A nil url func yields file:// URLs.
func NewFileStore(root string, url URLFunc) *FileStore {
	if strings.TrimSpace(root) == "" {
		root = filepath.Join(os.TempDir(), "tillpoint")
	}
	return &FileStore{root: root, url: url}
}

// Put writes data atomically, replacing any previous object under key.
func (s *FileStore) Put(_ context.Context, key string, data []byte) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	target := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("storage: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("storage: temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("storage: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("storage: close: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", fmt.Errorf("storage: chmod: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("storage: rename: %w", err)
	}
	if s.url != nil {
		return s.url(key), nil
	}
	return "file://" + filepath.ToSlash(target), nil
}

// Get reads the object stored under key.
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("storage: read: %w", err)
	}
	return data, nil
}

// MemoryStore keeps objects in process memory. Used by tests and the CLI dry run.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	puts    int
	url     URLFunc
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore(url URLFunc) *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte), url: url}
}

// Put stores a copy of data.
func (s *MemoryStore) Put(_ context.Context, key string, data []byte) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.objects[key] = append([]byte(nil), data...)
	s.puts++
	s.mu.Unlock()
	if s.url != nil {
		return s.url(key), nil
	}
	return "mem://" + key, nil
}

// Get returns a copy of the stored object.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

// Len reports how many distinct keys are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Puts reports how many writes were accepted.
func (s *MemoryStore) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}
