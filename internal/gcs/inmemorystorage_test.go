package gcs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hashmap-kz/storecrypt/pkg/storage"
)

// InMemoryStorage is a simple in-memory implementation of the
// storage.Storage interface for snapshot tests.
type InMemoryStorage struct {
	files map[string][]byte
	mu    sync.RWMutex
}

func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		files: make(map[string][]byte),
	}
}

// matches reports whether key lives under the given directory path.
// An empty path means the storage root, i.e. everything.
func matches(key, path string) bool {
	if path == "" || path == "/" {
		return true
	}
	prefix := strings.TrimSuffix(path, "/") + "/"
	return strings.HasPrefix(key, prefix)
}

func (s *InMemoryStorage) Put(_ context.Context, path string, r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.files[path] = data
	return nil
}

func (s *InMemoryStorage) Get(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.files[path]
	if !ok {
		return nil, errors.New("file not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *InMemoryStorage) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[path]; !ok {
		return errors.New("file not found")
	}
	delete(s.files, path)
	return nil
}

func (s *InMemoryStorage) DeleteAll(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if matches(key, path) || key == path {
			delete(s.files, key)
		}
	}
	return nil
}

func (s *InMemoryStorage) DeleteAllBulk(ctx context.Context, paths []string) error {
	for _, p := range paths {
		if err := s.DeleteAll(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryStorage) List(_ context.Context, path string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	for k := range s.files {
		if matches(k, path) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *InMemoryStorage) Exists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.files[path]
	return ok, nil
}

func (s *InMemoryStorage) ListInfo(_ context.Context, path string) ([]storage.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var infos []storage.FileInfo
	for name := range s.files {
		if matches(name, path) {
			infos = append(infos, storage.FileInfo{
				Path:    name,
				ModTime: time.Now(),
			})
		}
	}
	return infos, nil
}

func (s *InMemoryStorage) DeleteDir(_ context.Context, _ string) error {
	panic("implement me")
}

func (s *InMemoryStorage) ListTopLevelDirs(_ context.Context, _ string) (map[string]bool, error) {
	panic("implement me")
}

// Make sure InMemoryStorage implements storage.Storage interface
var _ storage.Storage = (*InMemoryStorage)(nil)
