package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"sync"
)

// MemoryStorage keeps objects in memory. Used by tests and local runs
// without an object store.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (m *MemoryStorage) Save(ctx context.Context, path string, body io.Reader, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = data
	m.types[path] = contentType
	return nil
}

func (m *MemoryStorage) Read(ctx context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, path)
	}
	return bytes.Clone(data), nil
}

func (m *MemoryStorage) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	delete(m.types, path)
	return nil
}

func (m *MemoryStorage) PresignPut(ctx context.Context, path, contentType string) (string, error) {
	return "memory://put/" + url.PathEscape(path), nil
}

func (m *MemoryStorage) PresignGet(ctx context.Context, path string) (string, error) {
	return "memory://get/" + url.PathEscape(path), nil
}

// ContentType returns the content type an object was saved with.
func (m *MemoryStorage) ContentType(path string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.types[path]
}

// Paths lists stored object paths, sorted.
func (m *MemoryStorage) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.objects))
	for p := range m.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
