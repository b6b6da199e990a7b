package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

const memoryScheme = "memory://"

// MemoryStore keeps objects in memory. Useful for tests and local
// development. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
	}
}

// ResolveDownloadLocation returns "memory://<key>" for an existing object.
func (m *MemoryStore) ResolveDownloadLocation(ctx context.Context, objectKey string) (string, error) {
	key, err := cleanKey(objectKey)
	if err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return memoryScheme + key, nil
}

// Fetch returns the bytes behind a memory location.
func (m *MemoryStore) Fetch(ctx context.Context, location string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, ok := strings.CutPrefix(location, memoryScheme)
	if !ok {
		return nil, fmt.Errorf("not a memory location: %s", location)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// PutObject stores the content read from r under objectKey.
func (m *MemoryStore) PutObject(ctx context.Context, objectKey string, r io.Reader, size int64) error {
	key, err := cleanKey(objectKey)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading object: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (m *MemoryStore) Delete(objectKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, objectKey)
}

// ValidateSetup always succeeds.
func (m *MemoryStore) ValidateSetup(ctx context.Context) error {
	return nil
}
