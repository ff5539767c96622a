package testutil

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBlobBackend is an in-memory object store for content tests.
type MemoryBlobBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	err     error
	corrupt bool
}

// NewMemoryBlobBackend creates an empty backend.
func NewMemoryBlobBackend() *MemoryBlobBackend {
	return &MemoryBlobBackend{objects: make(map[string][]byte)}
}

// Put stores a copy of data under key.
func (b *MemoryBlobBackend) Put(_ context.Context, key string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	stored := append([]byte(nil), data...)
	if b.corrupt && len(stored) > 0 {
		stored[0] ^= 0xff
	}
	b.objects[key] = stored
	b.puts++
	return nil
}

// Get returns a copy of the object stored under key.
func (b *MemoryBlobBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return append([]byte(nil), data...), nil
}

// SetError makes every call fail with err until cleared with nil.
func (b *MemoryBlobBackend) SetError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// SetCorrupt flips the first byte of every subsequent Put.
func (b *MemoryBlobBackend) SetCorrupt(corrupt bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.corrupt = corrupt
}

// PutCount returns the number of successful uploads.
func (b *MemoryBlobBackend) PutCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts
}

// ObjectCount returns the number of distinct stored keys.
func (b *MemoryBlobBackend) ObjectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}
