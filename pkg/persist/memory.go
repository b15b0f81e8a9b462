package persist

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBackend keeps values in a process-local map. It is the session-scope
// backend: its lifetime is the lifetime of the owning process.
type MemoryBackend struct {
	mu       sync.RWMutex
	values   map[string][]byte
	maxBytes int
	size     int
}

// NewMemoryBackend creates a backend. A positive maxBytes caps the total
// stored size and makes oversize writes fail with ErrQuotaExceeded.
func NewMemoryBackend(maxBytes int) *MemoryBackend {
	return &MemoryBackend{
		values:   make(map[string][]byte),
		maxBytes: maxBytes,
	}
}

// Get returns a copy of the stored value.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Set stores a copy of value.
func (m *MemoryBackend) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newSize := m.size - len(m.values[key]) + len(value)
	if m.maxBytes > 0 && newSize > m.maxBytes {
		return fmt.Errorf("writing %d bytes: %w", len(value), ErrQuotaExceeded)
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.values[key] = stored
	m.size = newSize
	return nil
}

// Delete removes key.
func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.size -= len(m.values[key])
	delete(m.values, key)
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// Close is a no-op.
func (*MemoryBackend) Close() error {
	return nil
}

// Verify interface compliance.
var _ Backend = (*MemoryBackend)(nil)
