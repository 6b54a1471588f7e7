package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory implementation of the Store interface. Values
// are round-tripped through JSON so that serialization behavior matches the
// durable backends, including corruption semantics in tests.
type MemoryStore[T any] struct {
	mu     sync.RWMutex
	slots  map[string][]byte
	closed bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{
		slots: make(map[string][]byte),
	}
}

// Save stores or overwrites the value under key.
func (m *MemoryStore[T]) Save(ctx context.Context, key string, value T) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	m.slots[key] = data
	return nil
}

// Load retrieves the value under key.
func (m *MemoryStore[T]) Load(ctx context.Context, key string) (T, error) {
	var zero T
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return zero, ErrStoreClosed
	}

	data, ok := m.slots[key]
	if !ok {
		return zero, ErrNotFound
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	return value, nil
}

// Delete removes the key.
func (m *MemoryStore[T]) Delete(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.slots, key)
	return nil
}

// Exists checks whether the key is present.
func (m *MemoryStore[T]) Exists(ctx context.Context, key string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, ErrStoreClosed
	}

	_, ok := m.slots[key]
	return ok, nil
}

// Count returns the number of keys held.
func (m *MemoryStore[T]) Count(ctx context.Context) (int64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	return int64(len(m.slots)), nil
}

// Close closes the store.
func (m *MemoryStore[T]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	m.closed = true
	m.slots = nil
	return nil
}

// Corrupt overwrites the key with bytes that cannot be decoded. It exists so
// tests can exercise the corrupt-slot recovery path.
func (m *MemoryStore[T]) Corrupt(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.slots[key] = []byte("{not json")
	}
}
