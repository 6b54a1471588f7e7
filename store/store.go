package store

import (
	"context"
)

// Store is a durable key-value slot abstraction. The synchronization core
// keeps three logical slots in it: the active session snapshot, the completed
// session history, and the pending broadcast queue. Values are JSON-serialized
// by the backend.
type Store[T any] interface {
	// Save stores or overwrites the value under key.
	Save(ctx context.Context, key string, value T) error

	// Load retrieves the value under key. It returns ErrNotFound when the key
	// is absent and ErrCorrupted when the stored bytes cannot be decoded into T.
	Load(ctx context.Context, key string) (T, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Count returns the number of keys held by this store.
	Count(ctx context.Context) (int64, error)

	// Close closes the store.
	Close() error
}
