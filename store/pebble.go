package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// OpenPebble opens (or creates) a Pebble database at path. The returned DB is
// shared between the typed stores so that all slots live in one database.
func OpenPebble(path string) (*pebble.DB, error) {
	return pebble.Open(path, &pebble.Options{ErrorIfExists: false})
}

// PebbleStore is a Pebble-backed implementation of the Store interface. Keys
// are namespaced by prefix so several typed stores can share one DB.
type PebbleStore[T any] struct {
	db     *pebble.DB
	prefix []byte
	mu     sync.RWMutex
	closed bool
}

// NewPebbleStore creates a typed store over a shared Pebble DB. Closing the
// store does not close the DB; close it at the composition root.
func NewPebbleStore[T any](db *pebble.DB, prefix string) *PebbleStore[T] {
	return &PebbleStore[T]{
		db:     db,
		prefix: []byte(prefix),
	}
}

func (p *PebbleStore[T]) makeKey(key string) []byte {
	k := make([]byte, 0, len(p.prefix)+len(key))
	k = append(k, p.prefix...)
	return append(k, key...)
}

func (p *PebbleStore[T]) guard() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save stores or overwrites the value under key.
func (p *PebbleStore[T]) Save(ctx context.Context, key string, value T) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := p.guard(); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return p.db.Set(p.makeKey(key), data, pebble.Sync)
}

// Load retrieves the value under key.
func (p *PebbleStore[T]) Load(ctx context.Context, key string) (T, error) {
	var zero T
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	if err := p.guard(); err != nil {
		return zero, err
	}

	data, closer, err := p.db.Get(p.makeKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return zero, ErrNotFound
		}
		return zero, err
	}
	defer closer.Close()

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	return value, nil
}

// Delete removes the key.
func (p *PebbleStore[T]) Delete(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := p.guard(); err != nil {
		return err
	}

	return p.db.Delete(p.makeKey(key), pebble.Sync)
}

// Exists checks whether the key is present.
func (p *PebbleStore[T]) Exists(ctx context.Context, key string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err := p.guard(); err != nil {
		return false, err
	}

	_, closer, err := p.db.Get(p.makeKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

// Count returns the number of keys under this store's prefix.
func (p *PebbleStore[T]) Count(ctx context.Context) (int64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if err := p.guard(); err != nil {
		return 0, err
	}

	upper := make([]byte, len(p.prefix))
	copy(upper, p.prefix)
	upper = append(upper, 0xff)

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: p.prefix,
		UpperBound: upper,
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var count int64
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	return count, nil
}

// Close marks the typed store closed. The shared DB stays open.
func (p *PebbleStore[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrStoreClosed
	}
	p.closed = true
	return nil
}
