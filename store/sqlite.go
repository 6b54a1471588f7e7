package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) a single-file SQLite database at path and
// ensures the slots table exists. The returned DB is shared between the typed
// stores so that all slots live in one file.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS slots (
		prefix TEXT NOT NULL,
		key    TEXT NOT NULL,
		value  BLOB NOT NULL,
		PRIMARY KEY (prefix, key)
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create slots table: %w", err)
	}

	return db, nil
}

// SQLiteStore is a SQLite-backed implementation of the Store interface. It
// suits single-device deployments where one portable file must hold the active
// session, the history, and the offline queue.
type SQLiteStore[T any] struct {
	db     *sql.DB
	prefix string
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a typed store over a shared SQLite DB opened with
// OpenSQLite. Closing the store does not close the DB.
func NewSQLiteStore[T any](db *sql.DB, prefix string) *SQLiteStore[T] {
	return &SQLiteStore[T]{db: db, prefix: prefix}
}

func (s *SQLiteStore[T]) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save stores or overwrites the value under key.
func (s *SQLiteStore[T]) Save(ctx context.Context, key string, value T) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := s.guard(); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO slots (prefix, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (prefix, key) DO UPDATE SET value = excluded.value`,
		s.prefix, key, data)
	if err != nil {
		return fmt.Errorf("failed to save value: %w", err)
	}
	return nil
}

// Load retrieves the value under key.
func (s *SQLiteStore[T]) Load(ctx context.Context, key string) (T, error) {
	var zero T
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	if err := s.guard(); err != nil {
		return zero, err
	}

	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM slots WHERE prefix = ? AND key = ?`,
		s.prefix, key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("failed to load value: %w", err)
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	return value, nil
}

// Delete removes the key.
func (s *SQLiteStore[T]) Delete(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM slots WHERE prefix = ? AND key = ?`, s.prefix, key)
	if err != nil {
		return fmt.Errorf("failed to delete value: %w", err)
	}
	return nil
}

// Exists checks whether the key is present.
func (s *SQLiteStore[T]) Exists(ctx context.Context, key string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err := s.guard(); err != nil {
		return false, err
	}

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM slots WHERE prefix = ? AND key = ?`,
		s.prefix, key).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check existence: %w", err)
	}
	return true, nil
}

// Count returns the number of keys under this store's prefix.
func (s *SQLiteStore[T]) Count(ctx context.Context) (int64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if err := s.guard(); err != nil {
		return 0, err
	}

	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM slots WHERE prefix = ?`, s.prefix).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count keys: %w", err)
	}
	return count, nil
}

// Close marks the typed store closed. The shared DB stays open.
func (s *SQLiteStore[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.closed = true
	return nil
}
