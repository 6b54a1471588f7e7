package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig configures a Redis-backed store.
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // key namespace, e.g. "fitpulse:"
	TTL      time.Duration // 0 = keys never expire
	Options  *redis.Options
}

// RedisStore is a Redis-backed implementation of the Store interface. It is
// meant for deployments where session state must survive the device itself,
// e.g. a coaching dashboard following several athletes.
type RedisStore[T any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// NewRedisStore creates a Redis-backed store and verifies connectivity.
func NewRedisStore[T any](config RedisStoreConfig) (*RedisStore[T], error) {
	opts := config.Options
	if opts == nil {
		opts = &redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = "fitpulse:"
	}

	return &RedisStore[T]{
		client: client,
		prefix: prefix,
		ttl:    config.TTL,
	}, nil
}

func (r *RedisStore[T]) makeKey(key string) string {
	return r.prefix + key
}

func (r *RedisStore[T]) guard() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save stores or overwrites the value under key.
func (r *RedisStore[T]) Save(ctx context.Context, key string, value T) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := r.guard(); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := r.client.Set(ctx, r.makeKey(key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save value: %w", err)
	}
	return nil
}

// Load retrieves the value under key.
func (r *RedisStore[T]) Load(ctx context.Context, key string) (T, error) {
	var zero T
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	if err := r.guard(); err != nil {
		return zero, err
	}

	data, err := r.client.Get(ctx, r.makeKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
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
func (r *RedisStore[T]) Delete(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := r.guard(); err != nil {
		return err
	}

	if err := r.client.Del(ctx, r.makeKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete value: %w", err)
	}
	return nil
}

// Exists checks whether the key is present.
func (r *RedisStore[T]) Exists(ctx context.Context, key string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err := r.guard(); err != nil {
		return false, err
	}

	n, err := r.client.Exists(ctx, r.makeKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check existence: %w", err)
	}
	return n > 0, nil
}

// Count returns the number of keys under this store's prefix.
func (r *RedisStore[T]) Count(ctx context.Context) (int64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if err := r.guard(); err != nil {
		return 0, err
	}

	var count int64
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to count keys: %w", err)
		}
		count += int64(len(keys))
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}

// Close closes the store and the underlying client.
func (r *RedisStore[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrStoreClosed
	}
	r.closed = true
	return r.client.Close()
}
