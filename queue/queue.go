// Package queue implements the bounded, durable FIFO of outbound session
// updates that accumulate while the broadcast link is down. Contents are
// persisted on every mutation so an offline period spanning a process restart
// is survivable.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fitpulse/sessioncore/pkg/logger"
	"github.com/fitpulse/sessioncore/store"
)

const (
	// DefaultMaxQueue bounds the number of pending messages. Inserting past
	// the bound evicts the oldest entries first.
	DefaultMaxQueue = 50

	// DefaultMaxRetry bounds delivery attempts per message. A message that
	// fails more often is dropped.
	DefaultMaxRetry = 3

	// StorageKey is the persistent slot holding the pending messages,
	// oldest first.
	StorageKey = "workout_broadcast_queue"
)

// Message is a single pending outbound update. The payload is opaque to the
// queue; it is whatever envelope the emitter produced.
type Message struct {
	ID         string          `json:"id"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
}

// Config configures a Queue.
type Config struct {
	Store    store.Store[[]Message]
	MaxQueue int
	MaxRetry int

	// OnDrop is invoked for every message discarded after exhausting its
	// retries or evicted by the capacity bound. Optional; drops are
	// warn-logged either way.
	OnDrop func(Message)

	Logger *logger.Logger
}

// Queue is a bounded durable FIFO. The in-memory slice is authoritative;
// persistence failures are logged and do not interrupt operation.
type Queue struct {
	mu       sync.Mutex
	store    store.Store[[]Message]
	messages []Message
	maxQueue int
	maxRetry int
	onDrop   func(Message)
	log      *logger.Logger
	seq      uint64
}

// New creates a Queue, reloading any messages persisted by a previous run.
// A corrupt slot is cleared and treated as empty.
func New(ctx context.Context, config Config) (*Queue, error) {
	if config.Store == nil {
		return nil, errors.New("queue: store is required")
	}
	if config.MaxQueue <= 0 {
		config.MaxQueue = DefaultMaxQueue
	}
	if config.MaxRetry <= 0 {
		config.MaxRetry = DefaultMaxRetry
	}
	if config.Logger == nil {
		config.Logger = logger.Default()
	}

	q := &Queue{
		store:    config.Store,
		maxQueue: config.MaxQueue,
		maxRetry: config.MaxRetry,
		onDrop:   config.OnDrop,
		log:      config.Logger,
	}

	msgs, err := config.Store.Load(ctx, StorageKey)
	switch {
	case err == nil:
		q.messages = msgs
	case errors.Is(err, store.ErrNotFound):
		// first run
	case errors.Is(err, store.ErrCorrupted):
		q.log.Warn("queue slot corrupted, starting empty", "key", StorageKey)
		_ = config.Store.Delete(ctx, StorageKey)
	default:
		return nil, fmt.Errorf("queue: load pending messages: %w", err)
	}

	return q, nil
}

// Enqueue appends a message with a fresh time-ordered ID. If the queue is at
// capacity, the oldest entries are evicted first.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage) Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	msg := Message{
		ID:         fmt.Sprintf("%d-%d", time.Now().UnixNano(), q.seq),
		EnqueuedAt: time.Now(),
		Payload:    payload,
	}
	q.messages = append(q.messages, msg)

	for len(q.messages) > q.maxQueue {
		dropped := q.messages[0]
		q.messages = q.messages[1:]
		q.drop(dropped, "queue full")
	}

	q.persist(ctx)
	return msg
}

// MarkSent removes the messages with the given IDs. This is the only success
// path out of the queue.
func (q *Queue) MarkSent(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}

	sent := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		sent[id] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.messages[:0]
	for _, msg := range q.messages {
		if _, ok := sent[msg.ID]; !ok {
			kept = append(kept, msg)
		}
	}
	q.messages = kept
	q.persist(ctx)
}

// Fail records a failed delivery attempt for the message with the given ID.
// Once the retry count reaches the bound the message is dropped.
func (q *Queue) Fail(ctx context.Context, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.messages {
		if q.messages[i].ID != id {
			continue
		}
		q.messages[i].RetryCount++
		if q.messages[i].RetryCount >= q.maxRetry {
			dropped := q.messages[i]
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			q.drop(dropped, "max retries exceeded")
		}
		q.persist(ctx)
		return
	}
}

// Pending returns a copy of the queued messages in original enqueue order.
func (q *Queue) Pending() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Message, len(q.messages))
	copy(out, q.messages)
	return out
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Clear discards all queued messages and the persisted slot.
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.messages = nil
	if err := q.store.Delete(ctx, StorageKey); err != nil {
		q.log.Warn("failed to clear queue slot", "error", err)
	}
}

// drop handles a discarded message. Must be called with the lock held.
func (q *Queue) drop(msg Message, reason string) {
	q.log.Warn("dropping queued message", "id", msg.ID, "retries", msg.RetryCount, "reason", reason)
	if q.onDrop != nil {
		q.onDrop(msg)
	}
}

// persist writes the full queue to the store. Must be called with the lock
// held. Failures are logged; the in-memory queue stays authoritative.
func (q *Queue) persist(ctx context.Context) {
	if err := q.store.Save(ctx, StorageKey, q.messages); err != nil {
		q.log.Warn("failed to persist queue", "error", err, "len", len(q.messages))
	}
}
