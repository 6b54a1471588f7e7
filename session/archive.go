package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fitpulse/sessioncore/pkg/logger"
	"github.com/fitpulse/sessioncore/store"
)

const (
	// HistoryKey is the persistent slot holding completed sessions,
	// newest first.
	HistoryKey = "workoutSessionHistory"

	// DefaultHistoryLimit bounds the archive; the oldest entries are
	// evicted first.
	DefaultHistoryLimit = 50
)

// Archived is an immutable snapshot of a completed session.
type Archived struct {
	State      *State    `json:"state"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Archive is the bounded, append-only history of completed sessions.
type Archive struct {
	mu      sync.RWMutex
	store   store.Store[[]Archived]
	entries []Archived
	limit   int
	log     *logger.Logger
}

// ArchiveConfig configures an Archive.
type ArchiveConfig struct {
	Store  store.Store[[]Archived]
	Limit  int
	Logger *logger.Logger
}

// NewArchive creates an Archive, reloading any history persisted by a
// previous run. A corrupt slot is cleared and treated as empty.
func NewArchive(ctx context.Context, config ArchiveConfig) (*Archive, error) {
	if config.Store == nil {
		return nil, errors.New("session: archive store is required")
	}
	if config.Limit <= 0 {
		config.Limit = DefaultHistoryLimit
	}
	if config.Logger == nil {
		config.Logger = logger.Default()
	}

	a := &Archive{
		store: config.Store,
		limit: config.Limit,
		log:   config.Logger,
	}

	entries, err := config.Store.Load(ctx, HistoryKey)
	switch {
	case err == nil:
		a.entries = entries
	case errors.Is(err, store.ErrNotFound):
		// first run
	case errors.Is(err, store.ErrCorrupted):
		a.log.Warn("history slot corrupted, starting empty", "key", HistoryKey)
		_ = config.Store.Delete(ctx, HistoryKey)
	default:
		return nil, err
	}

	return a, nil
}

// Append adds a completed session snapshot at the front of the history,
// evicting the oldest entries beyond the limit.
func (a *Archive) Append(ctx context.Context, state *State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry := Archived{State: state, ArchivedAt: time.Now()}
	a.entries = append([]Archived{entry}, a.entries...)
	if len(a.entries) > a.limit {
		a.entries = a.entries[:a.limit]
	}

	if err := a.store.Save(ctx, HistoryKey, a.entries); err != nil {
		a.log.Warn("failed to persist session history", "error", err)
	}
}

// History returns a copy of the archived sessions, newest first.
func (a *Archive) History() []Archived {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Archived, len(a.entries))
	copy(out, a.entries)
	return out
}

// Len returns the number of archived sessions.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}
