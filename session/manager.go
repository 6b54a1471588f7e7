// Package session tracks a single live training session: its typed state,
// durable autosave, completion history, and recovery after an interruption.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fitpulse/sessioncore/pkg/logger"
	"github.com/fitpulse/sessioncore/store"
)

const (
	// ActiveSessionKey is the persistent slot holding the single active
	// session snapshot.
	ActiveSessionKey = "activeWorkoutSession"

	// DefaultAutosaveInterval bounds worst-case data loss between explicit
	// saves.
	DefaultAutosaveInterval = 30 * time.Second
)

// Sink receives session snapshots for delivery to remote observers. force
// bypasses outbound throttling; it is set for pause/resume/complete, which
// must never be dropped.
type Sink interface {
	Publish(ctx context.Context, state *State, force bool)
	Disconnect()
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store   store.Store[*State]
	Archive *Archive
	Sink    Sink

	// AutosaveInterval is how often the active session is opportunistically
	// persisted. Zero selects the default.
	AutosaveInterval time.Duration

	Logger *logger.Logger
}

// StartConfig describes the session to create.
type StartConfig struct {
	WorkoutID string
	EventID   string
	Kind      Kind

	// Sub is the initial type-specific sub-state. Nil starts from the zero
	// value for Kind; missing nested collections are defaulted to empty.
	Sub SubState

	Metrics map[string]float64
}

// Manager owns the single active session and drives its lifecycle. It is the
// only writer of the active-session slot. Construct one per composition root
// and pass it by reference; there is no package-level instance.
type Manager struct {
	mu      sync.RWMutex
	current *State

	store   store.Store[*State]
	archive *Archive
	sink    Sink
	log     *logger.Logger

	autosaveTicker *time.Ticker
	stopCh         chan struct{}
	wg             sync.WaitGroup
}

// NewManager creates a Manager and starts its autosave loop. Call Close to
// stop it.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if config.AutosaveInterval <= 0 {
		config.AutosaveInterval = DefaultAutosaveInterval
	}
	if config.Logger == nil {
		config.Logger = logger.Default()
	}

	m := &Manager{
		store:          config.Store,
		archive:        config.Archive,
		sink:           config.Sink,
		log:            config.Logger,
		autosaveTicker: time.NewTicker(config.AutosaveInterval),
		stopCh:         make(chan struct{}),
	}

	m.wg.Add(1)
	go m.autosaveLoop()

	return m, nil
}

// StartSession creates a fresh session and persists it immediately. Any
// pre-existing active session in storage is overwritten: single-active-session
// policy.
func (m *Manager) StartSession(ctx context.Context, config StartConfig) (*State, error) {
	if config.WorkoutID == "" {
		return nil, ErrMissingWorkoutID
	}
	if !config.Kind.Valid() {
		return nil, ErrUnknownKind
	}

	sub := config.Sub
	if sub == nil {
		sub, _ = newSubState(config.Kind)
	} else if sub.Kind() != config.Kind {
		return nil, ErrKindMismatch
	}
	sub.normalize()

	metrics := make(map[string]float64, len(config.Metrics))
	for k, v := range config.Metrics {
		metrics[k] = v
	}

	now := time.Now()
	state := &State{
		SessionID:     uuid.NewString(),
		WorkoutID:     config.WorkoutID,
		EventID:       config.EventID,
		Kind:          config.Kind,
		StartedAt:     now,
		LastUpdatedAt: now,
		Metrics:       metrics,
		Sub:           sub,
	}

	m.mu.Lock()
	if m.current != nil {
		m.log.Warn("starting new session over an active one",
			"previous", m.current.SessionID, "workout", m.current.WorkoutID)
	}
	m.current = state
	snap := state.Clone()
	m.mu.Unlock()

	m.save(ctx, snap)
	m.publish(ctx, snap, true)

	m.log.Info("session started", "session", state.SessionID, "workout", state.WorkoutID, "kind", state.Kind)
	return snap, nil
}

// PauseSession pauses the active session and broadcasts immediately. A no-op
// when no session is active.
func (m *Manager) PauseSession(ctx context.Context) {
	m.setPaused(ctx, true)
}

// ResumeSession resumes a paused session and broadcasts immediately. A no-op
// when no session is active.
func (m *Manager) ResumeSession(ctx context.Context) {
	m.setPaused(ctx, false)
}

func (m *Manager) setPaused(ctx context.Context, paused bool) {
	m.mu.Lock()
	if m.current == nil || m.current.Completed {
		m.mu.Unlock()
		m.log.Warn("pause/resume with no active session")
		return
	}
	m.current.Paused = paused
	m.current.LastUpdatedAt = time.Now()
	snap := m.current.Clone()
	m.mu.Unlock()

	m.save(ctx, snap)
	m.publish(ctx, snap, true)
}

// UpdateSession shallow-merges a partial update into the active session and
// persists it. The change is broadcast only when it touches pause, completion
// or overall progress. A no-op when no session is active.
func (m *Manager) UpdateSession(ctx context.Context, update Update) {
	m.mu.Lock()
	if m.current == nil || m.current.Completed {
		m.mu.Unlock()
		m.log.Warn("update with no active session")
		return
	}

	if update.Sub != nil {
		if update.Sub.Kind() != m.current.Kind {
			m.mu.Unlock()
			m.log.Warn("ignoring sub-state of mismatched kind",
				"session", m.current.Kind, "update", update.Sub.Kind())
			return
		}
		sub := update.Sub.clone()
		sub.normalize()
		m.current.Sub = sub
	}
	if update.Progress != nil {
		m.current.OverallProgress = clampProgress(m.current.OverallProgress, *update.Progress)
	}
	if update.Paused != nil {
		m.current.Paused = *update.Paused
	}
	if update.Completed != nil && *update.Completed {
		m.current.Completed = true
		m.current.Paused = false
	}
	if update.EventID != nil {
		m.current.EventID = *update.EventID
	}
	for k, v := range update.Metrics {
		m.current.Metrics[k] = v
	}
	m.current.LastUpdatedAt = time.Now()
	snap := m.current.Clone()
	m.mu.Unlock()

	m.save(ctx, snap)
	if update.Significant() {
		m.publish(ctx, snap, update.Paused != nil || update.Completed != nil)
	}
}

// UpdateProgress sets the overall progress percentage. Decreases are ignored
// while the session is active.
func (m *Manager) UpdateProgress(ctx context.Context, progress int) {
	m.UpdateSession(ctx, Update{Progress: &progress})
}

// UpdateMetrics shallow-merges domain metrics into the active session and
// persists. Metrics alone are not broadcast; they ride along with the next
// emitted update. A no-op when no session is active.
func (m *Manager) UpdateMetrics(ctx context.Context, metrics map[string]float64) {
	m.UpdateSession(ctx, Update{Metrics: metrics})
}

// CompleteSession finalizes the active session: progress 100, unpaused,
// completed. The snapshot is archived, the active slot cleared, and the
// completion broadcast immediately. Returns nil when no session is active.
func (m *Manager) CompleteSession(ctx context.Context, finalMetrics map[string]float64) *State {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		m.log.Warn("complete with no active session")
		return nil
	}
	for k, v := range finalMetrics {
		m.current.Metrics[k] = v
	}
	m.current.Completed = true
	m.current.Paused = false
	m.current.OverallProgress = 100
	m.current.LastUpdatedAt = time.Now()
	snap := m.current.Clone()
	m.current = nil
	m.mu.Unlock()

	if m.archive != nil {
		m.archive.Append(ctx, snap)
	}
	if err := m.store.Delete(ctx, ActiveSessionKey); err != nil {
		m.log.Warn("failed to clear active session slot", "error", err)
	}
	m.publish(ctx, snap, true)

	m.log.Info("session completed", "session", snap.SessionID, "workout", snap.WorkoutID)
	return snap
}

// ClearSession unconditionally discards the active session without archiving
// and disconnects the broadcast sink. Used for abandon and error-recovery
// paths.
func (m *Manager) ClearSession(ctx context.Context) {
	m.mu.Lock()
	cleared := m.current
	m.current = nil
	m.mu.Unlock()

	if err := m.store.Delete(ctx, ActiveSessionKey); err != nil {
		m.log.Warn("failed to clear active session slot", "error", err)
	}
	if m.sink != nil {
		m.sink.Disconnect()
	}
	if cleared != nil {
		m.log.Info("session cleared", "session", cleared.SessionID)
	}
}

// Session returns a snapshot of the active session, or nil.
func (m *Manager) Session() *State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	return m.current.Clone()
}

// IsSessionActive reports whether a session is currently active.
func (m *Manager) IsSessionActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil
}

// SaveNow persists the active session immediately. Callers invoke it on
// process-visibility transitions (foreground regain, impending termination).
func (m *Manager) SaveNow(ctx context.Context) {
	m.mu.RLock()
	var snap *State
	if m.current != nil {
		snap = m.current.Clone()
	}
	m.mu.RUnlock()

	if snap != nil {
		m.save(ctx, snap)
	}
}

// StoredSession reads the persisted active-session slot without touching the
// live state. Callers use it to offer a "resume previous session?" prompt.
// A corrupt slot is cleared and reported as absent.
func (m *Manager) StoredSession(ctx context.Context) (*State, error) {
	state, err := m.store.Load(ctx, ActiveSessionKey)
	switch {
	case err == nil:
		return state, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case errors.Is(err, store.ErrCorrupted):
		m.log.Warn("active session slot corrupted, clearing", "error", err)
		_ = m.store.Delete(ctx, ActiveSessionKey)
		return nil, nil
	default:
		return nil, err
	}
}

// ResumeFromStorage rehydrates an interrupted session from the persisted slot
// if its workout matches the one being opened. On a mismatch the stored
// session is left untouched for the caller to decide about, and ok is false.
func (m *Manager) ResumeFromStorage(ctx context.Context, workoutID string) (*State, bool) {
	stored, err := m.StoredSession(ctx)
	if err != nil {
		m.log.Warn("failed to read stored session", "error", err)
		return nil, false
	}
	if stored == nil {
		return nil, false
	}
	if stored.Completed {
		// A completed snapshot should never occupy the active slot.
		m.log.Warn("stored session already completed, clearing", "session", stored.SessionID)
		_ = m.store.Delete(ctx, ActiveSessionKey)
		return nil, false
	}
	if stored.WorkoutID != workoutID {
		m.log.Info("stored session belongs to another workout",
			"stored", stored.WorkoutID, "requested", workoutID)
		return nil, false
	}

	m.mu.Lock()
	m.current = stored
	snap := stored.Clone()
	m.mu.Unlock()

	m.log.Info("session resumed from storage", "session", snap.SessionID, "workout", snap.WorkoutID)
	return snap, true
}

// Close stops the autosave loop after a final save. It does not close the
// underlying stores; the composition root owns those.
func (m *Manager) Close() error {
	close(m.stopCh)
	m.autosaveTicker.Stop()
	m.wg.Wait()
	m.SaveNow(context.Background())
	return nil
}

func (m *Manager) autosaveLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.autosaveTicker.C:
			m.SaveNow(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// save persists a snapshot. Persistence failures are logged, never raised:
// session continuity wins over strict durability.
func (m *Manager) save(ctx context.Context, snap *State) {
	if err := m.store.Save(ctx, ActiveSessionKey, snap); err != nil {
		m.log.Warn("failed to persist session", "error", err, "session", snap.SessionID)
	}
}

func (m *Manager) publish(ctx context.Context, snap *State, force bool) {
	if m.sink != nil {
		m.sink.Publish(ctx, snap, force)
	}
}

// clampProgress enforces the 0..100 range and monotonic non-decrease.
func clampProgress(current, next int) int {
	if next < current {
		return current
	}
	if next > 100 {
		return 100
	}
	if next < 0 {
		return 0
	}
	return next
}
