package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fitpulse/sessioncore/pkg/logger"
	"github.com/fitpulse/sessioncore/queue"
	"github.com/fitpulse/sessioncore/session"
)

// DefaultThrottleWindow is the minimum time between non-override broadcasts.
const DefaultThrottleWindow = 2 * time.Second

// EmitterConfig configures an Emitter.
type EmitterConfig struct {
	Link     *Link
	Queue    *queue.Queue
	SenderID string

	// Window is the throttle window. Zero selects the default.
	Window time.Duration

	Logger *logger.Logger
}

// Emitter rate-limits outbound session updates. Pause, completion and a
// transition into the cooldown phase always go out immediately: dropping one
// of those diverges remote state, while intermediate progress ticks are
// safely droppable. This is the only component permitted to drop updates.
//
// Emitter implements session.Sink.
type Emitter struct {
	link     *Link
	queue    *queue.Queue
	senderID string
	window   time.Duration
	log      *logger.Logger

	mu        sync.Mutex
	lastEmit  time.Time
	lastPhase session.Phase

	now func() time.Time
}

var _ session.Sink = (*Emitter)(nil)

// NewEmitter creates an Emitter.
func NewEmitter(config EmitterConfig) (*Emitter, error) {
	if config.Queue == nil {
		return nil, errors.New("broadcast: queue is required")
	}
	if config.Window <= 0 {
		config.Window = DefaultThrottleWindow
	}
	if config.Logger == nil {
		config.Logger = logger.Default()
	}

	return &Emitter{
		link:     config.Link,
		queue:    config.Queue,
		senderID: config.SenderID,
		window:   config.Window,
		log:      config.Logger,
		now:      time.Now,
	}, nil
}

// Publish sends a session snapshot to remote observers, subject to
// throttling. force bypasses the throttle entirely.
func (e *Emitter) Publish(ctx context.Context, state *session.State, force bool) {
	e.mu.Lock()
	should := force || e.shouldEmitLocked(state)
	e.lastPhase = state.CurrentPhase()
	if should {
		e.lastEmit = e.now()
	}
	e.mu.Unlock()

	if !should {
		e.log.Debug("update throttled", "session", state.SessionID, "progress", state.OverallProgress)
		return
	}
	e.emit(ctx, state)
}

// Disconnect tears down the underlying link.
func (e *Emitter) Disconnect() {
	if e.link != nil {
		e.link.Disconnect()
	}
}

// QueuedUpdates returns the number of updates waiting for reconnection.
func (e *Emitter) QueuedUpdates() int {
	return e.queue.Len()
}

// shouldEmitLocked applies the throttle policy: emit when the window has
// elapsed, or the update is an override event (completed, paused, transition
// into cooldown).
func (e *Emitter) shouldEmitLocked(state *session.State) bool {
	if state.Completed || state.Paused {
		return true
	}
	if phase := state.CurrentPhase(); phase == session.PhaseCooldown && e.lastPhase != session.PhaseCooldown {
		return true
	}
	return e.now().Sub(e.lastEmit) >= e.window
}

// emit wraps the snapshot in a workout_update envelope enriched with sender
// identity and a fresh timestamp, then hands it to the link when connected or
// to the offline queue otherwise.
func (e *Emitter) emit(ctx context.Context, state *session.State) {
	data, err := json.Marshal(state)
	if err != nil {
		e.log.Error("failed to marshal session snapshot", "error", err)
		return
	}
	env := &Envelope{
		Type:     TypeWorkoutUpdate,
		SenderID: e.senderID,
		SentAt:   e.now(),
		Data:     data,
	}

	if e.link != nil && e.link.IsConnected() {
		err := e.link.Send(ctx, env)
		if err == nil {
			return
		}
		e.log.Warn("send failed, queueing update", "session", state.SessionID, "error", err)
	}

	frame, err := env.Encode()
	if err != nil {
		e.log.Error("failed to encode update envelope", "error", err)
		return
	}
	e.queue.Enqueue(ctx, frame)
}
