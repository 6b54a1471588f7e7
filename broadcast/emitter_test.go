package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitpulse/sessioncore/pkg/logger"
	"github.com/fitpulse/sessioncore/session"
)

type emitterFixture struct {
	emitter *Emitter
	conn    *fakeConn
	clock   *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// newConnectedEmitter wires an emitter to a link over a fake connection and
// waits for it to come up.
func newConnectedEmitter(t *testing.T) *emitterFixture {
	t.Helper()

	conn := newFakeConn()
	conn.pushAck(t)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	q := newTestQueue(t)
	link := newTestLink(t, dialer.dial, q)
	require.NoError(t, link.Connect(context.Background()))
	waitConnected(t, link)

	e, err := NewEmitter(EmitterConfig{
		Link:     link,
		Queue:    q,
		SenderID: "tester",
		Logger:   logger.Nop(),
	})
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1000, 0)}
	e.now = func() time.Time { return clock.now }

	return &emitterFixture{emitter: e, conn: conn, clock: clock}
}

func intervalState(phase session.Phase) *session.State {
	return &session.State{
		SessionID: "s1",
		WorkoutID: "w1",
		Kind:      session.KindInterval,
		Sub:       &session.IntervalState{Phase: phase},
	}
}

func (f *emitterFixture) updatesSent() int {
	n := 0
	for _, env := range f.conn.sentFrames() {
		if env.Type == TypeWorkoutUpdate {
			n++
		}
	}
	return n
}

func TestEmitter_ThrottlesWithinWindow(t *testing.T) {
	f := newConnectedEmitter(t)
	ctx := context.Background()
	state := intervalState(session.PhaseWork)

	f.emitter.Publish(ctx, state, false)
	assert.Equal(t, 1, f.updatesSent())

	// Inside the window the update is dropped.
	f.clock.advance(500 * time.Millisecond)
	f.emitter.Publish(ctx, state, false)
	assert.Equal(t, 1, f.updatesSent())

	// Once the window has elapsed it goes out again.
	f.clock.advance(DefaultThrottleWindow)
	f.emitter.Publish(ctx, state, false)
	assert.Equal(t, 2, f.updatesSent())
}

func TestEmitter_ForceBypassesThrottle(t *testing.T) {
	f := newConnectedEmitter(t)
	ctx := context.Background()
	state := intervalState(session.PhaseWork)

	f.emitter.Publish(ctx, state, false)
	f.emitter.Publish(ctx, state, true)
	f.emitter.Publish(ctx, state, true)
	assert.Equal(t, 3, f.updatesSent())
}

func TestEmitter_PausedBypassesThrottle(t *testing.T) {
	f := newConnectedEmitter(t)
	ctx := context.Background()

	f.emitter.Publish(ctx, intervalState(session.PhaseWork), false)

	paused := intervalState(session.PhaseWork)
	paused.Paused = true
	f.emitter.Publish(ctx, paused, false)
	assert.Equal(t, 2, f.updatesSent())
}

func TestEmitter_CompletedBypassesThrottle(t *testing.T) {
	f := newConnectedEmitter(t)
	ctx := context.Background()

	f.emitter.Publish(ctx, intervalState(session.PhaseWork), false)

	completed := intervalState(session.PhaseWork)
	completed.Completed = true
	f.emitter.Publish(ctx, completed, false)
	assert.Equal(t, 2, f.updatesSent())
}

func TestEmitter_CooldownTransitionBypassesThrottle(t *testing.T) {
	f := newConnectedEmitter(t)
	ctx := context.Background()

	f.emitter.Publish(ctx, intervalState(session.PhaseWork), false)

	// The transition into cooldown goes out immediately.
	f.emitter.Publish(ctx, intervalState(session.PhaseCooldown), false)
	assert.Equal(t, 2, f.updatesSent())

	// Staying in cooldown is throttled like any other update.
	f.emitter.Publish(ctx, intervalState(session.PhaseCooldown), false)
	assert.Equal(t, 2, f.updatesSent())
}

func TestEmitter_QueuesWhileDisconnected(t *testing.T) {
	q := newTestQueue(t)
	e, err := NewEmitter(EmitterConfig{
		Queue:    q,
		SenderID: "tester",
		Logger:   logger.Nop(),
	})
	require.NoError(t, err)

	e.Publish(context.Background(), intervalState(session.PhaseWork), true)

	assert.Equal(t, 1, e.QueuedUpdates())
	pending := q.Pending()
	require.Len(t, pending, 1)
	env, err := DecodeEnvelope(pending[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, TypeWorkoutUpdate, env.Type)
	assert.Equal(t, "tester", env.SenderID)
}

func TestEmitter_QueuesOnSendFailure(t *testing.T) {
	f := newConnectedEmitter(t)
	f.conn.mu.Lock()
	f.conn.sendErr = assert.AnError
	f.conn.mu.Unlock()

	f.emitter.Publish(context.Background(), intervalState(session.PhaseWork), true)
	assert.Equal(t, 1, f.emitter.QueuedUpdates())
}

func TestEmitter_EnvelopeCarriesSnapshot(t *testing.T) {
	f := newConnectedEmitter(t)

	state := intervalState(session.PhaseWork)
	state.OverallProgress = 42
	f.emitter.Publish(context.Background(), state, true)

	envs := f.conn.sentFrames()
	last := envs[len(envs)-1]
	require.Equal(t, TypeWorkoutUpdate, last.Type)

	var decoded session.State
	require.NoError(t, decoded.UnmarshalJSON(last.Data))
	assert.Equal(t, "s1", decoded.SessionID)
	assert.Equal(t, 42, decoded.OverallProgress)
	assert.Equal(t, session.PhaseWork, decoded.CurrentPhase())
}
