package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitpulse/sessioncore/pkg/logger"
	"github.com/fitpulse/sessioncore/queue"
	"github.com/fitpulse/sessioncore/store"
)

// fakeConn is an in-memory Conn recording sent frames. fail kills it with a
// chosen cause, mimicking a transport death.
type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	inbound chan []byte
	done    chan struct{}
	err     error
	sendErr error

	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (f *fakeConn) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return ErrConnClosed
	default:
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeConn) Inbound() <-chan []byte { return f.inbound }
func (f *fakeConn) Done() <-chan struct{}  { return f.done }

func (f *fakeConn) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeConn) Close() error {
	f.fail(ErrConnClosed)
	return nil
}

func (f *fakeConn) fail(cause error) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.err = cause
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *fakeConn) sentFrames() []*Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Envelope, 0, len(f.sent))
	for _, frame := range f.sent {
		env, err := DecodeEnvelope(frame)
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out
}

func (f *fakeConn) sentTypes() []string {
	envs := f.sentFrames()
	types := make([]string, len(envs))
	for i, env := range envs {
		types[i] = env.Type
	}
	return types
}

// pushAck queues an authenticated acknowledgment for the handshake to read.
func (f *fakeConn) pushAck(t *testing.T) {
	t.Helper()
	env, err := NewEnvelope(TypeAuthenticated, "server", nil)
	require.NoError(t, err)
	frame, err := env.Encode()
	require.NoError(t, err)
	f.inbound <- frame
}

// fakeDialer hands out conns in sequence, recording every attempt. When the
// sequence is exhausted it keeps returning the last element (or error).
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	err      error
	attempts int
}

func (d *fakeDialer) dial(_ context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if len(d.conns) == 0 {
		if d.err != nil {
			return nil, d.err
		}
		return nil, errors.New("no conn available")
	}
	conn := d.conns[0]
	if len(d.conns) > 1 {
		d.conns = d.conns[1:]
	}
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func fastBackoff(attempts int) *BackoffConfig {
	return &BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
		MaxAttempts:     attempts,
	}
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.New(context.Background(), queue.Config{
		Store:  store.NewMemoryStore[[]queue.Message](),
		Logger: logger.Nop(),
	})
	require.NoError(t, err)
	return q
}

func newTestLink(t *testing.T, dialer Dialer, q *queue.Queue) *Link {
	t.Helper()
	l, err := NewLink(LinkConfig{
		Dialer:     dialer,
		Queue:      q,
		SenderID:   "tester",
		Backoff:    fastBackoff(3),
		AckTimeout: 20 * time.Millisecond,
		Logger:     logger.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(l.Disconnect)
	return l
}

func waitConnected(t *testing.T, l *Link) {
	t.Helper()
	require.Eventually(t, l.IsConnected, time.Second, time.Millisecond)
}

func TestLink_ConnectAuthenticatesFirst(t *testing.T) {
	conn := newFakeConn()
	conn.pushAck(t)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	l := newTestLink(t, dialer.dial, newTestQueue(t))

	require.NoError(t, l.Connect(context.Background()))
	waitConnected(t, l)

	envs := conn.sentFrames()
	require.NotEmpty(t, envs)
	assert.Equal(t, TypeAuthenticate, envs[0].Type)
	assert.Equal(t, "tester", envs[0].SenderID)

	var payload authPayload
	require.NoError(t, json.Unmarshal(envs[0].Data, &payload))
	assert.Equal(t, "tester", payload.SenderID)
}

func TestLink_ConnectWithoutAckProceeds(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	l := newTestLink(t, dialer.dial, newTestQueue(t))

	require.NoError(t, l.Connect(context.Background()))
	waitConnected(t, l)
}

func TestLink_ConnectTwiceFails(t *testing.T) {
	conn := newFakeConn()
	conn.pushAck(t)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	l := newTestLink(t, dialer.dial, newTestQueue(t))

	require.NoError(t, l.Connect(context.Background()))
	assert.ErrorIs(t, l.Connect(context.Background()), ErrAlreadyConnecting)
}

func TestLink_FlushesQueueOnConnect(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	for _, payload := range []string{"u1", "u2", "u3"} {
		env, err := NewEnvelope(TypeWorkoutUpdate, "tester", payload)
		require.NoError(t, err)
		frame, err := env.Encode()
		require.NoError(t, err)
		q.Enqueue(ctx, frame)
	}

	conn := newFakeConn()
	conn.pushAck(t)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	l := newTestLink(t, dialer.dial, q)

	require.NoError(t, l.Connect(ctx))
	waitConnected(t, l)

	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)

	// Replay preserves enqueue order, after the handshake.
	var updates []string
	for _, env := range conn.sentFrames() {
		if env.Type != TypeWorkoutUpdate {
			continue
		}
		var payload string
		require.NoError(t, json.Unmarshal(env.Data, &payload))
		updates = append(updates, payload)
	}
	assert.Equal(t, []string{"u1", "u2", "u3"}, updates)
}

func TestLink_RemoteCloseRedialsImmediately(t *testing.T) {
	first := newFakeConn()
	first.pushAck(t)
	second := newFakeConn()
	second.pushAck(t)
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	l := newTestLink(t, dialer.dial, newTestQueue(t))

	require.NoError(t, l.Connect(context.Background()))
	waitConnected(t, l)
	require.Equal(t, 1, dialer.dialCount())

	first.fail(ErrRemoteClosed)

	require.Eventually(t, func() bool {
		return dialer.dialCount() == 2 && l.IsConnected()
	}, time.Second, time.Millisecond)
}

func TestLink_DialFailureExhaustsBackoff(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	l := newTestLink(t, dialer.dial, newTestQueue(t))

	require.NoError(t, l.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return l.State() == StateDisconnected && dialer.dialCount() >= 3
	}, time.Second, time.Millisecond)

	// The exhausted loop released its slot, so Connect works again.
	conn := newFakeConn()
	conn.pushAck(t)
	dialer.mu.Lock()
	dialer.conns = []*fakeConn{conn}
	dialer.err = nil
	dialer.mu.Unlock()

	require.NoError(t, l.Connect(context.Background()))
	waitConnected(t, l)
}

func TestLink_JoinSession(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	conn.pushAck(t)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	l := newTestLink(t, dialer.dial, newTestQueue(t))

	require.NoError(t, l.Connect(ctx))
	waitConnected(t, l)

	l.JoinSession(ctx, "s1")
	l.JoinSession(ctx, "s1") // same session, no-op
	l.JoinSession(ctx, "s2") // leave s1, join s2

	types := conn.sentTypes()
	assert.Equal(t, []string{TypeAuthenticate, TypeSessionJoin, TypeSessionLeave, TypeSessionJoin}, types)

	envs := conn.sentFrames()
	var leave joinPayload
	require.NoError(t, json.Unmarshal(envs[2].Data, &leave))
	assert.Equal(t, "s1", leave.SessionID)
	var join joinPayload
	require.NoError(t, json.Unmarshal(envs[3].Data, &join))
	assert.Equal(t, "s2", join.SessionID)
}

func TestLink_JoinWhileDisconnectedIgnored(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("down")}
	l := newTestLink(t, dialer.dial, newTestQueue(t))

	l.JoinSession(context.Background(), "s1")
	assert.Equal(t, StateDisconnected, l.State())
}

func TestLink_RejoinAfterReconnect(t *testing.T) {
	ctx := context.Background()
	first := newFakeConn()
	first.pushAck(t)
	second := newFakeConn()
	second.pushAck(t)
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	l := newTestLink(t, dialer.dial, newTestQueue(t))

	require.NoError(t, l.Connect(ctx))
	waitConnected(t, l)
	l.JoinSession(ctx, "s1")

	first.fail(ErrRemoteClosed)

	require.Eventually(t, func() bool {
		for _, typ := range second.sentTypes() {
			if typ == TypeSessionJoin {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestLink_SendWhileDisconnected(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("down")}
	l := newTestLink(t, dialer.dial, newTestQueue(t))

	env, err := NewEnvelope(TypeWorkoutUpdate, "tester", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, l.Send(context.Background(), env), ErrNotConnected)
}

func TestLink_DisconnectIdempotent(t *testing.T) {
	conn := newFakeConn()
	conn.pushAck(t)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	l := newTestLink(t, dialer.dial, newTestQueue(t))

	require.NoError(t, l.Connect(context.Background()))
	waitConnected(t, l)

	l.Disconnect()
	l.Disconnect()
	assert.Equal(t, StateDisconnected, l.State())

	env, err := NewEnvelope(TypeWorkoutUpdate, "tester", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, l.Send(context.Background(), env), ErrNotConnected)
}
