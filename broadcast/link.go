// Package broadcast delivers session updates to remote observers over an
// unreliable connection: a reconnecting link with an authentication
// handshake, plus a throttled emitter that falls back to the offline queue.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fitpulse/sessioncore/pkg/logger"
	"github.com/fitpulse/sessioncore/queue"
)

// State is the connection state of a Link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const defaultAckTimeout = 3 * time.Second

// LinkConfig configures a Link.
type LinkConfig struct {
	Dialer   Dialer
	Queue    *queue.Queue
	SenderID string

	// Backoff tunes reconnection. Nil selects DefaultBackoffConfig.
	Backoff *BackoffConfig

	// AckTimeout bounds the advisory wait for the authenticated handshake
	// acknowledgment. Zero selects the default.
	AckTimeout time.Duration

	Logger *logger.Logger
}

// Link manages the single logical connection to the relay server: connect,
// authenticate, replay the offline queue, and reconnect with backoff when the
// transport drops. All of that runs in one background goroutine communicating
// over the connection's channels.
type Link struct {
	dialer     Dialer
	queue      *queue.Queue
	senderID   string
	backoffCfg *BackoffConfig
	ackTimeout time.Duration
	log        *logger.Logger

	state atomic.Int32

	mu     sync.Mutex
	conn   Conn
	joined string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLink creates a Link. It starts disconnected; call Connect.
func NewLink(config LinkConfig) (*Link, error) {
	if config.Dialer == nil {
		return nil, errors.New("broadcast: dialer is required")
	}
	if config.Backoff == nil {
		config.Backoff = DefaultBackoffConfig()
	}
	if err := config.Backoff.Validate(); err != nil {
		return nil, err
	}
	if config.AckTimeout <= 0 {
		config.AckTimeout = defaultAckTimeout
	}
	if config.Logger == nil {
		config.Logger = logger.Default()
	}

	return &Link{
		dialer:     config.Dialer,
		queue:      config.Queue,
		senderID:   config.SenderID,
		backoffCfg: config.Backoff,
		ackTimeout: config.AckTimeout,
		log:        config.Logger,
	}, nil
}

// State returns the current connection state.
func (l *Link) State() State {
	return State(l.state.Load())
}

// IsConnected reports whether the link is connected.
func (l *Link) IsConnected() bool {
	return l.State() == StateConnected
}

// IsReconnecting reports whether the link is waiting out a backoff interval.
func (l *Link) IsReconnecting() bool {
	return l.State() == StateReconnecting
}

// Connect starts the background connection loop. Calling it while the loop is
// already running is a no-op.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return ErrAlreadyConnecting
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)
	l.mu.Unlock()

	go l.run(runCtx)
	return nil
}

// Disconnect tears down the transport, cancels any in-flight reconnect
// attempt and clears the joined-session marker. Idempotent.
func (l *Link) Disconnect() {
	l.mu.Lock()
	cancel := l.cancel
	conn := l.conn
	l.cancel = nil
	l.conn = nil
	l.joined = ""
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	l.wg.Wait()
	l.state.Store(int32(StateDisconnected))
}

// Send encodes and sends an envelope over the current connection.
func (l *Link) Send(ctx context.Context, env *Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	return l.sendFrame(ctx, frame)
}

func (l *Link) sendFrame(ctx context.Context, frame []byte) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	if conn == nil || l.State() != StateConnected {
		return ErrNotConnected
	}
	return conn.Send(ctx, frame)
}

// JoinSession announces membership in a session's routing group. If a
// different session was joined before, a leave is sent first. While
// disconnected this is a warn-logged no-op: a routing directive is not
// session data, so it is never queued.
func (l *Link) JoinSession(ctx context.Context, sessionID string) {
	if l.State() != StateConnected {
		l.log.Warn("join while disconnected ignored", "session", sessionID)
		return
	}

	l.mu.Lock()
	previous := l.joined
	l.joined = sessionID
	l.mu.Unlock()

	if previous == sessionID {
		return
	}
	if previous != "" {
		l.sendControl(ctx, TypeSessionLeave, joinPayload{SessionID: previous})
	}
	l.sendControl(ctx, TypeSessionJoin, joinPayload{SessionID: sessionID})
}

// run is the connection loop: dial, authenticate, flush the queue, then wait
// for the connection to die and decide how to come back.
func (l *Link) run(ctx context.Context) {
	defer l.wg.Done()

	backoff, _ := NewBackoff(l.backoffCfg)
	attemptState := StateConnecting

	for {
		l.state.Store(int32(attemptState))

		conn, err := l.dialer(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.state.Store(int32(StateDisconnected))
				return
			}
			l.log.Warn("connect failed", "error", err, "attempt", backoff.Attempt())
			if !l.waitBackoff(ctx, backoff) {
				return
			}
			attemptState = StateReconnecting
			continue
		}

		backoff.Reset()
		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()

		l.authenticate(ctx, conn)
		l.state.Store(int32(StateConnected))
		l.log.Info("link connected")

		l.flushQueue(ctx, conn)
		l.rejoin(ctx, conn)

		cause := l.serve(ctx, conn)

		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()

		if ctx.Err() != nil {
			l.state.Store(int32(StateDisconnected))
			return
		}

		if errors.Is(cause, ErrRemoteClosed) {
			// Remote-initiated: come back immediately with fresh backoff.
			l.log.Info("remote closed connection, redialing")
			attemptState = StateConnecting
			continue
		}

		l.log.Warn("connection lost", "error", cause)
		if !l.waitBackoff(ctx, backoff) {
			return
		}
		attemptState = StateReconnecting
	}
}

// waitBackoff sleeps the next backoff interval. It returns false when
// attempts are exhausted or the context is canceled, leaving the link
// disconnected.
func (l *Link) waitBackoff(ctx context.Context, backoff *Backoff) bool {
	interval, ok := backoff.Next()
	if !ok {
		l.log.Warn("reconnect attempts exhausted", "attempts", backoff.Attempt())
		l.clearRun()
		l.state.Store(int32(StateDisconnected))
		return false
	}

	l.state.Store(int32(StateReconnecting))
	select {
	case <-ctx.Done():
		l.state.Store(int32(StateDisconnected))
		return false
	case <-time.After(interval):
		return true
	}
}

// clearRun forgets the run goroutine's cancel func so a later Connect can
// start a fresh loop.
func (l *Link) clearRun() {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.mu.Unlock()
}

// authenticate sends the identity handshake and waits for the advisory
// acknowledgment. Absence of the ack is logged, never fatal.
func (l *Link) authenticate(ctx context.Context, conn Conn) {
	l.sendControlOn(ctx, conn, TypeAuthenticate, authPayload{SenderID: l.senderID})

	timer := time.NewTimer(l.ackTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case <-timer.C:
			l.log.Warn("no authentication ack, proceeding")
			return
		case frame, ok := <-conn.Inbound():
			if !ok {
				return
			}
			env, err := DecodeEnvelope(frame)
			if err != nil {
				l.log.Warn("dropping malformed frame", "error", err)
				continue
			}
			if env.Type == TypeAuthenticated {
				l.log.Debug("authenticated")
				return
			}
			l.handleInbound(env)
		}
	}
}

// flushQueue replays pending offline messages in enqueue order. Successes are
// batch-acknowledged to the queue; failures get a retry increment.
func (l *Link) flushQueue(ctx context.Context, conn Conn) {
	if l.queue == nil {
		return
	}

	pending := l.queue.Pending()
	if len(pending) == 0 {
		return
	}

	sent := make([]string, 0, len(pending))
	for _, msg := range pending {
		if err := conn.Send(ctx, msg.Payload); err != nil {
			l.log.Warn("failed to replay queued message", "id", msg.ID, "error", err)
			l.queue.Fail(ctx, msg.ID)
			if errors.Is(err, ErrConnClosed) {
				break
			}
			continue
		}
		sent = append(sent, msg.ID)
	}

	l.queue.MarkSent(ctx, sent)
	l.log.Info("offline queue replayed", "sent", len(sent), "remaining", l.queue.Len())
}

// rejoin re-announces the current session group after a reconnect.
func (l *Link) rejoin(ctx context.Context, conn Conn) {
	l.mu.Lock()
	joined := l.joined
	l.mu.Unlock()

	if joined != "" {
		l.sendControlOn(ctx, conn, TypeSessionJoin, joinPayload{SessionID: joined})
	}
}

// serve pumps inbound frames until the connection dies, returning the cause.
func (l *Link) serve(ctx context.Context, conn Conn) error {
	inbound := conn.Inbound()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return ctx.Err()
		case <-conn.Done():
			return conn.Err()
		case frame, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			env, err := DecodeEnvelope(frame)
			if err != nil {
				l.log.Warn("dropping malformed frame", "error", err)
				continue
			}
			l.handleInbound(env)
		}
	}
}

func (l *Link) handleInbound(env *Envelope) {
	switch env.Type {
	case TypeError:
		l.log.Warn("server reported error", "data", string(env.Data))
	case TypeAuthenticated:
		l.log.Debug("authenticated")
	default:
		l.log.Debug("inbound message", "type", env.Type)
	}
}

func (l *Link) sendControl(ctx context.Context, msgType string, payload any) {
	env, err := NewEnvelope(msgType, l.senderID, payload)
	if err != nil {
		l.log.Warn("failed to build control message", "type", msgType, "error", err)
		return
	}
	if err := l.Send(ctx, env); err != nil {
		l.log.Warn("failed to send control message", "type", msgType, "error", err)
	}
}

// sendControlOn writes a control message to a specific connection, used
// during the connect sequence before the link flips to Connected.
func (l *Link) sendControlOn(ctx context.Context, conn Conn, msgType string, payload any) {
	env, err := NewEnvelope(msgType, l.senderID, payload)
	if err != nil {
		l.log.Warn("failed to build control message", "type", msgType, "error", err)
		return
	}
	frame, err := env.Encode()
	if err != nil {
		l.log.Warn("failed to encode control message", "type", msgType, "error", err)
		return
	}
	if err := conn.Send(ctx, frame); err != nil {
		l.log.Warn("failed to send control message", "type", msgType, "error", err)
	}
}
