package broadcast

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"
)

// Conn is a frame-level transport connection. Frames are opaque byte slices;
// the link layers envelopes on top. Implementations close Done exactly once
// when the connection dies, with Err reporting the cause. Err returns
// ErrRemoteClosed when the remote side hung up.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Inbound() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens a transport connection to the configured endpoint.
type Dialer func(ctx context.Context) (Conn, error)

const (
	defaultWriteDeadline = 10 * time.Second
	maxFrameSize         = 1 << 20 // 1 MiB
)

// NetDialer returns a Dialer over TCP using newline-delimited JSON frames.
func NetDialer(addr string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return NewNetConn(conn), nil
	}
}

// NetConn adapts a net.Conn to the Conn interface with newline-delimited
// frames. A read loop feeds Inbound until the connection dies.
type NetConn struct {
	conn    net.Conn
	inbound chan []byte
	done    chan struct{}
	closing chan struct{}

	writeMu       sync.Mutex
	writeDeadline time.Duration

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewNetConn wraps an established net.Conn and starts its read loop.
func NewNetConn(conn net.Conn) *NetConn {
	c := &NetConn{
		conn:          conn,
		inbound:       make(chan []byte, 16),
		done:          make(chan struct{}),
		closing:       make(chan struct{}),
		writeDeadline: defaultWriteDeadline,
	}
	go c.readLoop()
	return c
}

// Send writes one frame. A frame must not contain a newline.
func (c *NetConn) Send(ctx context.Context, frame []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	if len(frame) > maxFrameSize {
		return ErrFrameTooLarge
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeDeadline > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeDeadline))
	}
	if _, err := c.conn.Write(append(frame, '\n')); err != nil {
		return err
	}
	return nil
}

// Inbound returns the channel of received frames. It is closed when the read
// loop exits.
func (c *NetConn) Inbound() <-chan []byte {
	return c.inbound
}

// Done is closed when the connection dies for any reason.
func (c *NetConn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection died. Valid after Done is closed.
func (c *NetConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close tears the connection down locally. Idempotent.
func (c *NetConn) Close() error {
	c.closeOnce.Do(func() {
		c.setErr(ErrConnClosed)
		close(c.closing)
		_ = c.conn.Close()
	})
	return nil
}

// setErr records the first cause of death only.
func (c *NetConn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *NetConn) readLoop() {
	defer func() {
		close(c.inbound)
		close(c.done)
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		frame := make([]byte, len(scanner.Bytes()))
		copy(frame, scanner.Bytes())

		select {
		case c.inbound <- frame:
		case <-c.closing:
			return
		}
	}

	// A clean EOF means the remote hung up; anything else is a transport
	// error, unless Close already recorded a local teardown.
	if err := scanner.Err(); err != nil {
		c.setErr(err)
	} else {
		c.setErr(ErrRemoteClosed)
	}
}
