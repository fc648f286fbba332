package socket

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"time"

	"github.com/tunstack/tunstack/conntrack"
	"github.com/tunstack/tunstack/stack"
)

// ErrClosed is returned from Read/Write/Accept once the connection or
// listener has been explicitly closed.
var ErrClosed = errors.New("socket: use of closed connection")

// ErrReset is returned from Read/Write once the peer (or the stack
// itself) has reset the connection.
var ErrReset = conntrack.ErrConnReset

// ErrConnTimedOut is returned from Read/Write once the retransmission
// queue exhausts its retry budget and the connection is aborted. Distinct
// from the deadline-driven ErrTimeout.
var ErrConnTimedOut = conntrack.ErrConnTimedOut

// Conn is an established TCP connection, handed out by Listener.Accept.
type Conn struct {
	stack *stack.Stack
	inner *conntrack.Conn
}

// LocalAddr returns the connection's local address and port.
func (c *Conn) LocalAddr() netip.AddrPort { return c.inner.Quad.Local }

// RemoteAddr returns the connection's peer address and port.
func (c *Conn) RemoteAddr() netip.AddrPort { return c.inner.Quad.Remote }

// ID returns the connection's opaque identifier, for logging/metrics
// correlation.
func (c *Conn) ID() string { return c.inner.ID }

// Read reads into b from the connection's receive buffer, blocking until
// data arrives, the peer's FIN is delivered (returns 0, nil), deadline
// (if non-zero) passes, or the connection reaches a terminal error.
func (c *Conn) Read(b []byte, deadline time.Time) (int, error) {
	ctx, cancel := deadlineContext(deadline)
	defer cancel()
	n, err := c.inner.Read(ctx, b)
	return n, mapConnErr(err)
}

// Write queues b on the connection's transmit buffer, blocking until at
// least one byte is accepted, deadline (if non-zero) passes, or the
// connection reaches a terminal error. It returns as soon as bytes are
// queued; the owning Stack's event loop drains the queue onto the wire.
func (c *Conn) Write(b []byte, deadline time.Time) (int, error) {
	ctx, cancel := deadlineContext(deadline)
	defer cancel()
	n, err := c.inner.Write(ctx, b)
	return n, mapConnErr(err)
}

// Close begins an orderly close of the connection (sending FIN once any
// queued data drains) and returns immediately without waiting for the
// peer's acknowledgment or final TIME-WAIT expiry.
func (c *Conn) Close() error {
	return c.inner.CloseActive()
}

// Abort immediately tears down the connection with the given reason
// instead of performing an orderly close, waking any blocked Read/Write
// with it.
func (c *Conn) Abort(reason error) {
	c.inner.Abort(reason)
}

func mapConnErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, conntrack.ErrConnReset):
		return ErrReset
	case errors.Is(err, conntrack.ErrConnTimedOut):
		return ErrConnTimedOut
	case errors.Is(err, conntrack.ErrConnClosed):
		return ErrClosed
	case errors.Is(err, io.ErrClosedPipe):
		return ErrClosed
	default:
		return err
	}
}
