// Package socket is the public-facing sockets facade: listen, accept,
// read, write, close. It layers deadline handling and a synchronous
// net.Conn-shaped API over a *conntrack.Conn and *conntrack.Listener
// driven by a *stack.Stack event loop.
//
// Every blocking call accepts an optional deadline, translated internally
// into a context.Context so the underlying conntrack.Conn/Listener need
// only know about context cancellation.
package socket

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/tunstack/tunstack/conntrack"
	"github.com/tunstack/tunstack/stack"
)

// ErrAddressInUse is returned by Listen when local already has an active
// listener.
var ErrAddressInUse = errors.New("socket: address already in use")

// ErrTimeout is returned by Accept/Read/Write once their deadline has
// passed without the operation completing.
var ErrTimeout = context.DeadlineExceeded

// Listener is a bound TCP listening port, handing out established
// connections to Accept callers.
type Listener struct {
	stack *stack.Stack
	local netip.AddrPort
	inner *conntrack.Listener
}

// Listen binds a new Listener to local, with backlog unaccepted
// handshakes held at once and bufSize-sized per-connection buffers
// (bufSize <= 0 selects conntrack.DefaultBufferSize). Fails with
// ErrAddressInUse if local is already bound.
func Listen(s *stack.Stack, local netip.AddrPort, backlog, bufSize int) (*Listener, error) {
	if _, ok := s.Table.ListenerFor(local); ok {
		return nil, ErrAddressInUse
	}
	inner := s.Listen(local, bufSize, backlog)
	return &Listener{stack: s, local: local, inner: inner}, nil
}

// LocalAddr returns the bound local address and port.
func (l *Listener) LocalAddr() netip.AddrPort { return l.local }

// Accept blocks until a connection completes its three-way handshake, the
// deadline (if non-zero) passes, or the listener is closed. A zero
// deadline blocks indefinitely.
func (l *Listener) Accept(deadline time.Time) (*Conn, error) {
	ctx, cancel := deadlineContext(deadline)
	defer cancel()
	c, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, mapAcceptErr(err)
	}
	return &Conn{stack: l.stack, inner: c}, nil
}

// Close stops the listener, answering any still-queued Accept calls with
// ErrClosed and aborting every connection not yet handed to a caller.
func (l *Listener) Close() {
	l.stack.Table.CloseListener(l.local)
}

func mapAcceptErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, conntrack.ErrListenerGone):
		return ErrClosed
	default:
		return err
	}
}

// deadlineContext returns a context bound to deadline, or
// context.Background if deadline is the zero value (meaning "block
// indefinitely").
func deadlineContext(deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.Background(), func() {}
	}
	return context.WithDeadline(context.Background(), deadline)
}
