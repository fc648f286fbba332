// Package conntrack tracks live TCP connections and listening ports,
// demultiplexing inbound segments to the right tcb.Block by exact 4-tuple
// match, falling back to a listener for unmatched SYNs. The exact-match
// lookup is a map keyed by Quad; Accept callers block on a condition
// variable rather than polling.
package conntrack

import (
	"context"
	"errors"
	"net/netip"
	"sync"

	"github.com/rs/xid"

	"github.com/tunstack/tunstack/internal/reassembly"
	"github.com/tunstack/tunstack/internal/ring"
	"github.com/tunstack/tunstack/internal/rto"
	"github.com/tunstack/tunstack/internal/seqnum"
	"github.com/tunstack/tunstack/internal/xlog"
	"github.com/tunstack/tunstack/tcb"
	"github.com/tunstack/tunstack/wire/tcpseg"
)

// DefaultBufferSize is the per-direction receive/transmit buffer capacity
// used when a caller does not override it.
const DefaultBufferSize = 64 * 1024

// maxInFlightSegments bounds how many distinct unacked segments the
// retransmission queue tracks at once (internal/rto.Queue.Reset's
// maxPackets); generous for a single MSS-sized-segment-at-a-time
// sender.
const maxInFlightSegments = 256

// Quad identifies a TCP connection by its local and remote socket
// addresses. Works uniformly for IPv4 and IPv6 since netip.AddrPort holds
// either.
type Quad struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

var (
	ErrNotOurPort   = errors.New("conntrack: segment not addressed to a tracked port")
	ErrNoFreeConn   = errors.New("conntrack: listener has no free connection slots")
	ErrListenerGone = errors.New("conntrack: listener closed")
	// ErrBacklogFull is returned (and answered with a stateless RST) when a
	// SYN arrives for a listener already holding backlog unaccepted
	// connections.
	ErrBacklogFull = errors.New("conntrack: listener backlog full")

	// ErrConnReset is returned from Read/Write once the peer (or the
	// stack itself) has reset the connection.
	ErrConnReset = errors.New("conntrack: connection reset by peer")
	// ErrConnTimedOut is returned once the retransmission queue exhausts
	// its retry budget.
	ErrConnTimedOut = errors.New("conntrack: connection timed out")
	// ErrConnClosed is returned from Read/Write/Accept on a handle whose
	// owning listener/connection was explicitly closed.
	ErrConnClosed = errors.New("conntrack: connection closed")
)

// Conn is a tracked TCP connection: a Block plus the byte FIFOs, the
// retransmission queue, and the synchronization glue a Listener or the
// socket facade needs to wait on state changes.
type Conn struct {
	Quad   Quad
	TCB    tcb.Block
	ID     string
	RTOEst *rto.Estimator

	mu   sync.Mutex
	cond *sync.Cond
	log  *xlog.Logger

	// rx holds in-order bytes delivered by the segment processor but not
	// yet consumed by Read.
	rx ring.Ring
	// reasm stages out-of-order payload above RCV.NXT until the hole in
	// front of it closes; tcb.Block only
	// ever sees sequential segments fed back out of here.
	reasm *reassembly.Buffer
	// tx holds application-written bytes not yet sent (unsent region) and
	// sent-but-unacked bytes together with their per-segment retransmit
	// timers.
	tx rto.Queue

	peerFIN       bool  // peer's FIN has been delivered to rx; next Read returns 0.
	err           error // sticky terminal error: ErrConnReset/ErrConnTimedOut/ErrConnClosed.
	lastWND       seqnum.Size
	retransmit    retransmitState
	mss           int
	timeWaitArmed bool
	probeArmed    bool

	// lastSent/lastSentPayload record the most recently transmitted segment
	// carrying a SYN, FIN, or data byte, so a retransmission timeout can
	// resend it verbatim (with a refreshed ACK/window) without needing to
	// reconstruct control flags from the byte-level transmit queue.
	lastSent        tcpseg.Segment
	lastSentPayload []byte
}

// Default effective MSS per address family when the peer sends none.
const (
	DefaultMSSv4 = 536
	DefaultMSSv6 = 1220
)

// SetMSS clamps the connection's effective MSS to peerMSS if peerMSS is
// smaller and non-zero.
func (c *Conn) SetMSS(defaultMSS int, peerMSS uint16) {
	mss := defaultMSS
	if peerMSS > 0 && int(peerMSS) < mss {
		mss = int(peerMSS)
	}
	c.mu.Lock()
	c.mss = mss
	c.mu.Unlock()
}

// MSS returns the connection's effective maximum segment size. Must be
// called with c locked.
func (c *Conn) MSS() int {
	if c.mss == 0 {
		return DefaultMSSv4
	}
	return c.mss
}

// NewConn returns a Conn ready to be handed to a Listener's incoming queue
// or used for an active (dialed) connection. bufSize sizes both the
// receive and transmit buffers; 0 selects DefaultBufferSize.
func NewConn(quad Quad, bufSize int, log *xlog.Logger) *Conn {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	c := &Conn{
		Quad:   quad,
		ID:     xid.New().String(),
		RTOEst: rto.NewEstimator(),
		log:    log,
		reasm:  reassembly.NewBuffer(bufSize),
	}
	c.cond = sync.NewCond(&c.mu)
	c.TCB.SetLogger(log)
	c.rx = ring.Make(bufSize)
	if err := c.tx.Reset(bufSize, maxInFlightSegments, 0); err != nil {
		// bufSize and maxInFlightSegments are internal constants; Reset
		// only fails on caller error.
		panic("conntrack: " + err.Error())
	}
	return c
}

// Lock/Unlock expose the Conn's mutex so the owning event loop and the
// socket facade can serialize access to the embedded Block around Recv/
// Send/PendingSegment calls.
func (c *Conn) Lock()   { c.mu.Lock() }
func (c *Conn) Unlock() { c.mu.Unlock() }

// NotifyStateChange wakes any goroutine blocked in WaitStateChange. Must be
// called by the event loop (holding Lock) after every Recv/Send that may
// have altered State(), buffered data, or closed the connection.
func (c *Conn) NotifyStateChange() { c.cond.Broadcast() }

// WaitStateChange blocks until NotifyStateChange is called or ctx is done.
// Caller must hold Lock.
func (c *Conn) WaitStateChange(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
		close(done)
	})
	defer stop()
	c.cond.Wait()
	select {
	case <-done:
		return ctx.Err()
	default:
		return nil
	}
}

// Listener accepts inbound connections to a single local port, handing
// out fully-established connections to Accept callers.
type Listener struct {
	mu       sync.Mutex
	cond     *sync.Cond
	port     uint16
	backlog  int
	closed   bool
	incoming []*Conn
	accepted []*Conn
	newConn  func(quad Quad) *Conn
	register func(*Conn)                                  // set by Table.Listen; registers into the exact-match index.
	rstQueue func(local, remote netip.AddrPort, seg tcpseg.Segment) // set by Table.Listen; answers a backlog-full SYN.
	log      *xlog.Logger
}

// NewListener returns a Listener bound to port, holding at most backlog
// unaccepted connections at once (<=0 means unbounded). newConn
// allocates a fresh Conn for an incoming SYN (the caller typically pools
// these).
func NewListener(port uint16, backlog int, newConn func(quad Quad) *Conn, log *xlog.Logger) *Listener {
	l := &Listener{port: port, backlog: backlog, newConn: newConn, log: log}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// LocalPort returns the bound port.
func (l *Listener) LocalPort() uint16 { return l.port }

// Close stops the listener; pending Accept calls return ErrListenerGone,
// and every child connection still queued (not yet returned by Accept) is
// woken with ErrConnClosed. Connections already returned by Accept are
// left open.
func (l *Listener) Close() {
	l.mu.Lock()
	l.closed = true
	incoming := l.incoming
	l.incoming, l.accepted = nil, nil
	l.cond.Broadcast()
	l.mu.Unlock()
	for _, c := range incoming {
		if c != nil {
			c.Abort(ErrConnClosed)
		}
	}
}

// Accept blocks until a connection completes its handshake, ctx is
// canceled, or the listener is closed.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if l.closed {
			return nil, ErrListenerGone
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l.maintainLocked()
		for i, c := range l.incoming {
			if c == nil {
				continue
			}
			c.mu.Lock()
			established := c.TCB.State() == tcpseg.StateEstablished
			c.mu.Unlock()
			if !established {
				continue
			}
			l.accepted = append(l.accepted, c)
			l.incoming[i] = nil
			return c, nil
		}
		stop := context.AfterFunc(ctx, func() {
			l.mu.Lock()
			l.cond.Broadcast()
			l.mu.Unlock()
		})
		l.cond.Wait()
		stop()
	}
}

// Demux routes an inbound segment to an existing tracked Conn by exact
// remote-address match, or starts a new handshake on a bare SYN. local is
// the locally-bound address the segment arrived on. peerMSS is the value
// of the SYN's MSS option (0 if absent); it is only consulted when Demux
// allocates a new Conn, and ignored on every later segment of that
// connection.
func (l *Listener) Demux(local, remote netip.AddrPort, seg tcpseg.Segment, payload []byte, peerMSS uint16, feed func(c *Conn, seg tcpseg.Segment, payload []byte) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrListenerGone
	}
	l.maintainLocked()
	for _, c := range l.accepted {
		if c != nil && c.Quad.Remote == remote {
			return feed(c, seg, payload)
		}
	}
	for _, c := range l.incoming {
		if c != nil && c.Quad.Remote == remote {
			return feed(c, seg, payload)
		}
	}
	if !seg.Flags.HasAll(tcpseg.FlagSYN) {
		return ErrNotOurPort
	}
	if l.backlog > 0 && len(l.incoming) >= l.backlog {
		if l.rstQueue != nil {
			l.rstQueue(local, remote, seg)
		}
		return ErrBacklogFull
	}
	quad := Quad{Local: local, Remote: remote}
	c := l.newConn(quad)
	if c == nil {
		return ErrNoFreeConn
	}
	defaultMSS := DefaultMSSv4
	if local.Addr().Is6() && !local.Addr().Is4In6() {
		defaultMSS = DefaultMSSv6
	}
	c.SetMSS(defaultMSS, peerMSS)
	if l.register != nil {
		l.register(c)
	}
	if err := feed(c, seg, payload); err != nil {
		return err
	}
	l.incoming = append(l.incoming, c)
	return nil
}

func (l *Listener) maintainLocked() {
	l.accepted = deleteNil(l.accepted)
	for i, c := range l.incoming {
		if c == nil {
			continue
		}
		c.mu.Lock()
		st := c.TCB.State()
		c.mu.Unlock()
		if st > tcpseg.StateEstablished || st.IsClosed() {
			l.incoming[i] = nil
		}
	}
	l.incoming = deleteNil(l.incoming)
}

func deleteNil(conns []*Conn) []*Conn {
	out := conns[:0]
	for _, c := range conns {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}
