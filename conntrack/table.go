package conntrack

import (
	"net/netip"
	"sync"

	"github.com/tunstack/tunstack/internal/seqnum"
	"github.com/tunstack/tunstack/internal/xlog"
	"github.com/tunstack/tunstack/tcb"
	"github.com/tunstack/tunstack/wire/tcpseg"
)

// Table is the event loop's single source of truth for which quads map to
// which connection, and which ports have an active listener. The primary
// lookup is exact-match; a secondary hash index lets the retransmission
// timeout path (internal/timerwheel tokens only carry a uint64) resolve
// back to a live Conn.
type Table struct {
	mu        sync.Mutex
	conns     map[Quad]*Conn
	byHash    map[uint64]*Conn
	listeners map[netip.AddrPort]*Listener
	RST       tcb.RSTQueue
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{
		conns:     make(map[Quad]*Conn),
		byHash:    make(map[uint64]*Conn),
		listeners: make(map[netip.AddrPort]*Listener),
	}
}

// Register adds c to the table under its Quad, replacing any previous
// entry for that exact quad.
func (t *Table) Register(c *Conn) {
	t.mu.Lock()
	t.conns[c.Quad] = c
	t.byHash[QuadHash(c.Quad)] = c
	t.mu.Unlock()
}

// Remove deletes the quad's entry, typically once a connection reaches
// StateClosed after its TIME-WAIT timer expires.
func (t *Table) Remove(q Quad) {
	t.mu.Lock()
	delete(t.conns, q)
	delete(t.byHash, QuadHash(q))
	t.mu.Unlock()
}

// Lookup returns the connection tracked for the exact quad, if any.
func (t *Table) Lookup(q Quad) (*Conn, bool) {
	t.mu.Lock()
	c, ok := t.conns[q]
	t.mu.Unlock()
	return c, ok
}

// ByHash resolves a connection by its QuadHash, for the retransmission
// timer path where only the hash survived in a timerwheel.Token.
func (t *Table) ByHash(hash uint64) (*Conn, bool) {
	t.mu.Lock()
	c, ok := t.byHash[hash]
	t.mu.Unlock()
	return c, ok
}

// Range calls fn once for every tracked connection, on a snapshot taken
// under the table lock (fn itself must not call back into Table).
func (t *Table) Range(fn func(*Conn)) {
	t.mu.Lock()
	snap := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		snap = append(snap, c)
	}
	t.mu.Unlock()
	for _, c := range snap {
		fn(c)
	}
}

// Listen registers a new Listener bound to local, replacing any previous
// listener on that exact address/port. backlog caps how many unaccepted
// handshakes the listener holds at once; a SYN arriving once it is full
// is answered with a stateless RST instead of starting a new Conn.
// backlog <= 0 means unbounded. Connections the listener accepts are registered
// into the table's exact-match index as soon as their handshake starts,
// so later segments resolve via Lookup directly.
func (t *Table) Listen(local netip.AddrPort, backlog int, newConn func(Quad) *Conn, log *xlog.Logger) *Listener {
	l := NewListener(local.Port(), backlog, newConn, log)
	l.register = t.Register
	l.rstQueue = t.queueRST
	t.mu.Lock()
	t.listeners[local] = l
	t.mu.Unlock()
	return l
}

// queueRST stages a stateless RST addressed back to whoever sent seg to
// local, for a connection the table will never track (port closed,
// listener backlog full).
func (t *Table) queueRST(local, remote netip.AddrPort, seg tcpseg.Segment) {
	flags := tcpseg.FlagRST | tcpseg.FlagACK
	if seg.Flags.HasAny(tcpseg.FlagACK) {
		flags = tcpseg.FlagRST
	}
	t.RST.Queue(remote.Addr(), remote.Port(), local.Port(), seg.ACK, seqnum.Add(seg.SEQ, seg.LEN()), flags)
}

// ListenerFor returns the listener bound to local, if any.
func (t *Table) ListenerFor(local netip.AddrPort) (*Listener, bool) {
	t.mu.Lock()
	l, ok := t.listeners[local]
	t.mu.Unlock()
	return l, ok
}

// CloseListener unregisters and closes the listener bound to local.
func (t *Table) CloseListener(local netip.AddrPort) {
	t.mu.Lock()
	l, ok := t.listeners[local]
	delete(t.listeners, local)
	t.mu.Unlock()
	if ok {
		l.Close()
	}
}
