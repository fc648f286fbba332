package conntrack

import (
	"context"
	"hash/fnv"
	"io"
	"math"
	"time"

	"github.com/tunstack/tunstack/internal/rto"
	"github.com/tunstack/tunstack/internal/seqnum"
	"github.com/tunstack/tunstack/wire/tcpseg"
)

// clampWindow caps a byte count to what fits in the 16-bit TCP window
// field; this stack negotiates no window scale option, so no advertised
// window can exceed 65535 regardless of how large the receive buffer is.
func clampWindow(n int) seqnum.Size {
	if n > math.MaxUint16 {
		n = math.MaxUint16
	}
	return seqnum.Size(n)
}

// QuadHash returns a stable hash of q, used as the opaque key a
// timerwheel.Token carries for a connection's single retransmission
// timer (the wheel itself is quad-agnostic).
func QuadHash(q Quad) uint64 {
	h := fnv.New64a()
	la := q.Local.Addr().As16()
	ra := q.Remote.Addr().As16()
	h.Write(la[:])
	h.Write(ra[:])
	lp, rp := q.Local.Port(), q.Remote.Port()
	h.Write([]byte{byte(lp), byte(lp >> 8), byte(rp), byte(rp >> 8)})
	return h.Sum64()
}

// retransmitState tracks the single, connection-wide retransmission timer
// armed for the oldest unacked byte: one timer per connection, covering
// SND.UNA, rearmed when it fires and disarmed once an ACK leaves no sent
// data outstanding.
type retransmitState struct {
	handle  uint64
	armed   bool
	retries int
}

// Read blocks until the receive buffer has data, the peer's FIN has been
// delivered (returns 0, nil), ctx is done, or the connection has reached a
// terminal error.
func (c *Conn) Read(ctx context.Context, b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.rx.Buffered() > 0 {
			n, err := c.rx.Read(b)
			c.TCB.SetRecvWindow(clampWindow(c.rx.Free()))
			return n, err
		}
		if c.err != nil {
			return 0, c.err
		}
		if c.peerFIN {
			return 0, nil
		}
		if err := c.WaitStateChange(ctx); err != nil {
			return 0, err
		}
	}
}

// Write blocks until at least one byte of b is queued in the transmit
// buffer, ctx is done, or the connection has reached a terminal state.
// It does not itself emit segments; the owning Stack's flush pass drains
// the queue.
func (c *Conn) Write(ctx context.Context, b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.err != nil {
			return 0, c.err
		}
		if !writableState(c.TCB.State()) {
			return 0, io.ErrClosedPipe
		}
		if len(b) == 0 {
			return 0, nil
		}
		if free := c.tx.Free(); free > 0 {
			if len(b) > free {
				b = b[:free]
			}
			return c.tx.Write(b)
		}
		if err := c.WaitStateChange(ctx); err != nil {
			return 0, err
		}
	}
}

func writableState(st tcpseg.State) bool {
	switch st {
	case tcpseg.StateEstablished, tcpseg.StateCloseWait:
		return true
	default:
		return false
	}
}

// CloseActive begins an active or passive close on the TCB. It arranges
// for FIN to be sent but does not block waiting for the teardown.
func (c *Conn) CloseActive() error {
	c.mu.Lock()
	err := c.TCB.Close()
	c.cond.Broadcast()
	c.mu.Unlock()
	return err
}

// Abort marks the connection as reset/closed by the caller (listener
// teardown, fatal IOError) and wakes every waiter with err. An earlier
// terminal error is kept.
func (c *Conn) Abort(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

// DeliverInbound admits seg into the TCB, reordering out-of-order data
// through the reassembly buffer first when seg does not carry the next
// expected byte. Must be called with c locked. Returns the first error
// the TCB reports; any bytes already reassembled and delivered before an
// error stay delivered.
func (c *Conn) DeliverInbound(seg tcpseg.Segment, payload []byte) error {
	next := c.TCB.RecvNext()
	if len(payload) == 0 || seg.SEQ == next {
		if err := c.admitLocked(seg, payload); err != nil {
			return err
		}
	} else {
		if !c.reasm.Insert(seg.SEQ, payload, next) {
			// Entirely old data: the peer retransmitted because our ACK
			// was lost. Re-ACK so it stops.
			c.TCB.ForceACK()
		}
		return nil
	}
	for {
		next = c.TCB.RecvNext()
		data, _, ok := c.reasm.Reassemble(next)
		if !ok {
			return nil
		}
		synth := tcpseg.Segment{SEQ: next, WND: c.lastWND, DATALEN: seqnum.Size(len(data))}
		if err := c.admitLocked(synth, data); err != nil {
			return err
		}
	}
}

func (c *Conn) admitLocked(seg tcpseg.Segment, payload []byte) error {
	c.lastWND = seg.WND
	if err := c.TCB.Recv(seg); err != nil {
		return err
	}
	if len(payload) > 0 {
		c.rx.Write(payload)
	}
	if seg.Flags.HasAny(tcpseg.FlagFIN) {
		c.peerFIN = true
	}
	c.TCB.SetRecvWindow(clampWindow(c.rx.Free()))
	return nil
}

// ApplyACK folds an incoming cumulative ACK into the transmit/retransmit
// queue, returning the timers of every segment that became fully acked
// (for RTT sampling under Karn's rule). Must be called with c locked.
func (c *Conn) ApplyACK(ack seqnum.Value) []*rto.RetransmitTimer {
	if c.tx.BufferedSent() == 0 {
		return nil
	}
	timers, err := c.tx.RecvACK(ack)
	if err != nil {
		return nil
	}
	return timers
}

// TxBuffered returns the amount of written-but-unsent bytes.
func (c *Conn) TxBuffered() int { return c.tx.Buffered() }

// TxBufferedSent returns the amount of sent-but-unacked bytes.
func (c *Conn) TxBufferedSent() int { return c.tx.BufferedSent() }

// TakeUnsent extracts up to len(buf) unsent bytes starting at seq into
// buf, recording a fresh retransmission timer for RTT sampling. Must be
// called with c locked immediately after PendingSegment returns a
// segment with DATALEN == len(buf), before TCB.Send(seg).
func (c *Conn) TakeUnsent(buf []byte, seq seqnum.Value) (int, error) {
	t := &rto.RetransmitTimer{Seq: uint32(seq), SentAt: time.Now()}
	n, err := c.tx.MakePacket(buf, seq, t)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RecordSent remembers seg/payload as the most recently transmitted
// segment carrying a SYN, FIN, or data byte. Must be called with c locked
// immediately after a successful TCB.Send of such a segment.
func (c *Conn) RecordSent(seg tcpseg.Segment, payload []byte) {
	c.lastSent = seg
	c.lastSentPayload = append(c.lastSentPayload[:0], payload...)
}

// Retransmit rebuilds the last recorded outstanding segment for a
// retransmission-timeout resend, refreshing its ACK and receive window to
// current values (RFC 9293 does not require a byte-exact resend, only that
// SEQ/data/control-flags match what the peer is still missing). Must be
// called with c locked.
func (c *Conn) Retransmit() (tcpseg.Segment, []byte) {
	seg := c.lastSent
	seg.ACK = c.TCB.RecvNext()
	seg.WND = c.TCB.RecvWindow()
	return seg, c.lastSentPayload
}

// MarkRetransmitted flags the oldest in-flight data packet as having been
// resent, so Karn's algorithm excludes its eventual ACK from RTT sampling
// (RFC 6298 §2.3). Must be called with c locked.
func (c *Conn) MarkRetransmitted() { c.tx.MarkOldestRetransmitted() }

// MarkTimeWaitArmed reports whether this call is the first time the
// connection has been observed in the TimeWait state, atomically marking
// it observed so the caller arms exactly one TIME-WAIT timer per
// connection. Must be called with c locked.
func (c *Conn) MarkTimeWaitArmed() bool {
	if c.timeWaitArmed {
		return false
	}
	c.timeWaitArmed = true
	return true
}

// ArmRetransmit records the wheel handle for this connection's single
// retransmission timer. Must be called with c locked.
func (c *Conn) ArmRetransmit(handle uint64) {
	c.retransmit.handle = handle
	c.retransmit.armed = true
}

// DisarmRetransmit clears the connection's retransmission timer bookkeeping,
// returning the handle to cancel (if one was armed). Must be called with c
// locked.
func (c *Conn) DisarmRetransmit() (handle uint64, wasArmed bool) {
	handle, wasArmed = c.retransmit.handle, c.retransmit.armed
	c.retransmit = retransmitState{}
	return handle, wasArmed
}

// RetransmitArmed reports whether a retransmission timer is currently
// tracked for this connection.
func (c *Conn) RetransmitArmed() bool { return c.retransmit.armed }

// IncrRetransmitRetries increments and returns the retry count of the
// connection's current retransmission cycle.
func (c *Conn) IncrRetransmitRetries() int {
	c.retransmit.retries++
	return c.retransmit.retries
}

// MarkProbeArmed reports whether a zero-window probe timer may be armed,
// atomically marking one armed. Must be called with c locked.
func (c *Conn) MarkProbeArmed() bool {
	if c.probeArmed {
		return false
	}
	c.probeArmed = true
	return true
}

// DisarmProbe clears the zero-window probe bookkeeping. Must be called
// with c locked.
func (c *Conn) DisarmProbe() { c.probeArmed = false }

// Stats is a point-in-time snapshot of a connection's observable state,
// taken under the connection lock.
type Stats struct {
	State       tcpseg.State
	RTO         time.Duration
	Retransmits int
	RxBuffered  int
	TxBuffered  int
}

// Snapshot returns a consistent Stats view of the connection.
func (c *Conn) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		State:       c.TCB.State(),
		RTO:         c.RTOEst.RTO(),
		Retransmits: c.retransmit.retries,
		RxBuffered:  c.rx.Buffered(),
		TxBuffered:  c.tx.Buffered(),
	}
}

// SeedISS seeds the transmit queue's sequence reference with the
// sequence number of the connection's first data byte (ISS+1, since the
// SYN consumes one sequence number). Must be called before any Write.
func (c *Conn) SeedISS(firstData seqnum.Value) { c.tx.SeedISS(firstData) }
