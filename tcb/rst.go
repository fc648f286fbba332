package tcb

import (
	"net/netip"

	"github.com/tunstack/tunstack/internal/seqnum"
	"github.com/tunstack/tunstack/wire/tcpseg"
)

// RSTQueue is a small fixed-size queue of pending stateless RST responses,
// for replying to segments addressed to a closed port (RFC 9293 §3.4)
// without needing a live Block. Not safe for concurrent use.
type RSTQueue struct {
	buf [4]rstEntry
	len uint8
}

type rstEntry struct {
	remoteAddr netip.Addr
	remotePort uint16
	localPort  uint16
	seq        seqnum.Value
	ack        seqnum.Value
	flags      tcpseg.Flags
}

// Queue enqueues a stateless RST response. Silently drops the request if
// the queue is already full.
func (q *RSTQueue) Queue(remoteAddr netip.Addr, remotePort, localPort uint16, seq, ack seqnum.Value, flags tcpseg.Flags) {
	if q.len >= uint8(len(q.buf)) {
		return
	}
	q.buf[q.len] = rstEntry{
		remoteAddr: remoteAddr,
		remotePort: remotePort,
		localPort:  localPort,
		seq:        seq,
		ack:        ack,
		flags:      flags,
	}
	q.len++
}

// Pending returns the number of queued RST entries.
func (q *RSTQueue) Pending() int { return int(q.len) }

// Drain pops one pending RST entry, for the caller to encode into a frame
// addressed to entry.remoteAddr/remotePort. Returns ok=false if the queue
// is empty.
func (q *RSTQueue) Drain() (entry rstEntry, ok bool) {
	if q.len == 0 {
		return rstEntry{}, false
	}
	q.len--
	return q.buf[q.len], true
}

// RemoteAddr returns the destination address the RST should be sent to.
func (e rstEntry) RemoteAddr() netip.Addr { return e.remoteAddr }

// RemotePort returns the destination port.
func (e rstEntry) RemotePort() uint16 { return e.remotePort }

// LocalPort returns the source port the RST should carry.
func (e rstEntry) LocalPort() uint16 { return e.localPort }

// Segment returns the RST segment to encode.
func (e rstEntry) Segment() tcpseg.Segment {
	return tcpseg.Segment{SEQ: e.seq, ACK: e.ack, Flags: e.flags}
}
