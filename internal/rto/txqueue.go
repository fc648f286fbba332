// Package rto implements the retransmission queue and RTO estimator that
// sit behind a TCP connection's send sequence space, plus the
// Jacobson/Karn RTO computation of RFC 6298.
//
// The queue keeps two byte FIFOs: written-but-unsent data, and
// sent-but-unacknowledged data. Two sequence cursors tie them to the
// connection's send space: ackSeq names the first byte of the sent FIFO
// (SND.UNA) and nextSeq the first byte of the unsent FIFO (SND.NXT).
// In-flight packets are tracked purely by (seq, size, timer) — buffer
// positions fall out of the cursors, so acknowledgments never touch
// packet offsets.
package rto

import (
	"errors"

	"github.com/tunstack/tunstack/internal/ring"
	"github.com/tunstack/tunstack/internal/seqnum"
)

var (
	errTooManyInFlight  = errors.New("rto: in-flight packet limit reached")
	errNonContiguous    = errors.New("rto: packet does not start at the next unsent byte")
	errBadQueueConfig   = errors.New("rto: buffer size and packet limit must be positive")
)

// Queue stages application bytes between Write and the wire, and keeps
// the bookkeeping an incoming cumulative ACK needs to free them again.
type Queue struct {
	unsent ring.Ring // written by the app, not yet on the wire
	sent   ring.Ring // on the wire, awaiting acknowledgment

	flight    []packet // in-flight spans, oldest first
	maxFlight int

	ackSeq  seqnum.Value // sequence number of sent's first byte (SND.UNA)
	nextSeq seqnum.Value // sequence number of unsent's first byte (SND.NXT)
}

// packet is one transmitted span of the sent FIFO.
type packet struct {
	seq   seqnum.Value
	size  seqnum.Size
	timer *RetransmitTimer
}

// Reset configures the queue with size-byte unsent and sent FIFOs, room
// for maxPackets in-flight packets, and firstSeq as the sequence number
// of the first data byte that will be written.
func (q *Queue) Reset(size, maxPackets int, firstSeq seqnum.Value) error {
	if size <= 0 || maxPackets <= 0 {
		return errBadQueueConfig
	}
	*q = Queue{
		unsent:    ring.Make(size),
		sent:      ring.Make(size),
		maxFlight: maxPackets,
		ackSeq:    firstSeq,
		nextSeq:   firstSeq,
	}
	return nil
}

// SeedISS rebases the queue's sequence cursors to the connection's first
// data byte (ISS+1). Only valid while the queue holds no bytes.
func (q *Queue) SeedISS(firstSeq seqnum.Value) {
	q.ackSeq = firstSeq
	q.nextSeq = firstSeq
}

// Size returns the transmit buffer capacity.
func (q *Queue) Size() int { return q.unsent.Size() }

// Free returns how many bytes Write can currently accept.
func (q *Queue) Free() int { return q.unsent.Free() }

// Buffered returns the number of written-but-unsent bytes.
func (q *Queue) Buffered() int { return q.unsent.Buffered() }

// BufferedSent returns the number of sent-but-unacknowledged bytes.
func (q *Queue) BufferedSent() int { return q.sent.Buffered() }

// Write queues application bytes for transmission, accepting as much of b
// as fits.
func (q *Queue) Write(b []byte) (int, error) {
	return q.unsent.Write(b)
}

// MakePacket moves up to len(b) unsent bytes into the sent FIFO and
// returns them in b as the payload of a packet starting at seq. t tracks
// the packet for RTT sampling and retransmit accounting. seq must be the
// next unsent sequence number; the queue hands out bytes strictly in
// order.
func (q *Queue) MakePacket(b []byte, seq seqnum.Value, t *RetransmitTimer) (int, error) {
	if len(q.flight) >= q.maxFlight {
		return 0, errTooManyInFlight
	}
	if seq != q.nextSeq {
		return 0, errNonContiguous
	}
	if room := q.sent.Free(); len(b) > room {
		b = b[:room]
	}
	n, err := q.unsent.Read(b)
	if err != nil || n == 0 {
		return 0, err
	}
	q.sent.Write(b[:n])
	q.flight = append(q.flight, packet{seq: seq, size: seqnum.Size(n), timer: t})
	q.nextSeq = seqnum.Add(q.nextSeq, seqnum.Size(n))
	return n, nil
}

// MarkOldestRetransmitted records that the oldest in-flight packet was
// resent, excluding its eventual ACK from RTT sampling (Karn's
// algorithm, RFC 6298 §2.3).
func (q *Queue) MarkOldestRetransmitted() {
	if len(q.flight) > 0 && q.flight[0].timer != nil {
		q.flight[0].timer.Retransmits++
	}
}

// RecvACK applies an incoming cumulative acknowledgment: bytes up to ack
// leave the sent FIFO, fully-covered packets are retired (their timers
// are returned for RTT sampling), and a partially-covered packet is
// trimmed in place. An ACK reaching one byte past the data is clamped —
// it covers a FIN, which the queue does not store. Old ACKs are ignored.
func (q *Queue) RecvACK(ack seqnum.Value) ([]*RetransmitTimer, error) {
	span := seqnum.Sizeof(q.ackSeq, ack)
	if int32(span) <= 0 {
		return nil, nil
	}
	if int(span) > q.sent.Buffered() {
		span = seqnum.Size(q.sent.Buffered())
	}
	q.sent.Discard(int(span))
	q.ackSeq = seqnum.Add(q.ackSeq, span)

	var done []*RetransmitTimer
	for len(q.flight) > 0 {
		pkt := &q.flight[0]
		end := seqnum.Add(pkt.seq, pkt.size)
		if end.LessThanEq(q.ackSeq) {
			if pkt.timer != nil {
				done = append(done, pkt.timer)
			}
			q.flight = q.flight[1:]
			continue
		}
		if pkt.seq.LessThan(q.ackSeq) {
			trimmed := seqnum.Sizeof(pkt.seq, q.ackSeq)
			pkt.seq = q.ackSeq
			pkt.size -= trimmed
		}
		break
	}
	if len(q.flight) == 0 {
		q.flight = nil // release the backing array once everything is acked
	}
	return done, nil
}
