package rto

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/tunstack/tunstack/internal/seqnum"
)

func newQueue(t *testing.T, size int, iss seqnum.Value) *Queue {
	t.Helper()
	var q Queue
	if err := q.Reset(size, size, iss); err != nil {
		t.Fatal(err)
	}
	return &q
}

func timer(seq seqnum.Value) *RetransmitTimer {
	return &RetransmitTimer{Seq: uint32(seq), SentAt: time.Now()}
}

func TestQueueWriteMakePacketAck(t *testing.T) {
	const iss = seqnum.Value(1001)
	q := newQueue(t, 64, iss)
	data := []byte("hello world")
	n, err := q.Write(data)
	if err != nil || n != len(data) {
		t.Fatal(n, err)
	}
	if q.Buffered() != len(data) {
		t.Fatalf("Buffered = %d, want %d", q.Buffered(), len(data))
	}
	if q.BufferedSent() != 0 {
		t.Fatal("nothing sent yet")
	}

	var pkt [5]byte
	n, err = q.MakePacket(pkt[:], iss, timer(iss))
	if err != nil || n != 5 {
		t.Fatal(n, err)
	}
	if !bytes.Equal(pkt[:n], data[:5]) {
		t.Fatalf("packet %q, want %q", pkt[:n], data[:5])
	}
	if q.BufferedSent() != 5 {
		t.Fatalf("BufferedSent = %d, want 5", q.BufferedSent())
	}
	if q.Buffered() != len(data)-5 {
		t.Fatalf("Buffered = %d, want %d", q.Buffered(), len(data)-5)
	}

	acked, err := q.RecvACK(iss + 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(acked) != 1 {
		t.Fatalf("want 1 acked timer, got %d", len(acked))
	}
	if q.BufferedSent() != 0 {
		t.Fatalf("BufferedSent = %d after full ack", q.BufferedSent())
	}
}

func TestQueuePartialAck(t *testing.T) {
	const iss = seqnum.Value(0)
	q := newQueue(t, 64, iss)
	q.Write([]byte("abcdefgh"))
	var pkt [8]byte
	if _, err := q.MakePacket(pkt[:], iss, timer(iss)); err != nil {
		t.Fatal(err)
	}
	acked, err := q.RecvACK(iss + 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(acked) != 0 {
		t.Fatal("partially acked packet must keep its timer")
	}
	if got := q.BufferedSent(); got != 5 {
		t.Fatalf("BufferedSent = %d, want 5 after partial ack", got)
	}
}

func TestQueueAckCoveringFIN(t *testing.T) {
	// A cumulative ACK one past the data covers a FIN; the queue clamps
	// instead of rejecting.
	const iss = seqnum.Value(700)
	q := newQueue(t, 64, iss)
	q.Write([]byte("bye"))
	var pkt [3]byte
	if _, err := q.MakePacket(pkt[:], iss, timer(iss)); err != nil {
		t.Fatal(err)
	}
	acked, err := q.RecvACK(iss + 3 + 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(acked) != 1 {
		t.Fatalf("want data packet acked, got %d timers", len(acked))
	}
	if q.BufferedSent() != 0 {
		t.Fatal("all data should be freed")
	}
}

func TestQueueMultiplePacketsCumulativeAck(t *testing.T) {
	const iss = seqnum.Value(10)
	q := newQueue(t, 64, iss)
	q.Write([]byte("0123456789"))
	var a, b [5]byte
	if _, err := q.MakePacket(a[:], iss, timer(iss)); err != nil {
		t.Fatal(err)
	}
	if _, err := q.MakePacket(b[:], iss+5, timer(iss+5)); err != nil {
		t.Fatal(err)
	}
	acked, err := q.RecvACK(iss + 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(acked) != 2 {
		t.Fatalf("want both packets acked, got %d", len(acked))
	}
}

func TestQueueSequenceWrap(t *testing.T) {
	// A connection whose first data byte sits just below 2^32 sends and
	// acks across zero.
	iss := seqnum.Value(math.MaxUint32 - 3)
	q := newQueue(t, 64, iss)
	q.Write([]byte("12345678"))
	var pkt [8]byte
	if _, err := q.MakePacket(pkt[:], iss, timer(iss)); err != nil {
		t.Fatal(err)
	}
	acked, err := q.RecvACK(iss + 8) // wraps past zero
	if err != nil {
		t.Fatal(err)
	}
	if len(acked) != 1 {
		t.Fatalf("want 1 acked, got %d", len(acked))
	}
	if q.BufferedSent() != 0 {
		t.Fatal("wrapped ack did not free the packet")
	}
}

func TestQueueFreeTracksCapacity(t *testing.T) {
	q := newQueue(t, 16, 0)
	if q.Free() != 16 {
		t.Fatalf("fresh queue Free = %d, want 16", q.Free())
	}
	q.Write([]byte("abcd"))
	if q.Free() != 12 {
		t.Fatalf("Free = %d, want 12", q.Free())
	}
}

func TestMakePacketRequiresContiguousSeq(t *testing.T) {
	const iss = seqnum.Value(50)
	q := newQueue(t, 32, iss)
	q.Write([]byte("abcd"))
	var pkt [2]byte
	if _, err := q.MakePacket(pkt[:], iss+1, timer(iss+1)); err == nil {
		t.Fatal("want rejection of a packet not starting at the next unsent byte")
	}
	if _, err := q.MakePacket(pkt[:], iss, timer(iss)); err != nil {
		t.Fatal(err)
	}
}

func TestOldACKIgnored(t *testing.T) {
	const iss = seqnum.Value(90)
	q := newQueue(t, 32, iss)
	q.Write([]byte("abcd"))
	var pkt [4]byte
	if _, err := q.MakePacket(pkt[:], iss, timer(iss)); err != nil {
		t.Fatal(err)
	}
	acked, err := q.RecvACK(iss - 5)
	if err != nil || len(acked) != 0 {
		t.Fatalf("old ack must be a no-op, got %d timers, %v", len(acked), err)
	}
	if q.BufferedSent() != 4 {
		t.Fatalf("old ack freed bytes: BufferedSent = %d", q.BufferedSent())
	}
}

func TestMarkOldestRetransmitted(t *testing.T) {
	const iss = seqnum.Value(1)
	q := newQueue(t, 32, iss)
	q.Write([]byte("xy"))
	tm := timer(iss)
	var pkt [2]byte
	if _, err := q.MakePacket(pkt[:], iss, tm); err != nil {
		t.Fatal(err)
	}
	q.MarkOldestRetransmitted()
	if tm.Retransmits != 1 {
		t.Fatalf("Retransmits = %d, want 1", tm.Retransmits)
	}
}
