package reassembly

import (
	"bytes"
	"math"
	"testing"

	"github.com/tunstack/tunstack/internal/seqnum"
)

func drain(b *Buffer, next seqnum.Value) ([]byte, seqnum.Value) {
	var out []byte
	for {
		data, adv, ok := b.Reassemble(next)
		if !ok {
			return out, next
		}
		out = append(out, data...)
		next = adv
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	// Segments [A,B), [C,D), [B,C) produce in-order bytes [A,D).
	const next = seqnum.Value(1000)
	ab := []byte("aaaa")
	bc := []byte("bbbb")
	cd := []byte("cccc")
	b := NewBuffer(1 << 16)

	if !b.Insert(next+8, cd, next) { // [C,D) first, far ahead
		t.Fatal("insert [C,D) rejected")
	}
	if got, _ := drain(b, next); got != nil {
		t.Fatalf("nothing contiguous yet, got %q", got)
	}
	if !b.Insert(next, ab, next) { // [A,B) fills the front
		t.Fatal("insert [A,B) rejected")
	}
	got, adv := drain(b, next)
	if !bytes.Equal(got, ab) {
		t.Fatalf("want %q, got %q", ab, got)
	}
	if !b.Insert(adv, bc, adv) { // [B,C) closes the hole
		t.Fatal("insert [B,C) rejected")
	}
	got, adv = drain(b, adv)
	want := append(append([]byte{}, bc...), cd...)
	if !bytes.Equal(got, want) {
		t.Fatalf("want %q, got %q", want, got)
	}
	if adv != next+12 {
		t.Fatalf("advanced to %d, want %d", adv, next+12)
	}
	if b.Buffered() != 0 {
		t.Fatalf("buffer should be empty, holds %d", b.Buffered())
	}
}

func TestInsertTrimsOldPrefix(t *testing.T) {
	// A retransmission overlapping RCV.NXT keeps only the new tail.
	const next = seqnum.Value(500)
	b := NewBuffer(64)
	if !b.Insert(next-3, []byte("xxxYY"), next) {
		t.Fatal("partially old segment rejected")
	}
	got, adv := drain(b, next)
	if string(got) != "YY" {
		t.Fatalf("want %q, got %q", "YY", got)
	}
	if adv != next+2 {
		t.Fatalf("advanced to %d, want %d", adv, next+2)
	}
}

func TestInsertEntirelyOld(t *testing.T) {
	const next = seqnum.Value(500)
	b := NewBuffer(64)
	if b.Insert(next-10, []byte("old"), next) {
		t.Fatal("entirely old segment must be rejected")
	}
	if b.Insert(next, nil, next) {
		t.Fatal("empty segment must be rejected")
	}
}

func TestInsertFull(t *testing.T) {
	const next = seqnum.Value(0)
	b := NewBuffer(4)
	if !b.Insert(next+10, []byte("abcd"), next) {
		t.Fatal("first insert should fit")
	}
	if b.Insert(next+20, []byte("e"), next) {
		t.Fatal("insert past capacity must be rejected")
	}
}

func TestOverlappingBlocksCoalesce(t *testing.T) {
	const next = seqnum.Value(100)
	b := NewBuffer(64)
	b.Insert(next+2, []byte("cdef"), next) // [102,106)
	b.Insert(next+4, []byte("efgh"), next) // [104,108), overlaps by 2
	b.Insert(next, []byte("ab"), next)     // [100,102) closes the hole
	got, adv := drain(b, next)
	if string(got) != "abcdefgh" {
		t.Fatalf("want %q, got %q", "abcdefgh", got)
	}
	if adv != next+8 {
		t.Fatalf("advanced to %d, want %d", adv, next+8)
	}
	if b.Buffered() != 0 {
		t.Fatalf("buffer should be empty after drain, holds %d", b.Buffered())
	}
}

func TestDuplicateBlockDoesNotInflate(t *testing.T) {
	const next = seqnum.Value(100)
	b := NewBuffer(8)
	b.Insert(next+2, []byte("zz"), next)
	b.Insert(next+2, []byte("zz"), next) // exact duplicate
	if b.Buffered() != 2 {
		t.Fatalf("duplicate inflated buffer to %d bytes", b.Buffered())
	}
}

func TestSequenceWrap(t *testing.T) {
	// A hole straddling the 2^32 boundary closes correctly.
	next := seqnum.Value(math.MaxUint32 - 1)
	b := NewBuffer(64)
	b.Insert(next+2, []byte("34"), next) // lands at seq 0
	b.Insert(next, []byte("12"), next)
	got, adv := drain(b, next)
	if string(got) != "1234" {
		t.Fatalf("want %q, got %q", "1234", got)
	}
	if adv != 2 {
		t.Fatalf("advanced to %d, want 2", adv)
	}
}
