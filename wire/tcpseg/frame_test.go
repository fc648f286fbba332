package tcpseg

import (
	"math"
	"math/rand"
	"testing"

	"github.com/tunstack/tunstack/internal/seqnum"
	"github.com/tunstack/tunstack/wire"
)

func TestFrame(t *testing.T) {
	var buf [256]byte
	tfrm, err := NewFrame(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(1))
	v := new(wire.Validator)
	for i := 0; i < 100; i++ {
		wantSrcPort := uint16(rng.Intn(math.MaxUint16))
		wantDstPort := uint16(rng.Intn(math.MaxUint16))
		wantSeq := seqnum.Value(rng.Uint32())
		wantAck := seqnum.Value(rng.Uint32())
		wantOffset := uint8(5 + rng.Intn(10))
		wantFlags := Flags(rng.Intn(1 << 9))
		wantWnd := uint16(rng.Intn(math.MaxUint16))
		wantCRC := uint16(rng.Intn(math.MaxUint16))
		wantUrg := uint16(rng.Intn(math.MaxUint16))

		tfrm.SetSourcePort(wantSrcPort)
		tfrm.SetDestinationPort(wantDstPort)
		tfrm.SetSeq(wantSeq)
		tfrm.SetAck(wantAck)
		tfrm.SetOffsetAndFlags(wantOffset, wantFlags)
		tfrm.SetWindowSize(wantWnd)
		tfrm.SetCRC(wantCRC)
		tfrm.SetUrgentPtr(wantUrg)

		tfrm.ValidateSize(v)
		if v.Err() != nil {
			t.Error(v.Err())
		}
		if got := tfrm.SourcePort(); got != wantSrcPort {
			t.Errorf("want src port %d, got %d", wantSrcPort, got)
		}
		if got := tfrm.DestinationPort(); got != wantDstPort {
			t.Errorf("want dst port %d, got %d", wantDstPort, got)
		}
		if got := tfrm.Seq(); got != wantSeq {
			t.Errorf("want seq %d, got %d", wantSeq, got)
		}
		if got := tfrm.Ack(); got != wantAck {
			t.Errorf("want ack %d, got %d", wantAck, got)
		}
		if off, flags := tfrm.OffsetAndFlags(); off != wantOffset || flags != wantFlags {
			t.Errorf("want offset,flags %d,%s got %d,%s", wantOffset, wantFlags, off, flags)
		}
		if got := tfrm.HeaderLength(); got != int(wantOffset)*4 {
			t.Errorf("want header length %d, got %d", int(wantOffset)*4, got)
		}
		if got := tfrm.WindowSize(); got != wantWnd {
			t.Errorf("want window %d, got %d", wantWnd, got)
		}
		if got := tfrm.CRC(); got != wantCRC {
			t.Errorf("want crc %d, got %d", wantCRC, got)
		}
		if got := tfrm.UrgentPtr(); got != wantUrg {
			t.Errorf("want urgent ptr %d, got %d", wantUrg, got)
		}
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	var buf [64]byte
	tfrm, _ := NewFrame(buf[:])
	want := Segment{
		SEQ:     1000,
		ACK:     2000,
		WND:     512,
		Flags:   FlagPSH | FlagACK,
		DATALEN: 5,
	}
	tfrm.ClearHeader()
	tfrm.SetSegment(want, 5)
	got := tfrm.Segment(5)
	if got != want {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestSegmentLEN(t *testing.T) {
	for _, tc := range []struct {
		name string
		seg  Segment
		want seqnum.Size
	}{
		{"empty-ack", Segment{Flags: FlagACK}, 0},
		{"bare-syn", Segment{Flags: FlagSYN}, 1},
		{"bare-fin", Segment{Flags: FlagFIN}, 1},
		{"synfin", Segment{Flags: FlagSYN | FlagFIN}, 2},
		{"data", Segment{Flags: FlagACK, DATALEN: 100}, 100},
		{"data-fin", Segment{Flags: FlagFIN | FlagACK, DATALEN: 100}, 101},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.seg.LEN(); got != tc.want {
				t.Errorf("LEN() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestSegmentLast(t *testing.T) {
	seg := Segment{SEQ: 1000, Flags: FlagACK, DATALEN: 5}
	if got := seg.Last(); got != 1004 {
		t.Errorf("Last() = %d, want 1004", got)
	}
	empty := Segment{SEQ: 1000, Flags: FlagACK}
	if got := empty.Last(); got != 1000 {
		t.Errorf("empty Last() = %d, want 1000", got)
	}
	// FIN occupies the sequence number after the data.
	fin := Segment{SEQ: 1000, Flags: FlagFIN | FlagACK, DATALEN: 5}
	if got := fin.Last(); got != 1005 {
		t.Errorf("FIN Last() = %d, want 1005", got)
	}
}

func TestFlagsString(t *testing.T) {
	if got := (FlagSYN | FlagACK).String(); got != "[SYN,ACK]" {
		t.Errorf("got %q", got)
	}
	if got := Flags(0).String(); got != "[]" {
		t.Errorf("got %q", got)
	}
}
