package ipv6

import (
	"math"
	"math/rand"
	"testing"

	"github.com/tunstack/tunstack/wire"
)

func TestFrame(t *testing.T) {
	var buf [1024]byte
	i6frm, err := NewFrame(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(1))
	v := new(wire.Validator)
	for i := 0; i < 100; i++ {
		wantToS := ToS(rng.Intn(256))
		wantFlow := rng.Uint32() & 0x000f_ffff
		i6frm.SetVersionTrafficAndFlow(6, wantToS, wantFlow)
		wantPayloadLen := uint16(rng.Intn(64))
		i6frm.SetPayloadLength(wantPayloadLen)
		wantProto := wire.IPProto(rng.Intn(256))
		i6frm.SetNextHeader(wantProto)
		wantHop := uint8(rng.Intn(256))
		i6frm.SetHopLimit(wantHop)
		src := i6frm.SourceAddr()
		rng.Read(src[:])
		wantSrc := *src
		dst := i6frm.DestinationAddr()
		rng.Read(dst[:])
		wantDst := *dst

		i6frm.ValidateSize(v)
		if v.Err() != nil {
			t.Error(v.Err())
		}
		if ver, tos, flow := i6frm.VersionTrafficAndFlow(); ver != 6 || tos != wantToS || flow != wantFlow {
			t.Errorf("want version,tos,flow 6,%d,%d got %d,%d,%d", wantToS, wantFlow, ver, tos, flow)
		}
		if pl := i6frm.PayloadLength(); pl != wantPayloadLen {
			t.Errorf("want payload length %d, got %d", wantPayloadLen, pl)
		}
		if len(i6frm.Payload()) != int(wantPayloadLen) {
			t.Errorf("want payload slice of %d bytes, got %d", wantPayloadLen, len(i6frm.Payload()))
		}
		if proto := i6frm.NextHeader(); proto != wantProto {
			t.Errorf("want next header %d, got %d", wantProto, proto)
		}
		if hop := i6frm.HopLimit(); hop != wantHop {
			t.Errorf("want hop limit %d, got %d", wantHop, hop)
		}
		if *src != wantSrc {
			t.Error("src addr clobbered")
		}
		if *dst != wantDst {
			t.Error("dst addr clobbered")
		}
	}
}

func TestValidateShortFrame(t *testing.T) {
	var buf [sizeHeader]byte
	i6frm, err := NewFrame(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	i6frm.SetPayloadLength(math.MaxUint16)
	var v wire.Validator
	i6frm.ValidateSize(&v)
	if v.Err() == nil {
		t.Fatal("want error when payload length exceeds buffer")
	}
}
