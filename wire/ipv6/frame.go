// Package ipv6 implements a zero-copy codec for IPv6 headers (RFC 8200)
// over a caller-owned byte buffer, following the same Frame-wraps-a-slice
// shape as wire/ipv4.
package ipv6

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/tunstack/tunstack/wire"
)

const sizeHeader = 40

// ToS represents the IPv6 Traffic Class field (Differentiated Services + ECN).
type ToS uint8

// DS returns the Differentiated Services Code Point.
func (tos ToS) DS() uint8 { return uint8(tos) >> 2 }

// ECN returns the Explicit Congestion Notification bits.
func (tos ToS) ECN() uint8 { return uint8(tos & 0b11) }

var errShortBuf = errors.New("ipv6: short buffer for frame")

// NewFrame returns a new Frame with data set to buf. An error is returned
// if the buffer is smaller than the fixed 40-byte IPv6 header.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, errShortBuf
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw bytes of an IPv6 datagram. Extension headers
// are not modeled; NextHeader is assumed to name the transport protocol
// directly, matching the Non-goal of skipping fragmentation/extension chains.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice the frame was built from.
func (i6frm Frame) RawData() []byte { return i6frm.buf }

// Payload returns the datagram payload. Call ValidateSize first to avoid a panic.
func (i6frm Frame) Payload() []byte {
	pl := i6frm.PayloadLength()
	return i6frm.buf[sizeHeader : sizeHeader+pl]
}

// VersionTrafficAndFlow returns the version, traffic class and flow label fields.
func (i6frm Frame) VersionTrafficAndFlow() (version uint8, tos ToS, flow uint32) {
	v := binary.BigEndian.Uint32(i6frm.buf[0:4])
	version = uint8(v >> (32 - 4))
	tos = ToS(v >> (32 - 12))
	flow = v & 0x000f_ffff
	return version, tos, flow
}

// SetVersionTrafficAndFlow sets the version (must be 6), traffic class and flow label.
func (i6frm Frame) SetVersionTrafficAndFlow(version uint8, tos ToS, flow uint32) {
	v := flow | uint32(tos)<<(32-12) | uint32(version)<<(32-4)
	binary.BigEndian.PutUint32(i6frm.buf[0:4], v)
}

// PayloadLength is the size of the payload in bytes, not including the fixed header.
func (i6frm Frame) PayloadLength() uint16 { return binary.BigEndian.Uint16(i6frm.buf[4:6]) }

// SetPayloadLength sets the payload length field.
func (i6frm Frame) SetPayloadLength(pl uint16) { binary.BigEndian.PutUint16(i6frm.buf[4:6], pl) }

// NextHeader identifies the encapsulated transport protocol.
func (i6frm Frame) NextHeader() wire.IPProto { return wire.IPProto(i6frm.buf[6]) }

// SetNextHeader sets the Next Header field.
func (i6frm Frame) SetNextHeader(proto wire.IPProto) { i6frm.buf[6] = uint8(proto) }

// HopLimit returns the hop count limit.
func (i6frm Frame) HopLimit() uint8 { return i6frm.buf[7] }

// SetHopLimit sets the hop count limit.
func (i6frm Frame) SetHopLimit(hop uint8) { i6frm.buf[7] = hop }

// SourceAddr returns a pointer to the 16-byte source address.
func (i6frm Frame) SourceAddr() *[16]byte { return (*[16]byte)(i6frm.buf[8:24]) }

// DestinationAddr returns a pointer to the 16-byte destination address.
func (i6frm Frame) DestinationAddr() *[16]byte { return (*[16]byte)(i6frm.buf[24:40]) }

// CRCWritePseudo feeds the IPv6 pseudo-header (RFC 8200 §8.1) into crc ahead
// of writing the transport segment bytes.
func (i6frm Frame) CRCWritePseudo(crc *wire.CRC791) {
	crc.Write(i6frm.SourceAddr()[:])
	crc.Write(i6frm.DestinationAddr()[:])
	crc.AddUint32(uint32(i6frm.PayloadLength()))
	crc.AddUint32(uint32(i6frm.NextHeader()))
}

// ClearHeader zeros out the fixed header bytes.
func (i6frm Frame) ClearHeader() {
	for i := range i6frm.buf[:sizeHeader] {
		i6frm.buf[i] = 0
	}
}

var errShortFrame = errors.New("ipv6: short frame")

// ValidateSize checks the payload length field against the backing buffer.
func (i6frm Frame) ValidateSize(v *wire.Validator) {
	tl := i6frm.PayloadLength()
	if int(tl)+sizeHeader > len(i6frm.RawData()) {
		v.AddError(errShortFrame)
	}
}

func (i6frm Frame) String() string {
	src := netip.AddrFrom16(*i6frm.SourceAddr())
	dst := netip.AddrFrom16(*i6frm.DestinationAddr())
	return "IPv6 proto=" + i6frm.NextHeader().String() + " src=" + src.String() + " dst=" + dst.String()
}
