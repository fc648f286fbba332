// Package tcpseg implements a zero-copy TCP segment codec (RFC 9293 §3.1)
// plus the segment-arrival bookkeeping types (Flags, State, Segment, TCP
// options) shared by the tcb state machine and the retransmission queue.
package tcpseg

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tunstack/tunstack/internal/seqnum"
	"github.com/tunstack/tunstack/wire"
)

const sizeHeader = 20

var errShort = errors.New("tcpseg: short buffer")

// NewFrame returns a new Frame with data set to buf. An error is returned
// if the buffer is smaller than the fixed 20-byte TCP header.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw bytes of a TCP segment and provides accessors
// for its header fields, options and payload.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice the frame was built from.
func (tfrm Frame) RawData() []byte { return tfrm.buf }

// SourcePort returns the source port field.
func (tfrm Frame) SourcePort() uint16 { return binary.BigEndian.Uint16(tfrm.buf[0:2]) }

// SetSourcePort sets the source port field.
func (tfrm Frame) SetSourcePort(port uint16) { binary.BigEndian.PutUint16(tfrm.buf[0:2], port) }

// DestinationPort returns the destination port field.
func (tfrm Frame) DestinationPort() uint16 { return binary.BigEndian.Uint16(tfrm.buf[2:4]) }

// SetDestinationPort sets the destination port field.
func (tfrm Frame) SetDestinationPort(port uint16) { binary.BigEndian.PutUint16(tfrm.buf[2:4], port) }

// Seq returns the segment's sequence number.
func (tfrm Frame) Seq() seqnum.Value { return seqnum.Value(binary.BigEndian.Uint32(tfrm.buf[4:8])) }

// SetSeq sets the sequence number field.
func (tfrm Frame) SetSeq(seq seqnum.Value) { binary.BigEndian.PutUint32(tfrm.buf[4:8], uint32(seq)) }

// Ack returns the segment's acknowledgment number.
func (tfrm Frame) Ack() seqnum.Value { return seqnum.Value(binary.BigEndian.Uint32(tfrm.buf[8:12])) }

// SetAck sets the acknowledgment number field.
func (tfrm Frame) SetAck(ack seqnum.Value) { binary.BigEndian.PutUint32(tfrm.buf[8:12], uint32(ack)) }

// OffsetAndFlags returns the raw data-offset nibble and the 9 TCP flag bits.
func (tfrm Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(tfrm.buf[12:14])
	return uint8(v >> 12), Flags(v & 0x1ff)
}

// SetOffsetAndFlags sets the data offset (in 32-bit words) and flag bits.
func (tfrm Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags)&0x1ff
	binary.BigEndian.PutUint16(tfrm.buf[12:14], v)
}

// HeaderLength returns the TCP header length in bytes, including options.
func (tfrm Frame) HeaderLength() int {
	offset, _ := tfrm.OffsetAndFlags()
	return int(offset) * 4
}

// WindowSize returns the advertised receive window field.
func (tfrm Frame) WindowSize() uint16 { return binary.BigEndian.Uint16(tfrm.buf[14:16]) }

// SetWindowSize sets the receive window field.
func (tfrm Frame) SetWindowSize(w uint16) { binary.BigEndian.PutUint16(tfrm.buf[14:16], w) }

// CRC returns the checksum field.
func (tfrm Frame) CRC() uint16 { return binary.BigEndian.Uint16(tfrm.buf[16:18]) }

// SetCRC sets the checksum field.
func (tfrm Frame) SetCRC(cs uint16) { binary.BigEndian.PutUint16(tfrm.buf[16:18], cs) }

// UrgentPtr returns the urgent pointer field. Parsed but otherwise unused:
// this stack does not implement the urgent data mechanism.
func (tfrm Frame) UrgentPtr() uint16 { return binary.BigEndian.Uint16(tfrm.buf[18:20]) }

// SetUrgentPtr sets the urgent pointer field.
func (tfrm Frame) SetUrgentPtr(up uint16) { binary.BigEndian.PutUint16(tfrm.buf[18:20], up) }

// Options returns the TCP options portion of the header, may be zero length.
func (tfrm Frame) Options() []byte {
	return tfrm.buf[sizeHeader:tfrm.HeaderLength()]
}

// Payload returns the segment payload, given the total datagram size
// (header+options+payload) as reported by the enclosing IP layer.
func (tfrm Frame) Payload(totalSize int) []byte {
	return tfrm.buf[tfrm.HeaderLength():totalSize]
}

// ClearHeader zeros out the fixed (non-options) header bytes.
func (tfrm Frame) ClearHeader() {
	for i := range tfrm.buf[:sizeHeader] {
		tfrm.buf[i] = 0
	}
}

// Segment returns the RFC 9293 §3.10.7 segment variables derived from this
// frame, given the segment's payload length in bytes.
func (tfrm Frame) Segment(payloadSize int) Segment {
	_, flags := tfrm.OffsetAndFlags()
	return Segment{
		SEQ:     tfrm.Seq(),
		ACK:     tfrm.Ack(),
		WND:     seqnum.Size(tfrm.WindowSize()),
		Flags:   flags,
		DATALEN: seqnum.Size(payloadSize),
	}
}

// SetSegment writes seg's SEQ/ACK/WND/Flags into the frame header, along
// with the given header offset (in 32-bit words, header+options length/4).
func (tfrm Frame) SetSegment(seg Segment, offset uint8) {
	tfrm.SetSeq(seg.SEQ)
	tfrm.SetAck(seg.ACK)
	tfrm.SetWindowSize(uint16(seg.WND))
	tfrm.SetOffsetAndFlags(offset, seg.Flags)
}

var (
	errBadOffset = errors.New("tcpseg: data offset out of range")
)

// ValidateSize checks the frame's header length against the backing buffer.
func (tfrm Frame) ValidateSize(v *wire.Validator) {
	offset, _ := tfrm.OffsetAndFlags()
	if offset < 5 || int(offset)*4 > len(tfrm.buf) {
		v.AddError(errBadOffset)
	}
}

// ValidateExceptCRC checks all header invariants except the checksum field.
func (tfrm Frame) ValidateExceptCRC(v *wire.Validator) {
	tfrm.ValidateSize(v)
}

func (tfrm Frame) String() string {
	_, flags := tfrm.OffsetAndFlags()
	return fmt.Sprintf("TCP %d->%d seq=%d ack=%d wnd=%d flags=%s",
		tfrm.SourcePort(), tfrm.DestinationPort(), tfrm.Seq(), tfrm.Ack(), tfrm.WindowSize(), flags)
}
