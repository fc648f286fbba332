package tcpseg

import (
	"strconv"
	"strings"

	"github.com/tunstack/tunstack/internal/seqnum"
)

// Flags holds the 9 control bits of the TCP header (RFC 3168 adds CWR/ECE,
// RFC 3540 adds NS).
type Flags uint16

// TCP control bits, in header bit order (FIN is bit 0).
const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
	FlagNS
)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// HasAny reports whether any bit in mask is set.
func (f Flags) HasAny(mask Flags) bool { return f&mask != 0 }

// HasAll is an alias of Has, kept for call-site clarity when checking
// several bits that must all be set.
func (f Flags) HasAll(mask Flags) bool { return f.Has(mask) }

// Mask returns f restricted to the bits in mask.
func (f Flags) Mask(mask Flags) Flags { return f & mask }

func (f Flags) String() string {
	if f == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	first := true
	add := func(name string, bit Flags) {
		if f&bit == 0 {
			return
		}
		if !first {
			b.WriteByte(',')
		}
		b.WriteString(name)
		first = false
	}
	add("FIN", FlagFIN)
	add("SYN", FlagSYN)
	add("RST", FlagRST)
	add("PSH", FlagPSH)
	add("ACK", FlagACK)
	add("URG", FlagURG)
	add("ECE", FlagECE)
	add("CWR", FlagCWR)
	add("NS", FlagNS)
	b.WriteByte(']')
	return b.String()
}

// AppendFormat appends the flag string to dst, returning the extended slice.
func (f Flags) AppendFormat(dst []byte) []byte { return append(dst, f.String()...) }

// State is a TCP connection state per the RFC 9293 §3.3.2 state machine.
type State uint8

// TCP connection states.
const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

var stateNames = [...]string{
	StateClosed:      "Closed",
	StateListen:      "Listen",
	StateSynSent:     "SynSent",
	StateSynRcvd:     "SynRcvd",
	StateEstablished: "Established",
	StateFinWait1:    "FinWait1",
	StateFinWait2:    "FinWait2",
	StateCloseWait:   "CloseWait",
	StateClosing:     "Closing",
	StateLastAck:     "LastAck",
	StateTimeWait:    "TimeWait",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// IsPreestablished reports whether s precedes a fully open connection.
func (s State) IsPreestablished() bool {
	return s == StateListen || s == StateSynSent || s == StateSynRcvd
}

// IsClosing reports whether s is part of the active/passive close sequence.
func (s State) IsClosing() bool {
	switch s {
	case StateFinWait1, StateFinWait2, StateCloseWait, StateClosing, StateLastAck, StateTimeWait:
		return true
	}
	return false
}

// IsClosed reports whether s is the fully closed state.
func (s State) IsClosed() bool { return s == StateClosed }

// IsSynchronized reports whether sequence numbers have been exchanged, i.e.
// the connection is at or past Established in the handshake.
func (s State) IsSynchronized() bool {
	switch s {
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait, StateClosing, StateLastAck, StateTimeWait:
		return true
	}
	return false
}

// Segment holds the RFC 9293 §3.10.7 "SEG.*" variables extracted from an
// incoming (or about to be sent) TCP frame.
type Segment struct {
	SEQ     seqnum.Value
	ACK     seqnum.Value
	WND     seqnum.Size
	DATALEN seqnum.Size // payload octets, excluding SYN/FIN
	Flags   Flags
}

// LEN returns the length of the segment in octets, including the SYN and
// FIN control bits (RFC 9293 §3.10.7).
func (s Segment) LEN() seqnum.Size {
	add := seqnum.Size(s.Flags) & 1        // FIN bit.
	add += (seqnum.Size(s.Flags) >> 1) & 1 // SYN bit.
	return s.DATALEN + add
}

// Last returns the sequence number of the final octet of the segment.
func (s Segment) Last() seqnum.Value {
	seglen := s.LEN()
	if seglen == 0 {
		return s.SEQ
	}
	return seqnum.Add(s.SEQ, seglen) - 1
}

func (s Segment) isFirstSYN() bool {
	return s.Flags == FlagSYN && s.ACK == 0 && s.DATALEN == 0 && s.WND > 0
}

// ClientSynSegment builds the initial SYN segment an active opener sends,
// per RFC 9293 §3.10.1.
func ClientSynSegment(iss seqnum.Value, wnd seqnum.Size) Segment {
	return Segment{SEQ: iss, WND: wnd, Flags: FlagSYN}
}

// StringExchange renders a single RFC 9293-style segment exchange line, of
// the form "State --> <SEQ=1><ACK=2>[SYN,ACK] --> State".
func StringExchange(before State, seg Segment, after State) string {
	var b strings.Builder
	appendStringExchange(&b, before, seg, after)
	return b.String()
}

func appendStringExchange(b *strings.Builder, before State, seg Segment, after State) {
	b.WriteString(before.String())
	b.WriteString(" --> <SEQ=")
	b.WriteString(strconv.FormatUint(uint64(seg.SEQ), 10))
	if seg.Flags.Has(FlagACK) {
		b.WriteString("><ACK=")
		b.WriteString(strconv.FormatUint(uint64(seg.ACK), 10))
	}
	b.WriteString(">")
	b.WriteString(seg.Flags.String())
	b.WriteString(" --> ")
	b.WriteString(after.String())
}
