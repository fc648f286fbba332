// Package tcb implements a Transmission Control Block: the send/receive
// sequence variables of RFC 9293 §3.3.1 and the segment admission and
// state transitions of §3.10, for passive (listening) connections only.
//
// A Block admits incoming segments strictly in sequence order; reordering
// is the caller's job (see internal/reassembly). Byte buffering likewise
// lives outside the Block — it tracks sequence numbers, not data.
package tcb

import (
	"errors"
	"io"
	"log/slog"
	"math"

	"github.com/tunstack/tunstack/internal/seqnum"
	"github.com/tunstack/tunstack/internal/xlog"
	"github.com/tunstack/tunstack/wire/tcpseg"
)

// ErrPeerReset is returned by Recv when a valid RST tears down a
// synchronized connection. The caller must flush buffered data and wake
// waiters with a connection-reset error.
var ErrPeerReset = errors.New("tcb: connection reset by peer")

// ErrUnexpectedSYN is returned by Recv when an in-window SYN arrives on a
// synchronized connection. A RST is queued; the caller must flush it and
// destroy the connection (RFC 9293 §3.10.7.4).
var ErrUnexpectedSYN = errors.New("tcb: SYN on synchronized connection")

var (
	errSYNExpected    = errors.New("tcb: listening socket expects SYN")
	errHandshakeReset = errors.New("tcb: handshake aborted by peer RST")
	errNotOpen        = errors.New("tcb: connection not open")
	errAlreadyOpen    = errors.New("tcb: connection already open")
	errAlreadyClosing = errors.New("tcb: close already in progress")
	errNotTimeWait    = errors.New("tcb: not in TIME-WAIT")
	errBigWindow      = errors.New("tcb: window exceeds 16 bits")
	errPayloadClosing = errors.New("tcb: payload not allowed while closing")
)

// RejectReason classifies why a segment failed admission.
type RejectReason uint8

// Reject reasons, reported through RejectError.
const (
	RejectSeqOutOfWindow RejectReason = iota + 1
	RejectEndOutOfWindow
	RejectNotSequential
	RejectWindowClosed
	RejectWindowOverflow
	RejectStaleACK
	RejectFutureACK
	RejectBlindRST
	RejectACKMismatch
	RejectPeerWindow
)

// RejectError reports a segment that failed the sequence-space admission
// checks. The reason is carried as data so tests and logs can tell the
// cases apart without string matching.
type RejectError struct {
	Why RejectReason
}

func (e *RejectError) Error() string {
	switch e.Why {
	case RejectSeqOutOfWindow:
		return "tcb: segment outside receive window"
	case RejectEndOutOfWindow:
		return "tcb: segment end outside receive window"
	case RejectNotSequential:
		return "tcb: segment not at RCV.NXT"
	case RejectWindowClosed:
		return "tcb: data against a closed window"
	case RejectWindowOverflow:
		return "tcb: window field exceeds 16 bits"
	case RejectStaleACK:
		return "tcb: duplicate acknowledgment"
	case RejectFutureACK:
		return "tcb: acknowledgment of unsent data"
	case RejectBlindRST:
		return "tcb: RST not at RCV.NXT"
	case RejectACKMismatch:
		return "tcb: outgoing ACK does not match RCV.NXT"
	case RejectPeerWindow:
		return "tcb: payload exceeds peer window"
	}
	return "tcb: segment rejected"
}

// reListenISSJump is how far the initial send sequence number advances
// when a reset handshake returns to LISTEN. A full 2^16 jump clears any
// window the aborted peer could have advertised (windows are 16-bit with
// no scale option), so stragglers from the old attempt can never land in
// the new connection's sequence space.
const reListenISSJump = 1 << 16

// Block tracks one connection's sequence spaces and state. The zero
// value is a closed block; call Open to start listening.
type Block struct {
	state tcpseg.State

	iss    seqnum.Value // our initial send sequence number
	sndUNA seqnum.Value // oldest byte sent but not acknowledged
	sndNXT seqnum.Value // next byte to send
	sndWND seqnum.Size  // peer's advertised window

	irs    seqnum.Value // peer's initial sequence number
	rcvNXT seqnum.Value // next byte expected from the peer
	rcvWND seqnum.Size  // window we advertise

	ctl    tcpseg.Flags // control flags queued for the next segment out
	ackNow bool         // emit a bare ACK even if ctl is empty
	rstSeq seqnum.Value // SEQ a queued RST must carry

	log *xlog.Logger
}

// State returns the connection state.
func (b *Block) State() tcpseg.State { return b.state }

// ISS returns the initial send sequence number chosen at Open.
func (b *Block) ISS() seqnum.Value { return b.iss }

// SendUnacked returns SND.UNA, the point a retransmission restarts from.
func (b *Block) SendUnacked() seqnum.Value { return b.sndUNA }

// SendNext returns SND.NXT, the next sequence number this Block sends.
func (b *Block) SendNext() seqnum.Value { return b.sndNXT }

// RecvNext returns RCV.NXT, the next sequence number expected in.
func (b *Block) RecvNext() seqnum.Value { return b.rcvNXT }

// RecvWindow returns the currently advertised receive window.
func (b *Block) RecvWindow() seqnum.Size { return b.rcvWND }

// SetRecvWindow adjusts the advertised receive window, normally to the
// free space of the receive buffer.
func (b *Block) SetRecvWindow(wnd seqnum.Size) { b.rcvWND = wnd }

// SetLogger attaches a logger for trace/debug diagnostics. A nil logger
// is valid and silent.
func (b *Block) SetLogger(log *xlog.Logger) { b.log = log }

// HasPending reports whether a control segment or bare ACK is queued.
func (b *Block) HasPending() bool { return b.ctl != 0 || b.ackNow }

// ForceACK queues a bare acknowledgment of the current RCV.NXT, used to
// re-ACK duplicate traffic whose original ACK was evidently lost.
func (b *Block) ForceACK() { b.ackNow = true }

// MaxInFlightData returns how many more payload bytes fit in the peer's
// advertised window, or 0 before the handshake has exchanged sequence
// numbers.
func (b *Block) MaxInFlightData() seqnum.Size {
	if b.state != tcpseg.StateSynRcvd && !b.state.IsSynchronized() {
		return 0
	}
	used := seqnum.Sizeof(b.sndUNA, b.sndNXT)
	if used >= b.sndWND {
		return 0
	}
	return b.sndWND - used
}

// IncomingIsKeepalive reports whether seg is a bare keepalive probe: one
// byte below RCV.NXT, ACK-only, no data. Such probes must not be passed
// to Recv.
func (b *Block) IncomingIsKeepalive(seg tcpseg.Segment) bool {
	return seg.Flags == tcpseg.FlagACK && seg.DATALEN == 0 &&
		seg.SEQ == b.rcvNXT-1 && seg.ACK == b.sndNXT
}

// MakeKeepalive builds an outgoing keepalive/zero-window probe. It must
// not be passed to Send: it advances no sequence number.
func (b *Block) MakeKeepalive() tcpseg.Segment {
	return tcpseg.Segment{
		SEQ:   b.sndNXT - 1,
		ACK:   b.rcvNXT,
		Flags: tcpseg.FlagACK,
		WND:   b.rcvWND,
	}
}

// Open puts a closed Block into LISTEN with the given initial send
// sequence number and advertised receive window.
func (b *Block) Open(iss seqnum.Value, wnd seqnum.Size) error {
	if b.state != tcpseg.StateClosed && b.state != tcpseg.StateListen {
		return errAlreadyOpen
	}
	if wnd > math.MaxUint16 {
		return errBigWindow
	}
	*b = Block{state: tcpseg.StateListen, iss: iss, rcvWND: wnd, log: b.log}
	b.trace("tcb:listen")
	return nil
}

// Recv admits an incoming segment. Processing follows the arrival steps
// of RFC 9293 §3.10.7: acceptability, RST, SYN, ACK, then payload and
// FIN. seg must start exactly at RCV.NXT when it carries payload;
// out-of-order segments are the reassembly buffer's problem.
func (b *Block) Recv(seg tcpseg.Segment) error {
	if b.state == tcpseg.StateClosed {
		return io.ErrClosedPipe
	}
	if seg.WND > math.MaxUint16 {
		return b.fail(seg, RejectWindowOverflow)
	}
	if b.state == tcpseg.StateListen {
		return b.recvListen(seg)
	}

	if err := b.admissible(seg); err != nil {
		// An unacceptable non-RST segment is answered with a bare ACK so
		// the peer can resynchronize; an unacceptable RST is dropped
		// without response.
		if !seg.Flags.HasAny(tcpseg.FlagRST) {
			b.ackNow = true
		}
		return err
	}
	if seg.Flags.HasAny(tcpseg.FlagRST) {
		return b.recvRST(seg)
	}
	if seg.Flags.HasAny(tcpseg.FlagSYN) {
		b.ctl = tcpseg.FlagRST
		b.rstSeq = b.sndNXT
		return ErrUnexpectedSYN
	}
	if seg.Flags.HasAny(tcpseg.FlagACK) {
		if err := b.recvACK(seg); err != nil {
			return err
		}
		if b.state == tcpseg.StateClosed {
			return nil // that was LAST-ACK's final acknowledgment
		}
	}
	// The acceptability check held, so SND.WL1/WL2 freshness is satisfied
	// and the window field is a valid update.
	b.sndWND = seg.WND
	if seg.DATALEN > 0 {
		b.rcvNXT = seqnum.Add(b.rcvNXT, seg.DATALEN)
		b.ackNow = true
	}
	if seg.Flags.HasAny(tcpseg.FlagFIN) {
		b.recvFIN()
	}
	b.traceSeg("tcb:rcv", seg)
	return nil
}

// recvListen starts a handshake from an incoming SYN.
func (b *Block) recvListen(seg tcpseg.Segment) error {
	if !seg.Flags.HasAny(tcpseg.FlagSYN) {
		return errSYNExpected
	}
	b.irs = seg.SEQ
	b.rcvNXT = seqnum.Add(seg.SEQ, 1)
	b.sndWND = seg.WND
	b.sndUNA = b.iss
	b.sndNXT = b.iss
	b.ctl = tcpseg.FlagSYN | tcpseg.FlagACK
	b.state = tcpseg.StateSynRcvd
	b.trace("tcb:syn-rcvd")
	return nil
}

// admissible runs the four-case acceptability test of RFC 9293 §3.10.7.4
// (segment length zero/non-zero crossed with receive window zero/
// non-zero), then applies this implementation's stricter rule that a
// payload-bearing segment must start exactly at RCV.NXT.
func (b *Block) admissible(seg tcpseg.Segment) error {
	segLen := seg.LEN()
	switch {
	case segLen == 0 && b.rcvWND == 0:
		if seg.SEQ != b.rcvNXT {
			return b.fail(seg, RejectSeqOutOfWindow)
		}
	case segLen == 0:
		if !seg.SEQ.InWindow(b.rcvNXT, b.rcvWND) {
			return b.fail(seg, RejectSeqOutOfWindow)
		}
	case b.rcvWND == 0:
		return b.fail(seg, RejectWindowClosed)
	default:
		startIn := seg.SEQ.InWindow(b.rcvNXT, b.rcvWND)
		endIn := seg.Last().InWindow(b.rcvNXT, b.rcvWND)
		if !startIn && !endIn {
			return b.fail(seg, RejectSeqOutOfWindow)
		}
		if seg.SEQ != b.rcvNXT {
			return b.fail(seg, RejectNotSequential)
		}
		if !endIn {
			return b.fail(seg, RejectEndOutOfWindow)
		}
	}
	return nil
}

// recvRST handles an acceptable RST. Only a RST landing exactly on
// RCV.NXT is honored; anything else in the window draws a challenge ACK
// (RFC 9293 §3.5.3 blind-reset defense).
func (b *Block) recvRST(seg tcpseg.Segment) error {
	if seg.SEQ != b.rcvNXT {
		b.ackNow = true
		return b.fail(seg, RejectBlindRST)
	}
	if b.state == tcpseg.StateSynRcvd {
		b.relisten()
		return errHandshakeReset
	}
	b.reset()
	return ErrPeerReset
}

// relisten returns an aborted handshake to LISTEN, sliding ISS forward
// so segments from the dead attempt cannot alias into the next one.
func (b *Block) relisten() {
	wnd := b.rcvWND
	iss := seqnum.Add(b.iss, reListenISSJump)
	*b = Block{state: tcpseg.StateListen, iss: iss, rcvWND: wnd, log: b.log}
	b.trace("tcb:relisten")
}

// recvACK folds an acceptable segment's acknowledgment into the send
// space and drives the transitions the spec keys on "ACK of our SYN" and
// "ACK of our FIN".
func (b *Block) recvACK(seg tcpseg.Segment) error {
	ack := seg.ACK
	if b.sndNXT.LessThan(ack) {
		// Acknowledges data never sent. Before establishment that is
		// answered with a RST carrying the offending ACK as its SEQ;
		// afterwards with a plain re-ACK.
		if b.state == tcpseg.StateSynRcvd {
			b.ctl = tcpseg.FlagRST
			b.rstSeq = ack
		} else {
			b.ackNow = true
		}
		return b.fail(seg, RejectFutureACK)
	}
	if ack.LessThanEq(b.sndUNA) {
		// Old news, but still a legitimate window update.
		b.sndWND = seg.WND
		if seg.DATALEN == 0 && !seg.Flags.HasAny(tcpseg.FlagFIN) {
			return b.fail(seg, RejectStaleACK)
		}
		return nil
	}

	b.sndUNA = ack
	finAcked := ack == b.sndNXT
	switch b.state {
	case tcpseg.StateSynRcvd:
		if ack == seqnum.Add(b.iss, 1) {
			b.state = tcpseg.StateEstablished
			b.trace("tcb:established")
		}
	case tcpseg.StateFinWait1:
		if finAcked {
			b.state = tcpseg.StateFinWait2
		}
	case tcpseg.StateClosing:
		if finAcked {
			b.state = tcpseg.StateTimeWait
		}
	case tcpseg.StateLastAck:
		if finAcked {
			b.trace("tcb:closed")
			b.reset()
		}
	}
	return nil
}

// recvFIN consumes the peer's FIN and moves through the close states.
func (b *Block) recvFIN() {
	b.rcvNXT = seqnum.Add(b.rcvNXT, 1)
	b.ackNow = true
	switch b.state {
	case tcpseg.StateEstablished:
		// Half-close: the app may keep writing until it closes too.
		b.state = tcpseg.StateCloseWait
	case tcpseg.StateFinWait1:
		// Our FIN is still unacked (recvACK would have moved us to
		// FinWait2 otherwise): both ends are closing simultaneously.
		b.state = tcpseg.StateClosing
	case tcpseg.StateFinWait2:
		b.state = tcpseg.StateTimeWait
	}
	b.trace("tcb:fin-rcvd")
}

// PendingSegment computes the next segment to transmit given how many
// payload bytes the caller has ready. It reports false when there is
// nothing to send. The Block is not advanced; Send does that once the
// segment actually goes out.
func (b *Block) PendingSegment(payloadLen int) (tcpseg.Segment, bool) {
	switch b.state {
	case tcpseg.StateClosed, tcpseg.StateListen:
		return tcpseg.Segment{}, false
	case tcpseg.StateEstablished, tcpseg.StateCloseWait:
		// Payload may ride along in these states only.
	default:
		payloadLen = 0
	}
	if room := b.MaxInFlightData(); payloadLen > int(room) {
		payloadLen = int(room)
	}
	if b.ctl == 0 && payloadLen == 0 && !b.ackNow {
		return tcpseg.Segment{}, false
	}

	var seg tcpseg.Segment
	if b.ctl.HasAny(tcpseg.FlagRST) {
		seg = tcpseg.Segment{SEQ: b.rstSeq, Flags: b.ctl, WND: b.rcvWND}
	} else {
		seg = tcpseg.Segment{
			SEQ:     b.sndNXT,
			ACK:     b.rcvNXT,
			WND:     b.rcvWND,
			Flags:   b.ctl | tcpseg.FlagACK, // every non-RST segment past LISTEN acknowledges
			DATALEN: seqnum.Size(payloadLen),
		}
	}
	b.traceSeg("tcb:pending", seg)
	return seg, true
}

// Send commits a segment that is going on the wire: it validates the
// segment against the send space, performs the transitions keyed on
// sending FIN, clears the control flags it carries, and advances SND.NXT.
func (b *Block) Send(seg tcpseg.Segment) error {
	if err := b.checkOutgoing(seg); err != nil {
		b.logerr("tcb:send.reject", seg, err)
		return err
	}
	if seg.Flags.HasAny(tcpseg.FlagFIN) {
		switch b.state {
		case tcpseg.StateSynRcvd, tcpseg.StateEstablished:
			b.state = tcpseg.StateFinWait1
		case tcpseg.StateCloseWait:
			b.state = tcpseg.StateLastAck
		}
	}
	b.ctl &^= seg.Flags
	if seg.Flags.HasAny(tcpseg.FlagACK) {
		b.ackNow = false
	}
	b.sndNXT = seqnum.Add(b.sndNXT, seg.LEN())
	b.rcvWND = seg.WND
	b.traceSeg("tcb:snd", seg)
	return nil
}

// checkOutgoing vets a segment against the send space. Outgoing traffic
// in this stack always starts at SND.NXT (retransmissions bypass the
// Block entirely), which keeps the check short.
func (b *Block) checkOutgoing(seg tcpseg.Segment) error {
	switch b.state {
	case tcpseg.StateClosed, tcpseg.StateListen:
		return io.ErrClosedPipe
	}
	if seg.WND > math.MaxUint16 {
		return errBigWindow
	}
	if seg.Flags.HasAny(tcpseg.FlagACK) && seg.ACK != b.rcvNXT {
		return &RejectError{Why: RejectACKMismatch}
	}
	if seg.Flags.HasAny(tcpseg.FlagRST) {
		return nil // RSTs carry rstSeq, outside normal sequencing
	}
	if seg.SEQ != b.sndNXT {
		return &RejectError{Why: RejectNotSequential}
	}
	if seg.DATALEN > 0 {
		switch b.state {
		case tcpseg.StateEstablished, tcpseg.StateCloseWait:
		default:
			return errPayloadClosing
		}
		if seg.DATALEN > b.MaxInFlightData() {
			return &RejectError{Why: RejectPeerWindow}
		}
	}
	return nil
}

// Abort tears the connection down immediately, returning the RST segment
// the caller must transmit. Used when the retransmission retry budget is
// exhausted or the owner is being destroyed.
func (b *Block) Abort() tcpseg.Segment {
	seg := tcpseg.Segment{
		SEQ:   b.sndNXT,
		ACK:   b.rcvNXT,
		Flags: tcpseg.FlagRST | tcpseg.FlagACK,
		WND:   b.rcvWND,
	}
	b.reset()
	return seg
}

// ExpireTimeWait releases the block once its 2*MSL hold is over.
func (b *Block) ExpireTimeWait() error {
	if b.state != tcpseg.StateTimeWait {
		return errNotTimeWait
	}
	b.trace("tcb:timewait-expired")
	b.reset()
	return nil
}

// Close starts an orderly teardown: it queues the FIN (sent by the owner
// through PendingSegment/Send) and performs the user-CLOSE transitions.
// Payload must not be sent after Close.
func (b *Block) Close() error {
	switch b.state {
	case tcpseg.StateClosed:
		return errNotOpen
	case tcpseg.StateListen:
		b.reset()
	case tcpseg.StateSynRcvd, tcpseg.StateEstablished:
		b.ctl |= tcpseg.FlagFIN
	case tcpseg.StateCloseWait:
		b.state = tcpseg.StateLastAck
		b.ctl |= tcpseg.FlagFIN
	default:
		b.log.Error("tcb:close", slog.String("err", errAlreadyClosing.Error()))
		return errAlreadyClosing
	}
	b.trace("tcb:close")
	return nil
}

// reset returns the block to Closed, dropping all sequence state.
func (b *Block) reset() {
	*b = Block{log: b.log}
}

// fail logs and constructs a rejection for seg.
func (b *Block) fail(seg tcpseg.Segment, why RejectReason) error {
	err := &RejectError{Why: why}
	b.logerr("tcb:reject", seg, err)
	return err
}
