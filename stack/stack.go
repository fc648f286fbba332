// Package stack is the event loop that owns the TUN device,
// demultiplexes inbound IPv4/IPv6 datagrams to tracked connections and
// listeners, and drives outgoing segments and timers. A TUN device needs
// no Ethernet/ARP layer underneath it: IP datagrams arrive and leave the
// device directly.
package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/tunstack/tunstack/conntrack"
	"github.com/tunstack/tunstack/internal/isn"
	"github.com/tunstack/tunstack/internal/seqnum"
	"github.com/tunstack/tunstack/internal/timerwheel"
	"github.com/tunstack/tunstack/internal/xlog"
	"github.com/tunstack/tunstack/tcb"
	"github.com/tunstack/tunstack/wire"
	"github.com/tunstack/tunstack/wire/ipv4"
	"github.com/tunstack/tunstack/wire/ipv6"
	"github.com/tunstack/tunstack/wire/tcpseg"
)

// maxRetransmitRetries is the number of retransmission timeouts a
// connection tolerates before the stack gives up and aborts it with a RST.
const maxRetransmitRetries = 5

// timeWaitDuration is 2*MSL (MSL=60s), the time a connection occupies its
// quad after entering TimeWait before the stack reclaims it.
const timeWaitDuration = 2 * 60 * time.Second

// tickInterval paces the event loop's timer/write-flush pass. It is well
// under MinRTO (1s) so a freshly-armed retransmission timer cannot expire
// more than a tick late, and still coarse enough not to busy-spin.
const tickInterval = 20 * time.Millisecond

// Device is the packet-granular raw-IP interface the stack reads
// datagrams from and writes them to, normally an *internal/tundev.Device.
// Writes never partially succeed.
type Device interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
}

// Config configures a Stack.
type Config struct {
	MTU int
	V4  netip.Addr
	V6  netip.Addr
	Log *xlog.Logger
}

// Stack owns a TUN device and the connection/listener tables multiplexed
// over it. Inbound segments are processed by the TUN-reading goroutine
// started in Run; timers and pending application writes are drained by
// Run's own ticking loop. The two goroutines never touch a Conn's fields
// without its lock held; the timer wheel, reachable from both, is guarded
// by wheelMu.
type Stack struct {
	dev     Device
	Table   *conntrack.Table
	wheel   *timerwheel.Wheel
	wheelMu sync.Mutex
	iss     *isn.Generator
	v4, v6  netip.Addr
	mtu     int
	log     *xlog.Logger
	rxbuf   []byte
	drops   atomic.Uint64
}

// New returns a Stack reading and writing through dev.
func New(dev Device, cfg Config) *Stack {
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = 1500
	}
	return &Stack{
		dev:   dev,
		Table: conntrack.NewTable(),
		wheel: timerwheel.New(),
		iss:   isn.NewGenerator(),
		v4:    cfg.V4,
		v6:    cfg.V6,
		mtu:   mtu,
		log:   cfg.Log,
		rxbuf: make([]byte, mtu),
	}
}

// NewConnID returns an opaque identifier for a freshly tracked connection
// or listener, for logging/metrics correlation.
func NewConnID() string { return xid.New().String() }

// Drops returns the number of inbound frames dropped so far (parse
// failures, bad checksums, fragments, rejected segments).
func (s *Stack) Drops() uint64 { return s.drops.Load() }

// Listen registers a listener on local, allocating a fresh conntrack.Conn
// (with bufSize-sized buffers) for each inbound SYN, holding at most
// backlog unaccepted handshakes at once (<=0 means unbounded).
func (s *Stack) Listen(local netip.AddrPort, bufSize, backlog int) *conntrack.Listener {
	newConn := func(quad conntrack.Quad) *conntrack.Conn {
		c := conntrack.NewConn(quad, bufSize, s.log)
		iss := seqnum.Value(s.iss.Next())
		// The transmit queue tracks data bytes only; the first data byte
		// goes on the wire at ISS+1, after the SYN consumed one number.
		c.SeedISS(iss + 1)
		// The advertised window has no scale option negotiated, so it is
		// capped at 65535 regardless of how large the receive buffer is.
		wnd := bufSize
		if wnd > math.MaxUint16 {
			wnd = math.MaxUint16
		}
		c.TCB.Open(iss, seqnum.Size(wnd))
		return c
	}
	return s.Table.Listen(local, backlog, newConn, s.log)
}

// Run reads datagrams from the TUN device until ctx is done, dispatching
// each to the IPv4 or IPv6 handler, and ticks a timer/write-flush pass in
// between reads. It returns ctx's error on cancellation, or the device read
// error that stopped it.
func (s *Stack) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		for {
			n, err := s.dev.Read(s.rxbuf)
			if err != nil {
				errCh <- err
				return
			}
			if n == 0 {
				continue
			}
			if err := s.handleDatagram(s.rxbuf[:n]); err != nil {
				s.drops.Add(1)
				s.log.Debug("stack: drop", slog.String("err", err.Error()))
			}
			s.drainRST()
		}
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.serviceTimers()
			s.flushPending()
		}
	}
}

var (
	errEmptyDatagram = errors.New("stack: empty datagram")
	errIPv4Fragment  = errors.New("stack: fragmented IPv4 datagram")
)

func (s *Stack) handleDatagram(buf []byte) error {
	if len(buf) == 0 {
		return errEmptyDatagram
	}
	version := buf[0] >> 4
	switch version {
	case 4:
		return s.handleIPv4(buf)
	case 6:
		return s.handleIPv6(buf)
	default:
		return fmt.Errorf("stack: unknown IP version %d", version)
	}
}

func (s *Stack) handleIPv4(buf []byte) error {
	ifrm, err := ipv4.NewFrame(buf)
	if err != nil {
		return err
	}
	var v wire.Validator
	ifrm.ValidateExceptCRC(&v)
	if err := v.Err(); err != nil {
		return err
	}
	if ifrm.CRC() != ifrm.CalculateHeaderCRC() {
		return wire.ErrBadCRC
	}
	if flags := ifrm.Flags(); flags.MoreFragments() || flags.FragmentOffset() != 0 {
		return errIPv4Fragment
	}
	if ifrm.Protocol() != wire.IPProtoTCP {
		return nil
	}
	dst := netip.AddrFrom4(*ifrm.DestinationAddr())
	if dst != s.v4 {
		return nil
	}
	src := netip.AddrFrom4(*ifrm.SourceAddr())
	var pseudo wire.CRC791
	ifrm.CRCWriteTCPPseudo(&pseudo)
	return s.handleTCP(src, dst, ifrm.Payload(), pseudo)
}

func (s *Stack) handleIPv6(buf []byte) error {
	i6frm, err := ipv6.NewFrame(buf)
	if err != nil {
		return err
	}
	var v wire.Validator
	i6frm.ValidateSize(&v)
	if err := v.Err(); err != nil {
		return err
	}
	if i6frm.NextHeader() != wire.IPProtoTCP {
		return nil
	}
	dst := netip.AddrFrom16(*i6frm.DestinationAddr())
	if dst != s.v6 {
		return nil
	}
	src := netip.AddrFrom16(*i6frm.SourceAddr())
	var pseudo wire.CRC791
	i6frm.CRCWritePseudo(&pseudo)
	return s.handleTCP(src, dst, i6frm.Payload(), pseudo)
}

var optCodec tcpseg.OptionCodec

func (s *Stack) handleTCP(src, dst netip.Addr, ipPayload []byte, pseudo wire.CRC791) error {
	tfrm, err := tcpseg.NewFrame(ipPayload)
	if err != nil {
		return err
	}
	var v wire.Validator
	tfrm.ValidateExceptCRC(&v)
	if err := v.Err(); err != nil {
		return err
	}
	wantCRC := tfrm.CRC()
	tfrm.SetCRC(0)
	gotCRC := pseudo.PayloadSum16(ipPayload)
	tfrm.SetCRC(wantCRC)
	if gotCRC != wantCRC {
		return wire.ErrBadCRC
	}
	payload := tfrm.Payload(len(ipPayload))
	seg := tfrm.Segment(len(payload))

	local := netip.AddrPortFrom(dst, tfrm.DestinationPort())
	remote := netip.AddrPortFrom(src, tfrm.SourcePort())
	quad := conntrack.Quad{Local: local, Remote: remote}

	if c, ok := s.Table.Lookup(quad); ok {
		return s.feed(c, seg, payload)
	}
	l, ok := s.Table.ListenerFor(local)
	if !ok {
		// Wildcard bind: a listener on 0.0.0.0/:: answers for any local
		// address of the matching family.
		any := netip.IPv4Unspecified()
		if dst.Is6() && !dst.Is4In6() {
			any = netip.IPv6Unspecified()
		}
		l, ok = s.Table.ListenerFor(netip.AddrPortFrom(any, tfrm.DestinationPort()))
	}
	if ok {
		var peerMSS uint16
		if seg.Flags.HasAll(tcpseg.FlagSYN) {
			peerMSS, _ = optCodec.ParseMSS(tfrm.Options())
		}
		return l.Demux(local, remote, seg, payload, peerMSS, s.feed)
	}
	if seg.Flags.HasAny(tcpseg.FlagRST) {
		return nil // Never answer an RST with an RST.
	}
	s.Table.RST.Queue(src, tfrm.SourcePort(), tfrm.DestinationPort(), seg.ACK, seqnum.Add(seg.SEQ, seg.LEN()), rstFlagsFor(seg))
	return nil
}

func rstFlagsFor(seg tcpseg.Segment) tcpseg.Flags {
	if seg.Flags.HasAny(tcpseg.FlagACK) {
		return tcpseg.FlagRST
	}
	return tcpseg.FlagRST | tcpseg.FlagACK
}

// feed delivers an inbound segment to c's TCB (reordering through the
// reassembly buffer first if needed), folds any ACK into the
// retransmission queue, and flushes whatever the resulting state change
// queued for sending. Rejected segments still flush: an unacceptable
// segment leaves an empty ACK pending, and a SYN on a synchronized
// connection leaves a RST pending before the connection is destroyed.
func (s *Stack) feed(c *conntrack.Conn, seg tcpseg.Segment, payload []byte) error {
	c.Lock()
	if c.TCB.IncomingIsKeepalive(seg) {
		// A bare keepalive probe never enters the state machine; it only
		// needs its ACK.
		c.TCB.ForceACK()
		out, _, ok, _ := s.flushConnLocked(c)
		c.Unlock()
		if ok {
			return s.send(c.Quad.Local, c.Quad.Remote, out, nil)
		}
		return nil
	}
	err := c.DeliverInbound(seg, payload)
	if errors.Is(err, tcb.ErrPeerReset) {
		c.NotifyStateChange()
		c.Unlock()
		c.Abort(conntrack.ErrConnReset)
		s.Table.Remove(c.Quad)
		return err
	}
	if errors.Is(err, tcb.ErrUnexpectedSYN) {
		out, outPayload, ok, _ := s.flushConnLocked(c)
		c.NotifyStateChange()
		c.Unlock()
		s.Table.Remove(c.Quad)
		c.Abort(conntrack.ErrConnReset)
		if ok {
			if serr := s.send(c.Quad.Local, c.Quad.Remote, out, outPayload); serr != nil {
				s.log.Debug("stack: rst send failed", slog.String("err", serr.Error()))
			}
		}
		return err
	}

	var cancelHandle uint64
	var cancel bool
	if err == nil && seg.Flags.HasAny(tcpseg.FlagACK) {
		acked := c.ApplyACK(seg.ACK)
		now := time.Now()
		for _, t := range acked {
			if rtt, usable := t.Elapsed(now); usable {
				c.RTOEst.Sample(rtt)
			}
		}
		if c.TxBufferedSent() == 0 {
			cancelHandle, cancel = c.DisarmRetransmit()
		}
	}

	out, outPayload, ok, flushErr := s.flushConnLocked(c)
	timeWaitFirst := c.TCB.State() == tcpseg.StateTimeWait && c.MarkTimeWaitArmed()
	c.NotifyStateChange()
	c.Unlock()

	if cancel {
		s.cancelTimer(cancelHandle)
	}
	if timeWaitFirst {
		s.armTimeWait(c.Quad)
	}
	if flushErr != nil {
		return flushErr
	}
	if ok {
		if serr := s.send(c.Quad.Local, c.Quad.Remote, out, outPayload); serr != nil {
			return serr
		}
	}
	return err
}

// flushConnLocked asks c's TCB for the next segment to send (given how
// much unsent application data is queued, clamped to the negotiated MSS),
// extracts any payload from the transmit queue, commits the segment to
// the TCB via Send, and arms the connection's retransmission timer if the
// segment carries anything that needs an ACK. Must be called with c
// locked.
func (s *Stack) flushConnLocked(c *conntrack.Conn) (tcpseg.Segment, []byte, bool, error) {
	payloadLen := c.TxBuffered()
	if mss := c.MSS(); payloadLen > mss {
		payloadLen = mss
	}
	seg, ok := c.TCB.PendingSegment(payloadLen)
	if !ok {
		return tcpseg.Segment{}, nil, false, nil
	}
	var payload []byte
	if seg.DATALEN > 0 {
		payload = make([]byte, seg.DATALEN)
		n, err := c.TakeUnsent(payload, seg.SEQ)
		if err != nil {
			return tcpseg.Segment{}, nil, false, err
		}
		payload = payload[:n]
		if n < int(seg.DATALEN) {
			// The sent-region FIFO had less room than the window allows.
			seg.DATALEN = seqnum.Size(n)
		}
		if c.TxBuffered() == 0 {
			seg.Flags |= tcpseg.FlagPSH // final segment draining the write queue
		} else if seg.Flags.HasAny(tcpseg.FlagFIN) {
			// More data is queued behind this segment; hold the FIN (it
			// stays pending in the block) until the last one.
			seg.Flags &^= tcpseg.FlagFIN
		}
	}
	if err := c.TCB.Send(seg); err != nil {
		return tcpseg.Segment{}, nil, false, err
	}
	if seg.DATALEN > 0 || seg.Flags.HasAny(tcpseg.FlagSYN|tcpseg.FlagFIN) {
		c.RecordSent(seg, payload)
		if !c.RetransmitArmed() {
			s.armRetransmit(c)
		}
	}
	return seg, payload, true, nil
}

// flushPending drains every tracked connection's unsent application data
// and pending control segments, and arms zero-window probes for
// connections whose peer has closed its window with data still queued.
func (s *Stack) flushPending() {
	s.Table.Range(func(c *conntrack.Conn) {
		c.Lock()
		if c.TxBuffered() == 0 && !c.TCB.HasPending() {
			c.Unlock()
			return
		}
		out, payload, ok, err := s.flushConnLocked(c)
		if !ok && err == nil &&
			c.TxBuffered() > 0 && c.TxBufferedSent() == 0 &&
			c.TCB.State() == tcpseg.StateEstablished &&
			c.TCB.MaxInFlightData() == 0 && c.MarkProbeArmed() {
			s.armProbe(c)
		}
		timeWaitFirst := c.TCB.State() == tcpseg.StateTimeWait && c.MarkTimeWaitArmed()
		c.Unlock()
		if err != nil {
			s.log.Debug("stack: flush failed", slog.String("err", err.Error()))
			return
		}
		if timeWaitFirst {
			s.armTimeWait(c.Quad)
		}
		if !ok {
			return
		}
		if err := s.send(c.Quad.Local, c.Quad.Remote, out, payload); err != nil {
			s.log.Debug("stack: send failed", slog.String("err", err.Error()))
		}
	})
}

// send encodes seg (with an optional payload) into an IPv4 or IPv6
// datagram, depending on local's address family, and writes it to the
// TUN device. Each call builds its own scratch buffer sized to the
// segment: send can be invoked concurrently from the TUN-reading
// goroutine and the ticking event loop, so it owns no shared state.
func (s *Stack) send(local, remote netip.AddrPort, seg tcpseg.Segment, payload []byte) error {
	if local.Addr().Is4() {
		return s.sendV4(local, remote, seg, payload)
	}
	return s.sendV6(local, remote, seg, payload)
}

// synOptions encodes the MSS option advertised on SYN and SYN-ACK
// segments, derived from the device MTU less the IP+TCP header overhead.
// Segments without SYN carry no options.
func (s *Stack) synOptions(seg tcpseg.Segment, ipHeaderLen int) (opts [4]byte, n int) {
	if !seg.Flags.HasAny(tcpseg.FlagSYN) {
		return opts, 0
	}
	mss := s.mtu - ipHeaderLen - 20
	if mss > math.MaxUint16 {
		mss = math.MaxUint16
	}
	n, _ = optCodec.PutOption16(opts[:], tcpseg.OptMaxSegmentSize, uint16(mss))
	return opts, n
}

func (s *Stack) sendV4(local, remote netip.AddrPort, seg tcpseg.Segment, payload []byte) error {
	const ipHeaderLen = 20
	opts, optLen := s.synOptions(seg, ipHeaderLen)
	tcpHeaderLen := 20 + optLen
	total := ipHeaderLen + tcpHeaderLen + len(payload)
	if total > s.mtu {
		return errors.New("stack: segment exceeds mtu")
	}
	buf := make([]byte, total)
	ifrm, err := ipv4.NewFrame(buf)
	if err != nil {
		return err
	}
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(total))
	ifrm.SetTTL(64)
	ifrm.SetProtocol(wire.IPProtoTCP)
	*ifrm.SourceAddr() = local.Addr().As4()
	*ifrm.DestinationAddr() = remote.Addr().As4()
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	tfrm, err := tcpseg.NewFrame(buf[ipHeaderLen:])
	if err != nil {
		return err
	}
	tfrm.ClearHeader()
	tfrm.SetSourcePort(local.Port())
	tfrm.SetDestinationPort(remote.Port())
	tfrm.SetSegment(seg, uint8(tcpHeaderLen/4))
	copy(buf[ipHeaderLen+20:], opts[:optLen])
	copy(buf[ipHeaderLen+tcpHeaderLen:], payload)

	var crc wire.CRC791
	ifrm.CRCWriteTCPPseudo(&crc)
	tfrm.SetCRC(crc.PayloadSum16(buf[ipHeaderLen:]))

	_, err = s.dev.Write(buf)
	return err
}

func (s *Stack) sendV6(local, remote netip.AddrPort, seg tcpseg.Segment, payload []byte) error {
	const ipHeaderLen = 40
	opts, optLen := s.synOptions(seg, ipHeaderLen)
	tcpHeaderLen := 20 + optLen
	total := ipHeaderLen + tcpHeaderLen + len(payload)
	if total > s.mtu {
		return errors.New("stack: segment exceeds mtu")
	}
	buf := make([]byte, total)
	i6frm, err := ipv6.NewFrame(buf)
	if err != nil {
		return err
	}
	i6frm.ClearHeader()
	i6frm.SetVersionTrafficAndFlow(6, 0, 0)
	i6frm.SetPayloadLength(uint16(tcpHeaderLen + len(payload)))
	i6frm.SetHopLimit(64)
	i6frm.SetNextHeader(wire.IPProtoTCP)
	*i6frm.SourceAddr() = local.Addr().As16()
	*i6frm.DestinationAddr() = remote.Addr().As16()

	tfrm, err := tcpseg.NewFrame(buf[ipHeaderLen:])
	if err != nil {
		return err
	}
	tfrm.ClearHeader()
	tfrm.SetSourcePort(local.Port())
	tfrm.SetDestinationPort(remote.Port())
	tfrm.SetSegment(seg, uint8(tcpHeaderLen/4))
	copy(buf[ipHeaderLen+20:], opts[:optLen])
	copy(buf[ipHeaderLen+tcpHeaderLen:], payload)

	var crc wire.CRC791
	i6frm.CRCWritePseudo(&crc)
	tfrm.SetCRC(crc.PayloadSum16(buf[ipHeaderLen:]))

	_, err = s.dev.Write(buf)
	return err
}

// drainRST flushes every queued stateless RST response.
func (s *Stack) drainRST() {
	for {
		e, ok := s.Table.RST.Drain()
		if !ok {
			return
		}
		local := netip.AddrPortFrom(s.localFor(e.RemoteAddr()), e.LocalPort())
		remote := netip.AddrPortFrom(e.RemoteAddr(), e.RemotePort())
		if err := s.send(local, remote, e.Segment(), nil); err != nil {
			s.log.Debug("stack: rst send failed", slog.String("err", err.Error()))
		}
	}
}

func (s *Stack) localFor(remote netip.Addr) netip.Addr {
	if remote.Is4() {
		return s.v4
	}
	return s.v6
}

// serviceTimers pops every timer-wheel token due by now and reacts to it.
// Tokens whose connection is already torn down are ignored.
func (s *Stack) serviceTimers() {
	now := time.Now()
	s.wheelMu.Lock()
	fired := s.wheel.Expired(now)
	s.wheelMu.Unlock()
	for _, tok := range fired {
		switch tok.Kind {
		case timerwheel.KindRetransmit:
			s.handleRetransmitTimeout(tok)
		case timerwheel.KindTimeWait:
			s.reapTimeWait(tok)
		case timerwheel.KindKeepalive:
			s.handleProbeTimeout(tok)
		}
	}
}

// handleRetransmitTimeout resends the oldest unacked segment on RTO
// expiry, applying exponential backoff (RFC 6298 §5.5), or aborts the
// connection once the retry budget is exceeded.
func (s *Stack) handleRetransmitTimeout(tok timerwheel.Token) {
	c, ok := s.Table.ByHash(tok.Quad)
	if !ok {
		return
	}
	c.Lock()
	if !c.RetransmitArmed() {
		c.Unlock()
		return
	}
	retries := c.IncrRetransmitRetries()
	if retries > maxRetransmitRetries {
		seg := c.TCB.Abort()
		c.NotifyStateChange()
		c.Unlock()
		s.Table.Remove(c.Quad)
		c.Abort(conntrack.ErrConnTimedOut)
		if err := s.send(c.Quad.Local, c.Quad.Remote, seg, nil); err != nil {
			s.log.Debug("stack: abort rst send failed", slog.String("err", err.Error()))
		}
		return
	}
	c.RTOEst.Backoff()
	c.MarkRetransmitted()
	seg, payload := c.Retransmit()
	s.armRetransmit(c)
	c.Unlock()

	if err := s.send(c.Quad.Local, c.Quad.Remote, seg, payload); err != nil {
		s.log.Debug("stack: retransmit send failed", slog.String("err", err.Error()))
	}
}

// handleProbeTimeout emits a zero-window probe if the peer's window is
// still closed with data queued, and rearms the probe on the backed-off
// RTO schedule. A peer ACK carrying a non-zero window resumes normal
// transmission through the flush pass.
func (s *Stack) handleProbeTimeout(tok timerwheel.Token) {
	c, ok := s.Table.ByHash(tok.Quad)
	if !ok {
		return
	}
	c.Lock()
	c.DisarmProbe()
	stillBlocked := c.TxBuffered() > 0 &&
		c.TCB.State() == tcpseg.StateEstablished &&
		c.TCB.MaxInFlightData() == 0
	var probe tcpseg.Segment
	if stillBlocked {
		probe = c.TCB.MakeKeepalive()
		c.RTOEst.Backoff()
		if c.MarkProbeArmed() {
			s.armProbe(c)
		}
	}
	c.Unlock()
	if !stillBlocked {
		return
	}
	if err := s.send(c.Quad.Local, c.Quad.Remote, probe, nil); err != nil {
		s.log.Debug("stack: probe send failed", slog.String("err", err.Error()))
	}
}

// reapTimeWait expires a connection's TimeWait hold once 2*MSL has
// elapsed and releases its quad from the table.
func (s *Stack) reapTimeWait(tok timerwheel.Token) {
	c, ok := s.Table.ByHash(tok.Quad)
	if !ok {
		return
	}
	c.Lock()
	err := c.TCB.ExpireTimeWait()
	c.NotifyStateChange()
	c.Unlock()
	if err == nil {
		s.Table.Remove(c.Quad)
	}
}

// armRetransmit schedules (or reschedules) the connection's single
// retransmission timer at the estimator's current RTO. Must be called
// with c locked.
func (s *Stack) armRetransmit(c *conntrack.Conn) {
	s.wheelMu.Lock()
	h := s.wheel.Add(time.Now().Add(c.RTOEst.RTO()), timerwheel.Token{
		Quad: conntrack.QuadHash(c.Quad),
		Kind: timerwheel.KindRetransmit,
	})
	s.wheelMu.Unlock()
	c.ArmRetransmit(uint64(h))
}

// armProbe schedules the next zero-window probe at the estimator's
// current (backed-off) RTO. Must be called with c locked.
func (s *Stack) armProbe(c *conntrack.Conn) {
	s.wheelMu.Lock()
	s.wheel.Add(time.Now().Add(c.RTOEst.RTO()), timerwheel.Token{
		Quad: conntrack.QuadHash(c.Quad),
		Kind: timerwheel.KindKeepalive,
	})
	s.wheelMu.Unlock()
}

// armTimeWait schedules the 2*MSL TIME-WAIT expiry for q. Called without
// c locked (the caller has already released it).
func (s *Stack) armTimeWait(q conntrack.Quad) {
	s.wheelMu.Lock()
	s.wheel.Add(time.Now().Add(timeWaitDuration), timerwheel.Token{
		Quad: conntrack.QuadHash(q),
		Kind: timerwheel.KindTimeWait,
	})
	s.wheelMu.Unlock()
}

// cancelTimer cancels a previously scheduled wheel entry.
func (s *Stack) cancelTimer(h uint64) {
	s.wheelMu.Lock()
	s.wheel.Cancel(timerwheel.Handle(h))
	s.wheelMu.Unlock()
}
