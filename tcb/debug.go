package tcb

import (
	"log/slog"

	"github.com/tunstack/tunstack/wire/tcpseg"
)

func (b *Block) trace(msg string) {
	b.log.Trace(msg,
		slog.String("state", b.state.String()),
		slog.Uint64("snd.nxt", uint64(b.sndNXT)),
		slog.Uint64("rcv.nxt", uint64(b.rcvNXT)),
	)
}

func (b *Block) traceSeg(msg string, seg tcpseg.Segment) {
	b.log.Trace(msg,
		slog.Uint64("seg.seq", uint64(seg.SEQ)),
		slog.Uint64("seg.ack", uint64(seg.ACK)),
		slog.Uint64("seg.wnd", uint64(seg.WND)),
		slog.String("seg.flags", seg.Flags.String()),
		slog.Uint64("seg.data", uint64(seg.DATALEN)),
	)
}

func (b *Block) logerr(msg string, seg tcpseg.Segment, err error) {
	b.log.Error(msg,
		slog.String("state", b.state.String()),
		slog.String("err", err.Error()),
		slog.Uint64("seg.seq", uint64(seg.SEQ)),
	)
}
