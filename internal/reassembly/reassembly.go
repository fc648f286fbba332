// Package reassembly buffers out-of-order TCP payload segments until the
// gap preceding them closes, then hands back a contiguous run starting at
// RCV.NXT.
package reassembly

import (
	"sort"

	"github.com/tunstack/tunstack/internal/seqnum"
)

// block is a single out-of-order run of bytes, keyed by its starting
// sequence number.
type block struct {
	seq  seqnum.Value
	data []byte
}

// Buffer holds segments received ahead of the expected sequence number,
// released once the hole before them is filled by Insert.
type Buffer struct {
	blocks   []block
	maxBytes int
	buffered int
}

// NewBuffer returns a Buffer that holds at most maxBytes of out-of-order
// payload before Insert starts returning false.
func NewBuffer(maxBytes int) *Buffer {
	return &Buffer{maxBytes: maxBytes}
}

// Reset discards all buffered out-of-order segments.
func (b *Buffer) Reset() {
	b.blocks = b.blocks[:0]
	b.buffered = 0
}

// Buffered returns the number of out-of-order bytes currently held.
func (b *Buffer) Buffered() int { return b.buffered }

// Insert records a segment [seq, seq+len(data)) that arrived ahead of next,
// the next expected receive sequence number. It returns false if the
// segment is entirely old (already covered by next) or the buffer is full.
// Call Reassemble afterwards to check whether next can now be advanced.
func (b *Buffer) Insert(seq seqnum.Value, data []byte, next seqnum.Value) bool {
	if len(data) == 0 {
		return false
	}
	// Trim any portion already covered by next.
	if seq.LessThan(next) {
		skip := seqnum.Sizeof(seq, next)
		if int(skip) >= len(data) {
			return false
		}
		seq = next
		data = data[skip:]
	}
	if b.buffered+len(data) > b.maxBytes {
		return false
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b.blocks = append(b.blocks, block{seq: seq, data: cp})
	b.buffered += len(cp)
	b.coalesce()
	return true
}

// coalesce sorts blocks by sequence number and merges any that overlap or
// are contiguous, so Reassemble only ever needs to inspect the first block.
func (b *Buffer) coalesce() {
	if len(b.blocks) < 2 {
		return
	}
	sort.Slice(b.blocks, func(i, j int) bool {
		return b.blocks[i].seq.LessThan(b.blocks[j].seq)
	})
	out := b.blocks[:1]
	for _, blk := range b.blocks[1:] {
		last := &out[len(out)-1]
		lastEnd := seqnum.Add(last.seq, seqnum.Size(len(last.data)))
		if blk.seq.LessThanEq(lastEnd) {
			// Overlaps or abuts: merge in any new tail bytes.
			overlap := seqnum.Sizeof(blk.seq, lastEnd)
			if int(overlap) < len(blk.data) {
				last.data = append(last.data, blk.data[overlap:]...)
			}
			continue
		}
		out = append(out, blk)
	}
	b.blocks = out
	// Overlapping bytes were dropped during the merge; recount.
	b.buffered = 0
	for _, blk := range b.blocks {
		b.buffered += len(blk.data)
	}
}

// Reassemble returns the contiguous run of bytes starting at next, if any
// buffered block begins exactly at next, along with the advanced sequence
// number. The returned slice is owned by the caller; the corresponding
// block is removed from the buffer.
func (b *Buffer) Reassemble(next seqnum.Value) ([]byte, seqnum.Value, bool) {
	if len(b.blocks) == 0 || b.blocks[0].seq != next {
		return nil, next, false
	}
	blk := b.blocks[0]
	b.blocks = b.blocks[1:]
	b.buffered -= len(blk.data)
	return blk.data, seqnum.Add(next, seqnum.Size(len(blk.data))), true
}
