// Package seqnum implements the 32-bit modular sequence number arithmetic
// used by the TCP send/receive sequence spaces (RFC 9293 §3.4), following
// the serial number arithmetic rules of RFC 1982: comparisons are defined
// in terms of the signed difference between two values so that wraparound
// at 2^32 behaves correctly.
package seqnum

// Value is a TCP sequence or acknowledgment number. Arithmetic on Value
// wraps modulo 2^32 using ordinary Go integer overflow.
type Value uint32

// Size is a count of octets in the sequence space, used for window sizes
// and segment lengths.
type Size uint32

// Add returns v+sz, wrapping modulo 2^32.
func Add(v Value, sz Size) Value { return v + Value(sz) }

// Sizeof returns the modular distance from a to b, i.e. the Size that
// satisfies Add(a, Sizeof(a,b)) == b.
func Sizeof(a, b Value) Size { return Size(b - a) }

// LessThan reports whether v precedes other in sequence space, per RFC 1982
// serial number arithmetic: v < other iff other lies 1..2^31-1 ahead of v.
// Two values exactly 2^31 apart are not ordered, so neither is less.
func (v Value) LessThan(other Value) bool {
	d := uint32(other - v)
	return d != 0 && d < 1<<31
}

// LessThanEq reports whether v precedes or equals other in sequence space.
func (v Value) LessThanEq(other Value) bool {
	return v == other || v.LessThan(other)
}

// InWindow reports whether v lies in [start, start+size) in sequence space.
// A zero size window contains no values.
func (v Value) InWindow(start Value, size Size) bool {
	if size == 0 {
		return false
	}
	return Sizeof(start, v) < size
}

// UpdateForward advances v in place by sz.
func (v *Value) UpdateForward(sz Size) { *v = Add(*v, sz) }
