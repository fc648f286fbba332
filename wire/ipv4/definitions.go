package ipv4

// ToS represents the Traffic Class (Type of Service): 6 MSB are
// Differentiated Services, 2 LSB are Explicit Congestion Notification.
type ToS uint8

// DS returns the Differentiated Services Code Point.
func (tos ToS) DS() uint8 { return uint8(tos) >> 2 }

// ECN returns the Explicit Congestion Notification bits.
func (tos ToS) ECN() uint8 { return uint8(tos & 0b11) }

// Flags holds the fragmentation flags/offset field of an IPv4 header.
type Flags uint16

// IsEvil returns true if the evil bit is set, per RFC 3514.
func (f Flags) IsEvil() bool { return f&0x8000 != 0 }

// DontFragment reports whether the datagram must not be fragmented.
func (f Flags) DontFragment() bool { return f&0x4000 != 0 }

// MoreFragments reports whether more fragments follow this one.
func (f Flags) MoreFragments() bool { return f&0x2000 != 0 }

// FragmentOffset specifies the offset of this fragment in 8-byte units.
func (f Flags) FragmentOffset() uint16 { return uint16(f) & 0x1fff }
