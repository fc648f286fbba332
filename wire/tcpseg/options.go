package tcpseg

import (
	"encoding/binary"
	"errors"
)

// OptionKind identifies a TCP option (RFC 9293 §3.1, IANA TCP option registry).
type OptionKind uint8

// TCP option kinds.
const (
	OptEnd                   OptionKind = 0
	OptNop                   OptionKind = 1
	OptMaxSegmentSize        OptionKind = 2
	OptWindowScale           OptionKind = 3
	OptSACKPermitted         OptionKind = 4
	OptSACK                  OptionKind = 5
	OptEcho                  OptionKind = 6 // obsolete, RFC 1072
	OptEchoReply             OptionKind = 7 // obsolete, RFC 1072
	OptTimestamps            OptionKind = 8
	OptPartialOrderPermitted OptionKind = 9  // obsolete
	OptPartialOrderProfile   OptionKind = 10 // obsolete
	OptCC                    OptionKind = 11 // obsolete, RFC 1644
	OptCCNew                 OptionKind = 12 // obsolete
	OptCCEcho                OptionKind = 13 // obsolete
	OptAltChecksumRequest    OptionKind = 14 // obsolete, RFC 1146
	OptAltChecksumData       OptionKind = 15 // obsolete, RFC 1146
	OptMD5Signature          OptionKind = 19 // RFC 2385
	OptQuickStartResponse    OptionKind = 27 // RFC 4782
	OptUserTimeout           OptionKind = 28 // RFC 5482
	OptAuthentication        OptionKind = 29 // RFC 5925
	OptMultipath             OptionKind = 30 // RFC 8684

	OptFastOpenCookie         OptionKind = 34
	OptEncryptionNegotiation  OptionKind = 69
	OptAccurateECN0           OptionKind = 172
	OptAccurateECN1           OptionKind = 174
)

// IsObsolete reports whether kind is a historical option no longer in
// active use; such options should be skipped rather than rejected.
func (k OptionKind) IsObsolete() bool {
	switch k {
	case OptEcho, OptEchoReply, OptPartialOrderPermitted, OptPartialOrderProfile,
		OptCC, OptCCNew, OptCCEcho, OptAltChecksumRequest, OptAltChecksumData:
		return true
	}
	return false
}

// IsDefined reports whether kind is a recognized TCP option.
func (k OptionKind) IsDefined() bool {
	switch k {
	case OptEnd, OptNop, OptMaxSegmentSize, OptWindowScale, OptSACKPermitted, OptSACK,
		OptEcho, OptEchoReply, OptTimestamps, OptPartialOrderPermitted, OptPartialOrderProfile,
		OptCC, OptCCNew, OptCCEcho, OptAltChecksumRequest, OptAltChecksumData,
		OptMD5Signature, OptQuickStartResponse, OptUserTimeout, OptAuthentication, OptMultipath,
		OptFastOpenCookie, OptEncryptionNegotiation, OptAccurateECN0, OptAccurateECN1:
		return true
	}
	return false
}

// OptionFlags configures ForEachOption's validation strictness.
type OptionFlags uint8

const (
	// OptFlagSkipSizeValidation disables the expected-length check for
	// options with a fixed, known size.
	OptFlagSkipSizeValidation OptionFlags = 1 << iota
	// OptFlagSkipObsolete causes ForEachOption to silently skip obsolete
	// options instead of invoking the callback for them.
	OptFlagSkipObsolete
)

var (
	errOptTooLong    = errors.New("tcpseg: option data too long")
	errOptBadKind    = errors.New("tcpseg: cannot encode END/NOP as data option")
	errOptShort      = errors.New("tcpseg: option truncated")
	errOptBadSize    = errors.New("tcpseg: unexpected option size")
)

// OptionCodec reads and writes TCP options directly into a header's options
// byte range, without allocating.
type OptionCodec struct{}

// PutOption encodes kind with the given data into dst, returning the number
// of bytes written. OptNop and OptEnd cannot be encoded with data this way.
func (OptionCodec) PutOption(dst []byte, kind OptionKind, data []byte) (int, error) {
	if kind == OptNop || kind == OptEnd {
		return 0, errOptBadKind
	}
	if len(data) > 253 {
		return 0, errOptTooLong
	}
	n := 2 + len(data)
	if n > len(dst) {
		return 0, errOptShort
	}
	dst[0] = byte(kind)
	dst[1] = byte(n)
	copy(dst[2:], data)
	return n, nil
}

// PutOption16 encodes a TCP option carrying a single big-endian uint16, e.g.
// the Maximum Segment Size option.
func (c OptionCodec) PutOption16(dst []byte, kind OptionKind, v uint16) (int, error) {
	var data [2]byte
	binary.BigEndian.PutUint16(data[:], v)
	return c.PutOption(dst, kind, data[:])
}

// PutOption32 encodes a TCP option carrying a single big-endian uint32, e.g.
// a Timestamps value.
func (c OptionCodec) PutOption32(dst []byte, kind OptionKind, v uint32) (int, error) {
	var data [4]byte
	binary.BigEndian.PutUint32(data[:], v)
	return c.PutOption(dst, kind, data[:])
}

func expectedOptionSize(kind OptionKind) (size int, checked bool) {
	switch kind {
	case OptTimestamps:
		return 10, true
	case OptMaxSegmentSize, OptUserTimeout:
		return 4, true
	case OptWindowScale:
		return 3, true
	case OptSACKPermitted:
		return 2, true
	default:
		return 0, false
	}
}

// ParseMSS scans buf (a segment's option bytes) for a Maximum Segment Size
// option (kind 2, length 4) and returns its value. Well-formed options of
// other kinds are skipped; the scan stops at an End option or at the first
// malformed option, so an MSS option after either is not found.
func (c OptionCodec) ParseMSS(buf []byte) (mss uint16, ok bool) {
	c.ForEachOption(buf, OptFlagSkipObsolete, func(kind OptionKind, data []byte) error {
		if kind == OptMaxSegmentSize && len(data) == 2 {
			mss = binary.BigEndian.Uint16(data)
			ok = true
		}
		return nil
	})
	return mss, ok
}

// ForEachOption iterates the options contained in buf, invoking fn with each
// option's kind and data slice (data excludes the kind/length bytes). NOP
// padding bytes are skipped without invoking fn. Iteration stops at the
// first OptEnd or malformed option.
func (c OptionCodec) ForEachOption(buf []byte, flags OptionFlags, fn func(kind OptionKind, data []byte) error) error {
	for len(buf) > 0 {
		kind := OptionKind(buf[0])
		if kind == OptEnd {
			return nil
		}
		if kind == OptNop {
			buf = buf[1:]
			continue
		}
		if len(buf) < 2 {
			return errOptShort
		}
		n := int(buf[1])
		if n < 2 || n > len(buf) {
			return errOptShort
		}
		data := buf[2:n]
		if flags&OptFlagSkipSizeValidation == 0 {
			if want, checked := expectedOptionSize(kind); checked && n != want {
				return errOptBadSize
			}
		}
		if kind.IsObsolete() && flags&OptFlagSkipObsolete != 0 {
			buf = buf[n:]
			continue
		}
		if err := fn(kind, data); err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
