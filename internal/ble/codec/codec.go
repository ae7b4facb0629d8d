// Package codec converts raw characteristic payloads to and from the
// fixed-width little-endian integers the peripheral speaks.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"strconv"
)

// Number is a decoded numeric payload. Width records how many bytes of the
// payload were interpreted; Signed is set only for the 4-byte form.
type Number struct {
	Width  int
	Signed bool
	bits   uint64
}

// Uint64 returns the value as an unsigned integer. Negative 4-byte values
// are sign-extended first.
func (n Number) Uint64() uint64 { return n.bits }

// Int64 returns the value as a signed integer. 8-byte values above
// math.MaxInt64 wrap.
func (n Number) Int64() int64 { return int64(n.bits) }

// Float64 returns the value as a float, honouring the sign of 4-byte values.
func (n Number) Float64() float64 {
	if n.Signed {
		return float64(int64(n.bits))
	}
	return float64(n.bits)
}

func (n Number) String() string {
	if n.Signed {
		return strconv.FormatInt(int64(n.bits), 10)
	}
	return strconv.FormatUint(n.bits, 10)
}

// MarshalJSON encodes the number as a JSON number.
func (n Number) MarshalJSON() ([]byte, error) {
	return json.RawMessage(n.String()), nil
}

// Decode interprets b by its length:
//
//	1 byte  uint8
//	2 bytes uint16
//	4 bytes int32
//	8 bytes uint64 (high<<32 | low, both halves little-endian)
//
// Any other length yields the first byte as uint8, and an empty payload
// yields zero. Decode never fails.
func Decode(b []byte) Number {
	switch len(b) {
	case 1:
		return Number{Width: 1, bits: uint64(b[0])}
	case 2:
		return Number{Width: 2, bits: uint64(binary.LittleEndian.Uint16(b))}
	case 4:
		return Number{Width: 4, Signed: true, bits: uint64(int64(int32(binary.LittleEndian.Uint32(b))))}
	case 8:
		low := binary.LittleEndian.Uint32(b[0:4])
		high := binary.LittleEndian.Uint32(b[4:8])
		return Number{Width: 8, bits: uint64(high)<<32 | uint64(low)}
	case 0:
		return Number{}
	default:
		return Number{Width: 1, bits: uint64(b[0])}
	}
}

// bufferLen is the size of an encoded buffer.
func bufferLen(wide bool) int {
	if wide {
		return 8
	}
	return 4
}

// EncodeUint returns v as a 4-byte uint32 (truncated) or, when wide is set,
// an 8-byte uint64, little-endian.
func EncodeUint(v uint64, wide bool) []byte {
	buf := make([]byte, bufferLen(wide))
	if wide {
		binary.LittleEndian.PutUint64(buf, v)
	} else {
		binary.LittleEndian.PutUint32(buf, uint32(v))
	}
	return buf
}

// EncodeString writes one byte per character of s into a 4-byte buffer, or
// an 8-byte buffer when wide is set. Unused trailing bytes stay zero.
//
// Known limitation: code points above 255 keep only their low byte, and
// characters beyond the buffer length are dropped.
func EncodeString(s string, wide bool) []byte {
	buf := make([]byte, bufferLen(wide))
	i := 0
	for _, r := range s {
		if i == len(buf) {
			break
		}
		buf[i] = byte(r)
		i++
	}
	return buf
}
