package btree

import "fmt"

// maxKeyValueSize is the largest a single key or value may be: one length
// byte precedes the bytes themselves. Grounded on
// original_source/CompoundFs/ByteString.h's uint8_t-length ByteStringView.
const maxKeyValueSize = 255

// ErrKeyTooLarge is returned when a key exceeds maxKeyValueSize bytes.
var ErrKeyTooLarge = fmt.Errorf("btree: key larger than %d bytes", maxKeyValueSize)

// ErrValueTooLarge is returned when a value exceeds maxKeyValueSize bytes.
var ErrValueTooLarge = fmt.Errorf("btree: value larger than %d bytes", maxKeyValueSize)

// putByteString writes a length-prefixed byte string to dst and returns the
// number of bytes consumed: 1 + len(s).
func putByteString(dst []byte, s []byte) int {
	dst[0] = byte(len(s))
	copy(dst[1:], s)
	return 1 + len(s)
}

// getByteString reads a length-prefixed byte string starting at offset off
// in buf and returns it along with the offset just past it.
func getByteString(buf []byte, off int) (value []byte, next int) {
	n := int(buf[off])
	return buf[off+1 : off+1+n], off + 1 + n
}

// byteStringSize returns the on-disk size of a length-prefixed encoding of s.
func byteStringSize(s []byte) int { return 1 + len(s) }

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
