// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

// QUIC variable-length integers (RFC 9000, Section 16). The wire grammar
// below the byte level is out of scope for this repository,
// but the packet builder and the debugFrame codec both need
// *some* concrete integer encoding to operate on, so the well-known
// two-bit-length-prefix varint is implemented here rather than invented.

func sizeVarint(v uint64) int {
	switch {
	case v <= 63:
		return 1
	case v <= 16383:
		return 2
	case v <= 1073741823:
		return 4
	default:
		return 8
	}
}

func appendVarint(b []byte, v uint64) []byte {
	switch {
	case v <= 63:
		return append(b, byte(v))
	case v <= 16383:
		return append(b, byte(v>>8)|0x40, byte(v))
	case v <= 1073741823:
		return append(b, byte(v>>24)|0x80, byte(v>>16), byte(v>>8), byte(v))
	default:
		return append(b, byte(v>>56)|0xc0, byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

// appendVarint4 appends v in the fixed 4-byte varint encoding regardless
// of magnitude, so the packet builder can reserve a length field before
// the final length is known and patch it in place with putVarint4.
func appendVarint4(b []byte, v uint32) []byte {
	return append(b, byte(v>>24)|0x80, byte(v>>16), byte(v>>8), byte(v))
}

// putVarint4 overwrites the 4-byte fixed varint at b[:4] with v.
func putVarint4(b []byte, v uint32) {
	b[0] = byte(v>>24) | 0x80
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// consumeVarint parses a varint from the front of b, returning the value
// and the remaining bytes, or (0, nil, false) on a parse error.
func consumeVarint(b []byte) (v uint64, rest []byte, ok bool) {
	if len(b) == 0 {
		return 0, nil, false
	}
	n := 1 << (b[0] >> 6)
	if len(b) < n {
		return 0, nil, false
	}
	v = uint64(b[0] & 0x3f)
	for i := 1; i < n; i++ {
		v = (v << 8) | uint64(b[i])
	}
	return v, b[n:], true
}
