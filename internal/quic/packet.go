// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "fmt"

// A packetType identifies one of the QUIC packet types.
type packetType int8

const (
	packetTypeInvalid = packetType(iota)
	packetTypeInitial
	packetType0RTT
	packetTypeHandshake
	packetTypeRetry
	packetType1RTT
)

func (t packetType) String() string {
	switch t {
	case packetTypeInitial:
		return "Initial"
	case packetType0RTT:
		return "0-RTT"
	case packetTypeHandshake:
		return "Handshake"
	case packetTypeRetry:
		return "Retry"
	case packetType1RTT:
		return "1-RTT"
	default:
		return "invalid"
	}
}

// Long-header form/type bits (RFC 9000, Section 17.2).
const (
	headerFormLong  = 0x80
	headerFormFixed = 0x40
	longTypeInitial   = 0x00
	longType0RTT      = 0x01
	longTypeHandshake = 0x02
	longTypeRetry     = 0x03

	// Short-header bits (RFC 9000, Section 17.3.1).
	shortKeyPhaseBit = 0x04
	shortPnumLenMask = 0x03
)

// A longPacket describes the fields of a long-header packet not carried
// in the wire encoding directly by packetWriter's callers.
type longPacket struct {
	ptype     packetType
	version   uint32
	num       packetNumber
	dstConnID []byte
	srcConnID []byte
	token     []byte // Initial packets only
	payload   []byte
}

// isLongHeader reports whether the first byte of a datagram indicates a
// long-header packet.
func isLongHeader(b byte) bool {
	return b&headerFormLong != 0
}

// getPacketType returns the packet type encoded in a datagram's first
// bytes, used by the test harness to dispatch parsing.
func getPacketType(buf []byte) packetType {
	if len(buf) == 0 {
		return packetTypeInvalid
	}
	if !isLongHeader(buf[0]) {
		return packetType1RTT
	}
	switch (buf[0] >> 4) & 0x3 {
	case longTypeInitial:
		return packetTypeInitial
	case longType0RTT:
		return packetType0RTT
	case longTypeHandshake:
		return packetTypeHandshake
	case longTypeRetry:
		return packetTypeRetry
	}
	return packetTypeInvalid
}

// dstConnIDForDatagram extracts the destination connection ID from a
// short-header datagram. Short headers do not encode a CID length field;
// this engine always generates fixed-length local CIDs (localConnIDLen),
// so the receiver already knows how many bytes to take.
func dstConnIDForDatagram(buf []byte) ([]byte, int) {
	if len(buf) < 1+localConnIDLen {
		return nil, -1
	}
	return buf[1 : 1+localConnIDLen], 1 + localConnIDLen
}

func truncatedPacketNumberLen(num, largestAcked packetNumber) int {
	// RFC 9000, Section 17.1: the packet number is truncated to the
	// fewest bytes such that it can be recovered given the largest
	// acknowledged packet number seen by the peer.
	delta := int64(num) - int64(largestAcked)
	if delta < 0 {
		delta = -delta
	}
	switch {
	case delta < 1<<7:
		return 1
	case delta < 1<<15:
		return 2
	case delta < 1<<23:
		return 3
	default:
		return 4
	}
}

func appendPacketNumber(b []byte, num packetNumber, length int) []byte {
	for i := length - 1; i >= 0; i-- {
		b = append(b, byte(num>>(8*uint(i))))
	}
	return b
}

func decodePacketNumber(largestAcked packetNumber, truncated uint64, length int) packetNumber {
	// RFC 9000, Section 17.1 packet number decoding algorithm.
	pnBits := uint(length * 8)
	expected := int64(largestAcked) + 1
	win := int64(1) << pnBits
	hwin := win / 2
	candidate := (expected &^ (win - 1)) | int64(truncated)
	switch {
	case candidate <= expected-hwin && candidate < (1<<62)-win:
		candidate += win
	case candidate > expected+hwin && candidate >= win:
		candidate -= win
	}
	if candidate < 0 {
		candidate = int64(truncated)
	}
	return packetNumber(candidate)
}

func fmtConnID(id []byte) string {
	return fmt.Sprintf("%x", id)
}
