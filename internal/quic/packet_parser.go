// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "encoding/binary"

// A shortPacket is the result of parsing a 1-RTT (short-header) packet:
// parse1RTTPacket's counterpart to longPacket.
type shortPacket struct {
	num     packetNumber
	payload []byte
}

// removeHeaderProtection reverses packetWriter.protect's XOR mask, given
// the byte offset of the truncated packet number field within buf and
// the bit mask to apply to the first byte (0x0f for long headers, 0x1f
// for short). It returns the unprotected first byte, the packet number
// length it encodes, and the unprotected packet number bytes.
func removeHeaderProtection(buf []byte, pnumOffset int, k keys, firstByteMask byte) (firstByte byte, pnumLen int, pnumBytes [4]byte, ok bool) {
	sampleOffset := pnumOffset + headerProtectionSampleOffset
	if sampleOffset+headerProtectionSampleLen > len(buf) {
		return 0, 0, pnumBytes, false
	}
	mask := k.headerProtectionMask(buf[sampleOffset : sampleOffset+headerProtectionSampleLen])
	firstByte = buf[0] ^ (mask[0] & firstByteMask)
	pnumLen = int(firstByte&shortPnumLenMask) + 1
	if pnumOffset+pnumLen > len(buf) {
		return 0, 0, pnumBytes, false
	}
	for i := 0; i < pnumLen; i++ {
		pnumBytes[i] = buf[pnumOffset+i] ^ mask[1+i]
	}
	return firstByte, pnumLen, pnumBytes, true
}

func truncatedPacketNumberFromBytes(b [4]byte, length int) uint64 {
	var v uint64
	for i := 0; i < length; i++ {
		v = (v << 8) | uint64(b[i])
	}
	return v
}

// parseLongHeaderPacket parses one long-header (Initial, 0-RTT, Handshake,
// or Retry) packet from the front of buf, removing header protection and
// opening the AEAD payload. It returns the parsed packet and the number
// of bytes consumed, or (longPacket{}, -1) on any parse or decryption
// failure, mirroring packetWriter.startProtectedLongHeaderPacket /
// finishProtectedLongHeaderPacket in reverse.
func parseLongHeaderPacket(buf []byte, k keys, pnumMax packetNumber) (longPacket, int) {
	if len(buf) < 7 || !isLongHeader(buf[0]) || !k.isSet() {
		return longPacket{}, -1
	}
	var p longPacket
	switch (buf[0] >> 4) & 0x3 {
	case longTypeInitial:
		p.ptype = packetTypeInitial
	case longType0RTT:
		p.ptype = packetType0RTT
	case longTypeHandshake:
		p.ptype = packetTypeHandshake
	case longTypeRetry:
		p.ptype = packetTypeRetry
	}
	p.version = binary.BigEndian.Uint32(buf[1:5])

	b := buf[5:]
	if len(b) < 1 {
		return longPacket{}, -1
	}
	dcidLen := int(b[0])
	b = b[1:]
	if len(b) < dcidLen {
		return longPacket{}, -1
	}
	p.dstConnID = append([]byte(nil), b[:dcidLen]...)
	b = b[dcidLen:]

	if len(b) < 1 {
		return longPacket{}, -1
	}
	scidLen := int(b[0])
	b = b[1:]
	if len(b) < scidLen {
		return longPacket{}, -1
	}
	p.srcConnID = append([]byte(nil), b[:scidLen]...)
	b = b[scidLen:]

	if p.ptype == packetTypeInitial {
		tokenLen, rest, ok := consumeVarint(b)
		if !ok || uint64(len(rest)) < tokenLen {
			return longPacket{}, -1
		}
		if tokenLen > 0 {
			p.token = append([]byte(nil), rest[:tokenLen]...)
		}
		b = rest[tokenLen:]
	}

	length, rest, ok := consumeVarint(b)
	if !ok || uint64(len(rest)) < length {
		return longPacket{}, -1
	}
	pnumOffset := len(buf) - len(rest)
	packetEnd := pnumOffset + int(length)

	firstByte, pnumLen, pnumBytes, ok := removeHeaderProtection(buf[:packetEnd], pnumOffset, k, 0x0f)
	if !ok || pnumLen > int(length) {
		return longPacket{}, -1
	}
	truncated := truncatedPacketNumberFromBytes(pnumBytes, pnumLen)
	p.num = decodePacketNumber(pnumMax, truncated, pnumLen)

	header := append([]byte(nil), buf[:pnumOffset+pnumLen]...)
	header[0] = firstByte
	for i := 0; i < pnumLen; i++ {
		header[pnumOffset+i] = pnumBytes[i]
	}

	ciphertext := buf[pnumOffset+pnumLen : packetEnd]
	nonce := k.nonce(p.num)
	plaintext, err := k.aead.Open(ciphertext[:0:0], nonce, ciphertext, header)
	if err != nil {
		return longPacket{}, -1
	}
	p.payload = plaintext
	return p, packetEnd
}

// parse1RTTPacket parses one 1-RTT (short-header) packet occupying the
// remainder of buf: 1-RTT packets carry no length field, so they must be
// the last packet in a datagram. connIDLen is the local, fixed
// destination connection ID length this endpoint generates.
func parse1RTTPacket(buf []byte, k keys, connIDLen int, pnumMax packetNumber) (shortPacket, int) {
	if len(buf) < 1+connIDLen || isLongHeader(buf[0]) || !k.isSet() {
		return shortPacket{}, -1
	}
	pnumOffset := 1 + connIDLen

	firstByte, pnumLen, pnumBytes, ok := removeHeaderProtection(buf, pnumOffset, k, 0x1f)
	if !ok {
		return shortPacket{}, -1
	}
	_ = firstByte // key phase bit (shortKeyPhaseBit) is not tracked by this engine
	truncated := truncatedPacketNumberFromBytes(pnumBytes, pnumLen)
	num := decodePacketNumber(pnumMax, truncated, pnumLen)

	header := append([]byte(nil), buf[:pnumOffset+pnumLen]...)
	header[0] = firstByte
	for i := 0; i < pnumLen; i++ {
		header[pnumOffset+i] = pnumBytes[i]
	}

	ciphertext := buf[pnumOffset+pnumLen:]
	nonce := k.nonce(num)
	plaintext, err := k.aead.Open(ciphertext[:0:0], nonce, ciphertext, header)
	if err != nil {
		return shortPacket{}, -1
	}
	return shortPacket{num: num, payload: plaintext}, len(buf)
}
