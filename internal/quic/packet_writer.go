// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "encoding/binary"

// maxFramesPerPacket bounds the number of frames recorded per packet for
// retransmission bookkeeping before the writer reports the packet full.
const maxFramesPerPacket = 32

// headerProtectionSampleOffset is the number of bytes after the start of
// the packet number field at which the header-protection sample begins
// (RFC 9001, Section 5.4.2): the packet number field is assumed to be 4
// bytes long for sampling purposes regardless of its truncated length.
const headerProtectionSampleOffset = 4

const headerProtectionSampleLen = 16

// A packetWriter builds one in-progress datagram, potentially containing
// multiple coalesced QUIC packets of different types. Adapted from the
// shape of golang.org/x/net/internal/quic's packet_writer.go, simplified
// to this repo's single debugFrame frame model instead of the full
// application frame set.
type packetWriter struct {
	buf     []byte
	maxSize int

	sent *sentPacket

	headerStart      int
	firstByteOffset  int
	payloadLenOffset int // -1 if this packet type has no length field
	pnumOffset       int
	pnumLen          int
	payloadStart     int
	isLongHeader     bool
	ptype            packetType

	// encryptionDisabled lets tests exercise the packet writer without
	// going through the AEAD.
	encryptionDisabled bool
	keyPhase           bool
}

func (w *packetWriter) reset(maxSize int) {
	w.buf = w.buf[:0]
	w.maxSize = maxSize
	w.sent = nil
}

func (w *packetWriter) datagram() []byte { return w.buf }

// payload returns the plaintext bytes written to the in-progress packet
// so far, for callers (appendPaddingTo) needing to check its length.
func (w *packetWriter) payload() []byte {
	if w.sent == nil {
		return nil
	}
	return w.buf[w.payloadStart:]
}

// abandonPacket undoes the in-progress packet's header write: used by
// finalize when no frames were ultimately added.
func (w *packetWriter) abandonPacket() {
	w.buf = w.buf[:w.headerStart]
	w.sent = nil
}

func spaceForPacketType(t packetType) numberSpace {
	switch t {
	case packetTypeInitial:
		return initialSpace
	case packetTypeHandshake:
		return handshakeSpace
	default:
		return appDataSpace
	}
}

// startProtectedLongHeaderPacket begins an Initial, 0-RTT, Handshake, or
// Retry packet.
func (w *packetWriter) startProtectedLongHeaderPacket(pnumMaxAcked packetNumber, p longPacket) {
	w.headerStart = len(w.buf)
	w.isLongHeader = true
	w.ptype = p.ptype
	w.sent = &sentPacket{num: p.num, space: spaceForPacketType(p.ptype)}

	w.firstByteOffset = len(w.buf)
	w.buf = append(w.buf, 0) // patched at finalize with type bits + pnum length
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], p.version)
	w.buf = append(w.buf, ver[:]...)
	w.buf = append(w.buf, byte(len(p.dstConnID)))
	w.buf = append(w.buf, p.dstConnID...)
	w.buf = append(w.buf, byte(len(p.srcConnID)))
	w.buf = append(w.buf, p.srcConnID...)
	if p.ptype == packetTypeInitial {
		w.buf = append(w.buf, 0) // empty Token field (no retry-token-on-send support)
	}

	w.payloadLenOffset = len(w.buf)
	w.buf = appendVarint4(w.buf, 0) // patched once the payload length is known

	pnumLen := truncatedPacketNumberLen(p.num, pnumMaxAcked)
	if pnumLen < 1 {
		pnumLen = 1
	}
	w.pnumOffset = len(w.buf)
	w.pnumLen = pnumLen
	w.buf = appendPacketNumber(w.buf, p.num, pnumLen)
	w.payloadStart = len(w.buf)
	w.buf[w.firstByteOffset] = w.firstByteStaticBits(true)
}

// start1RTTPacket begins a short-header (1-RTT) packet.
func (w *packetWriter) start1RTTPacket(pnum, pnumMaxAcked packetNumber, dstConnID []byte) {
	w.headerStart = len(w.buf)
	w.isLongHeader = false
	w.ptype = packetType1RTT
	w.sent = &sentPacket{num: pnum, space: appDataSpace}

	w.firstByteOffset = len(w.buf)
	w.buf = append(w.buf, 0) // patched at finalize
	w.buf = append(w.buf, dstConnID...)
	w.payloadLenOffset = -1 // 1-RTT packets run to the end of the datagram

	pnumLen := truncatedPacketNumberLen(pnum, pnumMaxAcked)
	if pnumLen < 1 {
		pnumLen = 1
	}
	w.pnumOffset = len(w.buf)
	w.pnumLen = pnumLen
	w.buf = appendPacketNumber(w.buf, pnum, pnumLen)
	w.payloadStart = len(w.buf)
	w.buf[w.firstByteOffset] = w.firstByteStaticBits(false)
	if w.keyPhase {
		w.buf[w.firstByteOffset] |= shortKeyPhaseBit
	}
}

// addFrame records a frame just written to the buffer and reports
// whether the packet has reached maxFramesPerPacket.
func (w *packetWriter) addFrame(frameType byte, ackEliciting bool, ints ...int64) bool {
	w.sent.recordFrame(frameType, ints...)
	if ackEliciting {
		w.sent.ackEliciting = true
	}
	return len(w.sent.frames) == 0 || w.frameCount() >= maxFramesPerPacket
}

func (w *packetWriter) frameCount() int {
	// Frame records are variable-length; the builder doesn't need an
	// exact count beyond "are we clearly over the limit", so this walks
	// the record buffer. Cheap in practice: packets rarely approach the
	// limit.
	n := 0
	rec := sentPacket{frames: w.sent.frames}
	for !rec.done() {
		switch rec.next() {
		case frameTypeAck:
			rec.nextInt()
		case frameTypeCrypto:
			rec.nextInt() // offset
			rec.nextInt() // length
		case frameTypeStreamBase:
			rec.nextInt() // id
			rec.nextInt() // offset
			rec.nextInt() // length
			rec.nextInt() // fin
		case frameTypeResetStream:
			rec.nextInt() // id
			rec.nextInt() // error code
			rec.nextInt() // final size
		}
		n++
	}
	return n
}

func (w *packetWriter) fits(n int) bool {
	return len(w.buf)+n+aeadOverheadFor(w.encryptionDisabled) <= w.maxSize
}

// remaining reports how many more plaintext bytes the in-progress packet
// can hold, after accounting for AEAD overhead: used by frame producers
// that need to size a chunk of stream data before calling append*Frame
// rather than finding out it didn't fit.
func (w *packetWriter) remaining() int {
	n := w.maxSize - len(w.buf) - aeadOverheadFor(w.encryptionDisabled)
	if n < 0 {
		return 0
	}
	return n
}

func aeadOverheadFor(disabled bool) int {
	if disabled {
		return 0
	}
	return aeadOverhead
}

func (w *packetWriter) appendPingFrame() bool {
	if !w.fits(1) {
		return false
	}
	w.buf = append(w.buf, frameTypePing)
	w.addFrame(frameTypePing, true)
	return true
}

func (w *packetWriter) appendPaddingBytes(n int) {
	for i := 0; i < n && w.fits(1); i++ {
		w.buf = append(w.buf, frameTypePadding)
	}
	w.sent.recordFrame(frameTypePadding)
}

// appendPaddingTo pads the in-progress packet's payload out to at least n
// bytes total: used for Initial-to-MTU padding and PMTUD probing.
func (w *packetWriter) appendPaddingTo(n int) {
	cur := len(w.payload())
	if cur >= n {
		return
	}
	w.appendPaddingBytes(n - cur)
}

func (w *packetWriter) appendAckFrame(ranges []ranElem, delay unscaledAckDelay) bool {
	if len(ranges) == 0 {
		return false
	}
	largest := ranges[0].high() - 1
	first := ranges[0].count - 1
	need := 1 + sizeVarint(uint64(largest)) + sizeVarint(uint64(delay)) + sizeVarint(uint64(len(ranges)-1)) + sizeVarint(uint64(first))
	if !w.fits(need) {
		return false
	}
	w.buf = append(w.buf, frameTypeAck)
	w.buf = appendVarint(w.buf, uint64(largest))
	w.buf = appendVarint(w.buf, uint64(delay))
	w.buf = appendVarint(w.buf, uint64(len(ranges)-1))
	w.buf = appendVarint(w.buf, uint64(first))
	prevLow := ranges[0].low
	for _, r := range ranges[1:] {
		gap := prevLow - r.high() - 1
		w.buf = appendVarint(w.buf, uint64(gap))
		w.buf = appendVarint(w.buf, uint64(r.count-1))
		prevLow = r.low
	}
	w.sent.recordFrame(frameTypeAck, int64(largest))
	return true
}

func (w *packetWriter) appendCryptoFrame(offset int64, data []byte) bool {
	need := 1 + sizeVarint(uint64(offset)) + sizeVarint(uint64(len(data))) + len(data)
	if !w.fits(need) {
		return false
	}
	w.buf = append(w.buf, frameTypeCrypto)
	w.buf = appendVarint(w.buf, uint64(offset))
	w.buf = appendVarint(w.buf, uint64(len(data)))
	w.buf = append(w.buf, data...)
	w.addFrame(frameTypeCrypto, true, offset, int64(len(data)))
	return true
}

func (w *packetWriter) appendStreamFrame(id, off int64, data []byte, fin bool) bool {
	bits := byte(frameTypeStreamBase) | 0x4 /*has offset*/ | 0x2 /*has length*/
	if fin {
		bits |= 0x1
	}
	need := 1 + sizeVarint(uint64(id)) + sizeVarint(uint64(off)) + sizeVarint(uint64(len(data))) + len(data)
	if !w.fits(need) {
		return false
	}
	w.buf = append(w.buf, bits)
	w.buf = appendVarint(w.buf, uint64(id))
	w.buf = appendVarint(w.buf, uint64(off))
	w.buf = appendVarint(w.buf, uint64(len(data)))
	w.buf = append(w.buf, data...)
	var finBit int64
	if fin {
		finBit = 1
	}
	w.addFrame(frameTypeStreamBase, true, id, off, int64(len(data)), finBit)
	return true
}

func (w *packetWriter) appendResetStreamFrame(id int64, errorCode uint64, finalSize int64) bool {
	need := 1 + sizeVarint(uint64(id)) + sizeVarint(errorCode) + sizeVarint(uint64(finalSize))
	if !w.fits(need) {
		return false
	}
	w.buf = append(w.buf, frameTypeResetStream)
	w.buf = appendVarint(w.buf, uint64(id))
	w.buf = appendVarint(w.buf, errorCode)
	w.buf = appendVarint(w.buf, uint64(finalSize))
	w.addFrame(frameTypeResetStream, true, id, int64(errorCode), finalSize)
	return true
}

func (w *packetWriter) appendConnectionCloseFrame(errorCode uint64, reason string) bool {
	need := 1 + sizeVarint(errorCode) + sizeVarint(uint64(len(reason))) + len(reason)
	if !w.fits(need) {
		return false
	}
	w.buf = append(w.buf, frameTypeConnectionClose)
	w.buf = appendVarint(w.buf, errorCode)
	w.buf = appendVarint(w.buf, uint64(len(reason)))
	w.buf = append(w.buf, reason...)
	w.addFrame(frameTypeConnectionClose, false)
	return true
}

func (w *packetWriter) appendHandshakeDoneFrame() bool {
	if !w.fits(1) {
		return false
	}
	w.buf = append(w.buf, frameTypeHandshakeDone)
	w.addFrame(frameTypeHandshakeDone, true)
	return true
}

// finishProtectedLongHeaderPacket implements finalize for long-header
// packets: pads to the AEAD-safety minimum, writes the
// length field, encrypts, applies header protection, and returns the
// sentPacket record (nil if the packet carried no frames).
func (w *packetWriter) finishProtectedLongHeaderPacket(pnumMaxAcked packetNumber, k keys, p longPacket) *sentPacket {
	if len(w.payload()) == 0 {
		w.abandonPacket()
		return nil
	}
	w.appendPaddingTo(4) // minimal payload for AEAD safety
	return w.protect(k, true)
}

// finish1RTTPacket implements finalize for short-header packets.
func (w *packetWriter) finish1RTTPacket(pnum, pnumMaxAcked packetNumber, dstConnID []byte, k keys) *sentPacket {
	if len(w.payload()) == 0 {
		w.abandonPacket()
		return nil
	}
	w.appendPaddingTo(4)
	return w.protect(k, false)
}

// protect implements RFC 9001 Sections 5.3/5.4: AEAD-seal the payload
// using the cleartext header as associated data, then XOR the header
// protection mask into the first byte and truncated packet number.
func (w *packetWriter) protect(k keys, long bool) *sentPacket {
	header := w.buf[w.headerStart:w.payloadStart]
	payload := w.buf[w.payloadStart:]

	var ciphertext []byte
	if w.encryptionDisabled {
		ciphertext = payload
	} else {
		nonce := k.nonce(w.sent.num)
		ciphertext = k.aead.Seal(payload[:0:0], nonce, payload, header)
	}
	w.buf = append(w.buf[:w.payloadStart], ciphertext...)

	if w.payloadLenOffset >= 0 {
		length := w.pnumLen + len(ciphertext)
		putVarint4(w.buf[w.payloadLenOffset:], uint32(length))
	}

	if !w.encryptionDisabled {
		sampleOffset := w.pnumOffset + headerProtectionSampleOffset
		if sampleOffset+headerProtectionSampleLen > len(w.buf) {
			// Packet too short to sample; pad further (should not happen
			// given the 4-byte minimum payload above for pnumLen<=4).
			sampleOffset = len(w.buf) - headerProtectionSampleLen
		}
		mask := k.headerProtectionMask(w.buf[sampleOffset : sampleOffset+headerProtectionSampleLen])
		if long {
			w.buf[w.firstByteOffset] ^= mask[0] & 0x0f
		} else {
			w.buf[w.firstByteOffset] ^= mask[0] & 0x1f
		}
		for i := 0; i < w.pnumLen; i++ {
			w.buf[w.pnumOffset+i] ^= mask[1+i]
		}
	}

	w.sent.size = int64(len(w.buf) - w.headerStart)
	w.sent.inFlight = true
	sent := w.sent
	w.sent = nil
	return sent
}

func (w *packetWriter) firstByteStaticBits(long bool) byte {
	if !long {
		return headerFormFixed | byte(w.pnumLen-1)
	}
	var typeBits byte
	switch w.ptype {
	case packetTypeInitial:
		typeBits = longTypeInitial
	case packetType0RTT:
		typeBits = longType0RTT
	case packetTypeHandshake:
		typeBits = longTypeHandshake
	case packetTypeRetry:
		typeBits = longTypeRetry
	}
	return headerFormLong | headerFormFixed | (typeBits << 4) | byte(w.pnumLen-1)
}
