// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "fmt"

// Frame type bytes (RFC 9000, Section 19). The full frame grammar below
// the byte level is out of scope for this repository; these
// constants and the debugFrame codec below give the packet builder, the
// receive path (handlePayload in conn_recv.go), the loss detector, and
// their tests something concrete to write and walk.
const (
	frameTypePadding          = 0x00
	frameTypePing             = 0x01
	frameTypeAck              = 0x02
	frameTypeAckECN           = 0x03
	frameTypeResetStream      = 0x04
	frameTypeStopSending      = 0x05
	frameTypeCrypto           = 0x06
	frameTypeNewToken         = 0x07
	frameTypeStreamBase       = 0x08 // 0x08-0x0f, 8 variants
	frameTypeMaxData          = 0x10
	frameTypeMaxStreamData    = 0x11
	frameTypeMaxStreams       = 0x12 // .. 0x13
	frameTypeDataBlocked      = 0x14
	frameTypeStreamDataBlocked = 0x15
	frameTypeStreamsBlocked   = 0x16 // .. 0x17
	frameTypeNewConnectionID  = 0x18
	frameTypeRetireConnectionID = 0x19
	frameTypePathChallenge    = 0x1a
	frameTypePathResponse     = 0x1b
	frameTypeConnectionClose  = 0x1c // .. 0x1d (app-level variant)
	frameTypeHandshakeDone    = 0x1e
)

func isAckEliciting(frameType byte) bool {
	return frameType != frameTypePadding && frameType != frameTypeAck && frameType != frameTypeAckECN
}

// A debugFrame is a frame representation used by tests to construct and
// inspect datagrams without going through the full application-facing
// stream API (`f.write(&w)`, parseDebugFrame).
type debugFrame interface {
	fmt.Stringer
	write(w *packetWriter) bool
}

type debugFramePing struct{}

func (debugFramePing) String() string        { return "PING" }
func (debugFramePing) write(w *packetWriter) bool { return w.appendPingFrame() }

type debugFramePadding struct{ size int }

func (f debugFramePadding) String() string { return fmt.Sprintf("PADDING(%d)", f.size) }
func (f debugFramePadding) write(w *packetWriter) bool {
	w.appendPaddingBytes(f.size)
	return true
}

type debugFrameAck struct {
	ranges []ranElem
	delay  unscaledAckDelay
}

func (f debugFrameAck) String() string { return fmt.Sprintf("ACK ranges=%v delay=%v", f.ranges, f.delay) }
func (f debugFrameAck) write(w *packetWriter) bool {
	return w.appendAckFrame(f.ranges, f.delay)
}

type debugFrameCrypto struct {
	offset int64
	data   []byte
}

func (f debugFrameCrypto) String() string {
	return fmt.Sprintf("CRYPTO offset=%d len=%d", f.offset, len(f.data))
}
func (f debugFrameCrypto) write(w *packetWriter) bool {
	return w.appendCryptoFrame(f.offset, f.data)
}

type debugFrameStream struct {
	id   int64
	off  int64
	data []byte
	fin  bool
}

func (f debugFrameStream) String() string {
	return fmt.Sprintf("STREAM id=%d off=%d len=%d fin=%v", f.id, f.off, len(f.data), f.fin)
}
func (f debugFrameStream) write(w *packetWriter) bool {
	return w.appendStreamFrame(f.id, f.off, f.data, f.fin)
}

type debugFrameResetStream struct {
	id        int64
	errorCode uint64
	finalSize int64
}

func (f debugFrameResetStream) String() string {
	return fmt.Sprintf("RESET_STREAM id=%d code=%d final=%d", f.id, f.errorCode, f.finalSize)
}
func (f debugFrameResetStream) write(w *packetWriter) bool {
	return w.appendResetStreamFrame(f.id, f.errorCode, f.finalSize)
}

type debugFrameConnectionClose struct {
	errorCode uint64
	reason    string
}

func (f debugFrameConnectionClose) String() string {
	return fmt.Sprintf("CONNECTION_CLOSE code=%d reason=%q", f.errorCode, f.reason)
}
func (f debugFrameConnectionClose) write(w *packetWriter) bool {
	return w.appendConnectionCloseFrame(f.errorCode, f.reason)
}

type debugFrameHandshakeDone struct{}

func (debugFrameHandshakeDone) String() string { return "HANDSHAKE_DONE" }
func (debugFrameHandshakeDone) write(w *packetWriter) bool {
	return w.appendHandshakeDoneFrame()
}

// parseDebugFrame parses one frame from the front of payload, returning
// the frame and the number of bytes consumed, or (nil, -1) on error.
func parseDebugFrame(payload []byte) (debugFrame, int) {
	if len(payload) == 0 {
		return nil, -1
	}
	switch payload[0] {
	case frameTypePadding:
		n := 1
		for n < len(payload) && payload[n] == frameTypePadding {
			n++
		}
		return debugFramePadding{size: n}, n
	case frameTypePing:
		return debugFramePing{}, 1
	case frameTypeAck, frameTypeAckECN:
		return parseDebugAckFrame(payload)
	case frameTypeCrypto:
		return parseDebugCryptoFrame(payload)
	case frameTypeResetStream:
		return parseDebugResetStreamFrame(payload)
	case frameTypeConnectionClose, frameTypeConnectionClose + 1:
		return parseDebugConnectionCloseFrame(payload)
	case frameTypeHandshakeDone:
		return debugFrameHandshakeDone{}, 1
	default:
		if payload[0] >= frameTypeStreamBase && payload[0] < frameTypeStreamBase+8 {
			return parseDebugStreamFrame(payload)
		}
		return nil, -1
	}
}

func parseDebugAckFrame(b []byte) (debugFrame, int) {
	orig := len(b)
	b = b[1:]
	largest, b, ok := consumeVarint(b)
	if !ok {
		return nil, -1
	}
	delay, b, ok := consumeVarint(b)
	if !ok {
		return nil, -1
	}
	count, b, ok := consumeVarint(b)
	if !ok {
		return nil, -1
	}
	first, b, ok := consumeVarint(b)
	if !ok {
		return nil, -1
	}
	f := debugFrameAck{delay: unscaledAckDelay(delay)}
	high := int64(largest)
	f.ranges = append(f.ranges, ranElem{low: high - int64(first), count: int64(first) + 1})
	for i := uint64(0); i < count; i++ {
		gap, rest, ok := consumeVarint(b)
		if !ok {
			return nil, -1
		}
		length, rest2, ok := consumeVarint(rest)
		if !ok {
			return nil, -1
		}
		b = rest2
		low := f.ranges[len(f.ranges)-1].low - int64(gap) - 2 - int64(length)
		f.ranges = append(f.ranges, ranElem{low: low, count: int64(length) + 1})
	}
	return f, orig - len(b)
}

func parseDebugCryptoFrame(b []byte) (debugFrame, int) {
	orig := len(b)
	b = b[1:]
	off, b, ok := consumeVarint(b)
	if !ok {
		return nil, -1
	}
	n, b, ok := consumeVarint(b)
	if !ok || uint64(len(b)) < n {
		return nil, -1
	}
	data := b[:n]
	b = b[n:]
	return debugFrameCrypto{offset: int64(off), data: data}, orig - len(b)
}

func parseDebugStreamFrame(b []byte) (debugFrame, int) {
	orig := len(b)
	bits := b[0]
	b = b[1:]
	id, b, ok := consumeVarint(b)
	if !ok {
		return nil, -1
	}
	var off uint64
	if bits&0x4 != 0 {
		off, b, ok = consumeVarint(b)
		if !ok {
			return nil, -1
		}
	}
	var data []byte
	if bits&0x2 != 0 {
		var n uint64
		n, b, ok = consumeVarint(b)
		if !ok || uint64(len(b)) < n {
			return nil, -1
		}
		data, b = b[:n], b[n:]
	} else {
		data, b = b, nil
	}
	return debugFrameStream{id: int64(id), off: int64(off), data: data, fin: bits&0x1 != 0}, orig - len(b)
}

func parseDebugResetStreamFrame(b []byte) (debugFrame, int) {
	orig := len(b)
	b = b[1:]
	id, b, ok := consumeVarint(b)
	if !ok {
		return nil, -1
	}
	code, b, ok := consumeVarint(b)
	if !ok {
		return nil, -1
	}
	final, b, ok := consumeVarint(b)
	if !ok {
		return nil, -1
	}
	return debugFrameResetStream{id: int64(id), errorCode: code, finalSize: int64(final)}, orig - len(b)
}

func parseDebugConnectionCloseFrame(b []byte) (debugFrame, int) {
	orig := len(b)
	b = b[1:]
	code, b, ok := consumeVarint(b)
	if !ok {
		return nil, -1
	}
	n, b, ok := consumeVarint(b)
	if !ok || uint64(len(b)) < n {
		return nil, -1
	}
	reason := string(b[:n])
	b = b[n:]
	return debugFrameConnectionClose{errorCode: code, reason: reason}, orig - len(b)
}
