// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import "time"

// handleDatagram processes one inbound UDP datagram, which may contain
// several coalesced QUIC packets (RFC 9000, Section 12.2).
func (c *Conn) handleDatagram(now time.Time, d *datagram) {
	if c.state == stateDraining || c.state == stateTerminal {
		// RFC 9000, Section 10.2.2/10.2.3: a draining or terminal
		// connection sends nothing further and need not process
		// anything further either.
		return
	}
	c.restartIdleTimer(now)
	c.loss.datagramReceived(now, len(d.b))

	buf := d.b
	for len(buf) > 0 {
		if buf[0] == frameTypePadding {
			// A run of zero bytes at the end of a datagram is padding
			// coalesced alongside a real packet, not a packet of its own.
			break
		}
		ptype := getPacketType(buf)
		space := spaceForPacketType(ptype)
		k := c.tlsState.rkeys[space]
		if !k.isSet() {
			c.logPacketDropped("no read keys for space")
			return
		}

		var n int
		if isLongHeader(buf[0]) {
			var p longPacket
			p, n = parseLongHeaderPacket(buf, k, c.acks[space].largestSeen())
			if n < 0 {
				c.logPacketDropped("long header parse error")
				return
			}
			if c.side == serverSide && p.ptype == packetTypeInitial && len(c.connIDState.remote) == 0 {
				if !c.admitInitial(now, p) {
					return
				}
			}
			if space != initialSpace {
				c.path.confirmValidated()
				c.clearPending()
			}
			c.handlePayload(now, space, p.num, p.payload)
		} else {
			var p shortPacket
			p, n = parse1RTTPacket(buf, k, len(c.connIDState.srcConnID()), c.acks[space].largestSeen())
			if n < 0 {
				c.logPacketDropped("short header parse error")
				return
			}
			c.path.confirmValidated()
			c.clearPending()
			c.handlePayload(now, space, p.num, p.payload)
		}
		buf = buf[n:]
	}

	if c.state == stateClosing {
		// RFC 9000, Section 10.2.1: retransmit our CONNECTION_CLOSE on
		// receipt of any packet while closing, rather than resuming
		// ordinary processing of this datagram.
		c.sendCloseFrames(now)
		return
	}

	c.wake()
}

// admitInitial processes the client's first Initial packet on a server
// Conn: it decides, per RetryThreshold, whether the client must first
// prove its address with a Retry token, and either way records the
// client's source connection ID as our destination once admitted. It
// reports whether the caller should continue processing this datagram;
// when it returns false, a Retry was sent (or token minting failed) and
// the Conn has been torn down.
func (c *Conn) admitInitial(now time.Time, p longPacket) bool {
	if c.shouldRequireRetry() {
		result := c.tokenValidator.validate(p.token, c.path.addr.Addr())
		if !result.valid || result.isNewToken {
			c.sendRetry(now, p.srcConnID)
			c.abort(now, nil)
			return false
		}
		c.loss.validateClientAddress()
		c.clearPending()
	}
	c.connIDState.remote = []connID{{seq: 0, cid: p.srcConnID}}
	return true
}

// handlePayload walks the decrypted frames of one packet, feeding the ACK
// tracker and dispatching any frames with connection-level side effects.
func (c *Conn) handlePayload(now time.Time, space numberSpace, num packetNumber, payload []byte) {
	ackEliciting := false
	for len(payload) > 0 {
		frameType := payload[0]
		f, n := parseDebugFrame(payload)
		if n < 0 {
			c.logPacketDropped("frame parse error")
			return
		}
		if isAckEliciting(frameType) {
			ackEliciting = true
		}
		switch f := f.(type) {
		case debugFrameAck:
			ackf := func(sent *sentPacket) { c.handleAckOrLoss(space, sent, packetAcked) }
			lossf := func(sent *sentPacket) { c.handleAckOrLoss(space, sent, packetLost) }
			c.loss.receiveAck(now, space, f.ranges, f.delay.Duration(ackDelayExponent), ackf, lossf)
		case debugFrameHandshakeDone:
			if c.side == clientSide {
				c.confirmHandshake(now)
			}
		case debugFrameCrypto:
			if fresh := c.crypto[space].receive(f.offset, f.data); fresh != nil && c.cryptoDataHandler != nil {
				c.cryptoDataHandler(space, fresh)
			}
		case debugFrameStream:
			in := c.inStreamFor(f.id)
			fresh := in.receive(f.off, f.data, f.fin)
			fin := in.complete() && !in.finDelivered
			if fin {
				in.finDelivered = true
			}
			if (fresh != nil || fin) && c.streamDataHandler != nil {
				c.streamDataHandler(f.id, fresh, fin)
			}
		case debugFrameResetStream:
			if c.streamResetHandler != nil {
				c.streamResetHandler(f.id, f.errorCode)
			}
		case debugFrameConnectionClose:
			c.enterDraining(now)
		}
		payload = payload[n:]
	}
	c.acks[space].receive(now, num, ackEliciting)
}
