// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// ackDelayExponent is the default ACK Delay Field Exponent transport
// parameter (RFC 9000, Section 18.2); the unscaled/scaled conversion
// lives here since only the ACK tracker and packet writer need it.
const ackDelayExponent = 3

// An unscaledAckDelay is an ACK frame's Ack Delay field: a duration
// divided by 2^ackDelayExponent microseconds, as it appears on the wire.
type unscaledAckDelay uint64

func unscaledAckDelayFromDuration(d time.Duration, exponent uint8) unscaledAckDelay {
	if d < 0 {
		d = 0
	}
	return unscaledAckDelay(d.Microseconds() >> exponent)
}

func (d unscaledAckDelay) Duration(exponent uint8) time.Duration {
	return time.Duration(uint64(d)<<exponent) * time.Microsecond
}

// defaultAckFrequency and defaultMaxAckDelay are the conservative
// defaults used until the peer negotiates different values.
const (
	defaultAckFrequency     = 2
	defaultMaxAckDelay      = 25 * time.Millisecond
	defaultReorderThreshold = 3

	// ackRangeSetMaxSize bounds the number of subranges the received
	// range set retains.
	ackRangeSetMaxSize = 32
)

// An ackState is the per packet-number-space receive-side bookkeeping:
// it decides when an ACK must be sent and produces the range-set
// contents of the next ACK frame. conn_send.go assumes a type with
// exactly this shape is reachable as c.acks[space].
type ackState struct {
	received rangeset // packet numbers we have received

	minRetained packetNumber // lowest packet number still worth acking
	largestSeenVal  packetNumber
	largestSeenTime time.Time

	ackElicitingUnacked int       // ack-eliciting packets received since the last ACK we sent
	oldestUnackedTime   time.Time // arrival time of the oldest un-acked ack-eliciting packet
	haveOldestUnacked   bool

	ackFrequency     int
	maxAckDelay      time.Duration
	reorderThreshold int64

	// forceImmediate is set when the most recently received packet
	// crossed the reordering threshold, forcing an
	// immediate ACK regardless of ackFrequency/maxAckDelay.
	forceImmediate bool
}

func newAckState(reorderThreshold int64, ackFrequency int, maxAckDelay time.Duration) ackState {
	if reorderThreshold <= 0 {
		reorderThreshold = defaultReorderThreshold
	}
	if ackFrequency <= 0 {
		ackFrequency = defaultAckFrequency
	}
	if maxAckDelay <= 0 {
		maxAckDelay = defaultMaxAckDelay
	}
	return ackState{
		received:         newRangeset(ackRangeSetMaxSize),
		ackFrequency:     ackFrequency,
		maxAckDelay:      maxAckDelay,
		reorderThreshold: reorderThreshold,
	}
}

func (a *ackState) largestSeen() packetNumber { return a.largestSeenVal }

// receive records an inbound packet. Duplicate packet numbers are
// idempotent; packet numbers below minRetained are ignored.
func (a *ackState) receive(now time.Time, num packetNumber, ackEliciting bool) {
	if num < a.minRetained {
		return
	}
	wasNew := a.received.add(int64(num))
	if !wasNew {
		return // duplicate: idempotent
	}
	reordered := num+packetNumber(a.reorderThreshold) < a.largestSeenVal
	if num > a.largestSeenVal || a.largestSeenTime.IsZero() {
		a.largestSeenVal = num
		a.largestSeenTime = now
	}
	if !ackEliciting {
		return
	}
	a.ackElicitingUnacked++
	if !a.haveOldestUnacked {
		a.oldestUnackedTime = now
		a.haveOldestUnacked = true
	}
	if reordered {
		a.forceImmediate = true
	}
}

// shouldSendAck reports whether the receiver must emit an ACK frame now.
// Three triggers: ack-eliciting count threshold, max_ack_delay elapsed,
// or reordering threshold crossed.
func (a *ackState) shouldSendAck(now time.Time) bool {
	if a.forceImmediate {
		return true
	}
	if a.ackElicitingUnacked >= a.ackFrequency {
		return true
	}
	if a.haveOldestUnacked && now.Sub(a.oldestUnackedTime) >= a.maxAckDelay {
		return true
	}
	return false
}

// acksToSend returns the range set to encode in the next ACK frame,
// newest-first, and the ack delay to report. Returns a nil range slice
// if there is nothing to acknowledge.
func (a *ackState) acksToSend(now time.Time) ([]ranElem, time.Duration) {
	if a.received.isEmpty() {
		return nil, 0
	}
	ranges := make([]ranElem, len(a.received.r))
	for i, e := range a.received.r {
		ranges[len(ranges)-1-i] = e // newest (highest low) first
	}
	var delay time.Duration
	if a.haveOldestUnacked {
		delay = now.Sub(a.largestSeenTime)
	}
	return ranges, delay
}

// nextTimeout returns the time at which max_ack_delay will next force an
// ACK, or the zero Time if no ack-eliciting packet is currently
// outstanding. The connection loop folds this into its timer alongside
// the loss detector's PTO/loss timer.
func (a *ackState) nextTimeout() time.Time {
	if !a.haveOldestUnacked {
		return time.Time{}
	}
	return a.oldestUnackedTime.Add(a.maxAckDelay)
}

// sentAck records that an ACK frame was just placed in an outgoing
// packet, resetting the triggers that force another one.
func (a *ackState) sentAck() {
	a.ackElicitingUnacked = 0
	a.haveOldestUnacked = false
	a.forceImmediate = false
}

// handleAck is called when our own ACK frame is itself acknowledged by
// the peer (conn_loss.go: `c.acks[space].handleAck(largest)`). It lets
// the tracker advance minRetained, since the peer has now confirmed it
// received our report of packets up to largest.
func (a *ackState) handleAck(largest packetNumber) {
	if largest < a.minRetained {
		return
	}
	a.minRetained = largest + 1
	a.received.setMinimum(int64(a.minRetained))
}
