// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"math"
	"time"
)

// minPacketSize is the minimum datagram size permitted by
// anti-amplification protection, avoiding the case where
// anti-amplification technically allows a tiny datagram that no real
// packet can be constructed within.
const minPacketSize = 128

const antiAmplificationUnlimited = math.MaxInt

// packetThreshold and timeThresholdMultiplier are RFC 9002 Section 6.1's
// loss-detection constants.
const (
	packetThreshold        = 3
	timeThresholdMultiplier = 9.0 / 8.0

	// persistentCongestionThreshold is the number of consecutive PTO
	// periods (RFC 9002 Section 7.6.1 / kPersistentCongestionThreshold)
	// spanned by an all-lost window before persistent congestion is
	// declared.
	persistentCongestionThreshold = 3
)

// A lossSpace holds one packet-number space's outstanding-packet
// bookkeeping: largest acknowledged packet number, loss time, and the
// sent-packet map.
type lossSpace struct {
	sent             map[packetNumber]*sentPacket
	nextNum          packetNumber
	maxAcked         packetNumber // -1 if none yet
	lastAckEliciting packetNumber // -1 if none yet
	lossTime         time.Time
}

func newLossSpace() lossSpace {
	return lossSpace{
		sent:             make(map[packetNumber]*sentPacket),
		maxAcked:         -1,
		lastAckEliciting: -1,
	}
}

// A lossDetector implements per-space loss detection, PTO scheduling, and
// persistent-congestion declaration, driving exactly one
// congestionController (cc.go) via the ackEvent/lossEvent contracts
// cubic.go and bbr.go both implement. Adapted from golang.org/x/net's
// internal/quic loss.go: a plain map replaces its ring-buffer
// sentPacketList, and its single hard-coded Reno controller is replaced
// by the swappable congestionController interface.
type lossDetector struct {
	side               connSide
	handshakeConfirmed bool
	maxAckDelay        time.Duration

	timer         time.Time
	ptoTimerArmed bool
	ptoExpired    bool
	ptoBackoff    int

	antiAmplificationLimit int

	rtt *rttStats
	cc  congestionController

	spaces [numberSpaceCount]lossSpace
}

func newLossDetector(side connSide, rtt *rttStats, cc congestionController) *lossDetector {
	l := &lossDetector{
		side:        side,
		maxAckDelay: defaultMaxAckDelay,
		rtt:         rtt,
		cc:          cc,
	}
	if side == clientSide {
		l.antiAmplificationLimit = antiAmplificationUnlimited
	}
	for i := range l.spaces {
		l.spaces[i] = newLossSpace()
	}
	return l
}

func (l *lossDetector) setMaxAckDelay(d time.Duration) {
	if d >= (1<<14)*time.Millisecond {
		return // invalid per RFC 9000 §18.2
	}
	l.maxAckDelay = d
}

func (l *lossDetector) confirmHandshake()      { l.handshakeConfirmed = true }
func (l *lossDetector) validateClientAddress() { l.antiAmplificationLimit = antiAmplificationUnlimited }

// sendLimit implements the min-of-congestion-control-allowance-and-
// path-allowance gate as a coarse ccLimit classification; the packet
// writer asks getSendAllowance separately for the byte count.
func (l *lossDetector) sendLimit(now time.Time) (limit ccLimit, next time.Time) {
	if l.antiAmplificationLimit < minPacketSize {
		return ccBlocked, time.Time{}
	}
	if l.ptoExpired {
		return ccOK, time.Time{}
	}
	if !l.cc.canSend() {
		return ccLimited, time.Time{}
	}
	return ccOK, time.Time{}
}

func (l *lossDetector) maxSendSize() int {
	if l.antiAmplificationLimit == antiAmplificationUnlimited {
		return 64 * 1024
	}
	return l.antiAmplificationLimit
}

func (l *lossDetector) nextNumber(space numberSpace) packetNumber {
	return l.spaces[space].nextNum
}

// packetSent records a newly sent packet.
func (l *lossDetector) packetSent(now time.Time, space numberSpace, sent *sentPacket) {
	sent.timeSent = now
	l.spaces[space].sent[sent.num] = sent
	if sent.num >= l.spaces[space].nextNum {
		l.spaces[space].nextNum = sent.num + 1
	}
	if l.antiAmplificationLimit != antiAmplificationUnlimited {
		l.antiAmplificationLimit -= int(sent.size)
		if l.antiAmplificationLimit < 0 {
			l.antiAmplificationLimit = 0
		}
	}
	if sent.inFlight {
		l.cc.onDataSent(now, sent.size)
		if sent.ackEliciting {
			l.spaces[space].lastAckEliciting = sent.num
			l.ptoExpired = false
		}
		l.scheduleTimer(now)
	}
}

// datagramReceived credits the anti-amplification budget with three
// times the amount of data received.
func (l *lossDetector) datagramReceived(now time.Time, size int) {
	if l.antiAmplificationLimit == antiAmplificationUnlimited {
		return
	}
	l.antiAmplificationLimit += 3 * size
	l.scheduleTimer(now)
	if l.ptoTimerArmed && !l.timer.IsZero() && !l.timer.After(now) {
		l.ptoExpired = true
		l.timer = time.Time{}
	}
}

// receiveAck implements the "On ACK" contract: remove newly-acked
// packets from the sent map (calling ackf for each, so the
// caller can release retransmittable frame state per conn_loss.go), feed
// the congestion controller, take an RTT sample from the newest newly
// acked packet, then run loss detection.
func (l *lossDetector) receiveAck(now time.Time, space numberSpace, ranges []ranElem, ackDelay time.Duration, ackf func(*sentPacket), lossf func(*sentPacket)) {
	sp := &l.spaces[space]
	var tookRTTSample bool
	var sampleRTT time.Duration
	var containsAckEliciting bool

	for ri, r := range ranges {
		for pn := packetNumber(r.low); pn < packetNumber(r.high()); pn++ {
			sent, ok := sp.sent[pn]
			if !ok {
				continue
			}
			if ri == 0 && pn == packetNumber(r.high())-1 {
				tookRTTSample = true
				sampleRTT = now.Sub(sent.timeSent)
				if sampleRTT < 0 {
					sampleRTT = 0
				}
			}
			if pn > sp.maxAcked {
				sp.maxAcked = pn
			}
			delete(sp.sent, pn)
			if sent.inFlight {
				l.cc.onDataAcknowledged(ackEvent{
					now:          now,
					sent:         sent,
					largestAcked: sp.maxAcked,
					rtt:          sampleRTT,
					hasRTT:       tookRTTSample,
				})
			}
			if sent.ackEliciting {
				containsAckEliciting = true
			}
			ackf(sent)
		}
	}

	if tookRTTSample && containsAckEliciting {
		l.rtt.updateRTT(sampleRTT, ackDelay)
	}
	if !(l.side == clientSide && space == initialSpace) {
		l.ptoBackoff = 0
	}
	l.timer = time.Time{}
	l.detectLoss(now, lossf)
}

// lossDuration is the time-threshold window:
// max(SRTT, latest_RTT) * 9/8.
func (l *lossDetector) lossDuration() time.Duration {
	base := l.rtt.smoothedRTT
	if l.rtt.latestRTT > base {
		base = l.rtt.latestRTT
	}
	d := time.Duration(float64(base) * timeThresholdMultiplier)
	if d < granularity {
		d = granularity
	}
	return d
}

// detectLoss implements packet/time threshold rules and
// persistent-congestion detection, feeding one batched lossEvent per
// space to the congestion controller so cubic.go/bbr.go can treat the
// batch's highest packet number as the recovery-episode marker.
func (l *lossDetector) detectLoss(now time.Time, lossf func(*sentPacket)) {
	threshold := now.Add(-l.lossDuration())
	for space := numberSpace(0); space < numberSpaceCount; space++ {
		sp := &l.spaces[space]
		if sp.maxAcked < 0 {
			continue
		}
		var lost []*sentPacket
		sp.lossTime = time.Time{}
		for pn, sent := range sp.sent {
			if pn > sp.maxAcked {
				continue
			}
			packetLossDeclared := sp.maxAcked-pn >= packetThreshold
			timeLossDeclared := !sent.timeSent.After(threshold)
			if packetLossDeclared || timeLossDeclared {
				lost = append(lost, sent)
				continue
			}
			// Not yet lost: record the earliest time it could be.
			candidate := sent.timeSent.Add(l.lossDuration())
			if sp.lossTime.IsZero() || candidate.Before(sp.lossTime) {
				sp.lossTime = candidate
			}
		}
		if len(lost) == 0 {
			continue
		}
		persistentCongestion := l.isPersistentCongestion(sp, lost)
		for _, sent := range lost {
			delete(sp.sent, sent.num)
			lossf(sent)
		}
		if inFlightLost := filterInFlight(lost); len(inFlightLost) > 0 {
			orderByNum(inFlightLost)
			l.cc.onDataLost(lossEvent{now: now, sent: inFlightLost, persistentCongestion: persistentCongestion})
		}
	}
	l.scheduleTimer(now)
}

func filterInFlight(sent []*sentPacket) []*sentPacket {
	out := sent[:0:0]
	for _, s := range sent {
		if s.inFlight {
			out = append(out, s)
		}
	}
	return out
}

func orderByNum(sent []*sentPacket) {
	for i := 1; i < len(sent); i++ {
		for j := i; j > 0 && sent[j-1].num > sent[j].num; j-- {
			sent[j-1], sent[j] = sent[j], sent[j-1]
		}
	}
}

// isPersistentCongestion declares persistent congestion when every
// packet sent within a congestion period bounded by the last two
// consecutive PTOs (of duration pto*threshold) was lost.
func (l *lossDetector) isPersistentCongestion(sp *lossSpace, lost []*sentPacket) bool {
	if len(lost) < 2 {
		return false
	}
	orderByNum(lost)
	first, last := lost[0], lost[len(lost)-1]
	span := last.timeSent.Sub(first.timeSent)
	period := l.ptoBasePeriod() * persistentCongestionThreshold
	if span < period {
		return false
	}
	// Confirm no surviving (acked or still-outstanding) packet was sent
	// strictly between first and last: a gap would mean not everything in
	// the window was lost.
	for pn, sent := range sp.sent {
		if sent.timeSent.After(first.timeSent) && sent.timeSent.Before(last.timeSent) {
			_ = pn
			return false
		}
	}
	return true
}

// scheduleTimer implements the PTO formula: SRTT + max(4*RTTVAR,
// granularity) + max_ack_delay, doubled on consecutive expirations
// without progress; the loss timer, when armed, takes precedence.
func (l *lossDetector) scheduleTimer(now time.Time) {
	l.ptoTimerArmed = false

	var oldestPotentiallyLost time.Time
	for space := numberSpace(0); space < numberSpaceCount; space++ {
		sp := &l.spaces[space]
		if !sp.lossTime.IsZero() {
			if oldestPotentiallyLost.IsZero() || sp.lossTime.Before(oldestPotentiallyLost) {
				oldestPotentiallyLost = sp.lossTime
			}
		}
	}
	if !oldestPotentiallyLost.IsZero() {
		l.timer = oldestPotentiallyLost
		return
	}

	if l.ptoExpired {
		l.timer = time.Time{}
		return
	}
	if l.antiAmplificationLimit >= 0 && l.antiAmplificationLimit < minPacketSize && l.antiAmplificationLimit != antiAmplificationUnlimited {
		l.timer = time.Time{}
		return
	}

	var last time.Time
	if !l.handshakeConfirmed {
		for space := initialSpace; space <= handshakeSpace; space++ {
			sp := &l.spaces[space]
			if sp.lastAckEliciting < 0 {
				continue
			}
			sent, ok := sp.sent[sp.lastAckEliciting]
			if !ok {
				continue
			}
			if last.IsZero() || sent.timeSent.Before(last) {
				last = sent.timeSent
			}
		}
	} else {
		sp := &l.spaces[appDataSpace]
		if sp.lastAckEliciting >= 0 {
			if sent, ok := sp.sent[sp.lastAckEliciting]; ok {
				last = sent.timeSent
			}
		}
	}
	if last.IsZero() && l.side == clientSide && l.spaces[handshakeSpace].maxAcked < 0 && !l.handshakeConfirmed {
		if !l.timer.IsZero() {
			l.ptoTimerArmed = true
			return
		}
		last = now
	} else if last.IsZero() {
		l.timer = time.Time{}
		return
	}
	l.timer = last.Add(l.ptoPeriod())
	l.ptoTimerArmed = true
}

func (l *lossDetector) ptoPeriod() time.Duration {
	return l.ptoBasePeriod() << l.ptoBackoff
}

func (l *lossDetector) ptoBasePeriod() time.Duration {
	v := 4 * l.rtt.rttvar
	if v < granularity {
		v = granularity
	}
	pto := l.rtt.smoothedRTT + v
	if l.handshakeConfirmed {
		pto += l.maxAckDelay
	}
	return pto
}

// advance is called when the loss/PTO timer fires or time otherwise
// passes; on PTO expiry it grants the congestion controller two
// exemptions so the packet writer sends up to two ack-eliciting probe
// packets.
func (l *lossDetector) advance(now time.Time, lossf func(numberSpace, *sentPacket, packetFate)) {
	if l.ptoTimerArmed && !l.timer.IsZero() && !l.timer.After(now) {
		l.ptoExpired = true
		l.timer = time.Time{}
		l.ptoBackoff++
		l.cc.setExemption(2)
	}
	for space := numberSpace(0); space < numberSpaceCount; space++ {
		sp := &l.spaces[space]
		if !sp.lossTime.IsZero() && !sp.lossTime.After(now) {
			l.detectLoss(now, func(sent *sentPacket) { lossf(space, sent, packetLost) })
		}
	}
}

// discardPackets declares every outstanding packet in a space lost
// without retransmission accounting changes beyond releasing frame
// state, used when discarding an encryption level.
func (l *lossDetector) discardPackets(space numberSpace, lossf func(numberSpace, *sentPacket, packetFate)) {
	sp := &l.spaces[space]
	for _, sent := range sp.sent {
		if sent.inFlight {
			l.cc.onDataInvalidated(sent.size)
		}
		lossf(space, sent, packetDiscarded)
	}
	sp.sent = make(map[packetNumber]*sentPacket)
	sp.maxAcked = -1
	sp.lastAckEliciting = -1
	sp.lossTime = time.Time{}
}
