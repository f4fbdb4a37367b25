// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"math"
	"time"
)

// CUBIC constants from RFC 8312bis, as used throughout
const (
	cubicC        = 0.4
	cubicBeta     = 0.7
	fastConvergenceFactor = (10 + cubicBeta) / 20 // (10+beta)/20

	// sendIdleTimeout is the minimum quiescent period before growth is
	// frozen; the second condition (>= SRTT + 4*RTTVAR) is evaluated
	// against the live rttStats at the call site.
	sendIdleTimeout = time.Second

	hystartMinRTTThreshDefault = 4 * time.Millisecond
	hystartConservativeRounds  = 5
)

// hystartState is the HyStart++ slow-start exit state machine. States
// never downgrade from done once reached.
type hystartState int8

const (
	hystartNotStarted = hystartState(iota)
	hystartActive
	hystartDone
)

// cubicSender implements congestionController using CUBIC congestion
// avoidance with a HyStart++ slow-start exit. Grounded on the shape of
// the quic-go-family cubic_sender.go/cubic.go vendored copies in
// other_examples (caddyserver, NithinPJ998, kalelpida forks) for the
// struct layout and reno-beta/fast-convergence arithmetic, adapted to
// expose can_send, get_send_allowance,
// on_data_sent/acknowledged/lost/invalidated, and
// on_spurious_congestion_event as a swappable interface.
type cubicSender struct {
	bytesInFlight    int64
	bytesInFlightMax int64
	congestionWindow int64
	ssthresh         int64
	windowMax        float64
	windowLastMax    float64
	k                float64
	timeOfCongAvoidStart time.Time

	exemptions        int
	lastSendAllowance int64

	inRecovery               bool
	recoverySentPacketNumber packetNumber
	persistentCongestionSeen bool

	appLimited       bool
	underutilized    bool
	lastSendTime     time.Time

	// Saved state for on_spurious_congestion_event.
	haveSaved          bool
	savedCwnd          int64
	savedSsthresh      int64
	savedWindowMax     float64
	savedWindowLastMax float64
	savedK             float64

	// HyStart++.
	hystart             hystartState
	hystartRoundStart   packetNumber
	hystartBaselineRTT  time.Duration
	hystartRoundMinRTT  time.Duration
	hystartConsRounds   int
	hystartDelta        time.Duration

	rtt *rttStats
}

func newCubicSender(rtt *rttStats) *cubicSender {
	return &cubicSender{
		congestionWindow: 10 * initialMTU,
		ssthresh:         math.MaxInt64,
		bytesInFlightMax: 10 * initialMTU,
		hystartDelta:     hystartMinRTTThreshDefault,
		rtt:              rtt,
	}
}

func (c *cubicSender) canSend() bool {
	return c.bytesInFlight < c.congestionWindow || c.exemptions > 0
}

func (c *cubicSender) setExemption(n int) { c.exemptions = n }
func (c *cubicSender) getExemptions() int { return c.exemptions }

func (c *cubicSender) inSlowStart() bool { return c.congestionWindow < c.ssthresh }

// getSendAllowance implements pacing contract. With pacing
// disabled it returns the raw remaining window; with pacing enabled, it
// scales an estimated window (2x cwnd in slow start, 1.25x in congestion
// avoidance) by elapsed/SRTT, clamped against the remaining window.
func (c *cubicSender) getSendAllowance(now time.Time, sinceLastSend time.Duration, paced bool) int64 {
	remaining := c.congestionWindow - c.bytesInFlight
	if remaining <= 0 && c.exemptions == 0 {
		return 0
	}
	if remaining < 0 {
		remaining = 0
	}
	if !paced {
		return remaining
	}
	srtt := c.rtt.smoothedRTT
	if srtt <= 0 {
		return remaining
	}
	var estimate float64
	if c.inSlowStart() {
		estimate = 2 * float64(c.congestionWindow)
	} else {
		estimate = 1.25 * float64(c.congestionWindow)
	}
	allowance := estimate * float64(sinceLastSend) / float64(srtt)
	if allowance < 0 || math.IsInf(allowance, 0) || math.IsNaN(allowance) {
		allowance = 0
	}
	out := int64(allowance)
	if out > remaining {
		out = remaining
	}
	return out
}

func (c *cubicSender) onDataSent(now time.Time, bytes int64) {
	c.bytesInFlight += bytes
	if c.bytesInFlight > c.bytesInFlightMax {
		c.bytesInFlightMax = c.bytesInFlight
	}
	if c.exemptions > 0 {
		c.exemptions--
	}
	c.lastSendAllowance -= bytes
	if c.lastSendAllowance < 0 {
		c.lastSendAllowance = 0
	}
	c.lastSendTime = now
}

func (c *cubicSender) onDataInvalidated(bytes int64) bool {
	wasBlocked := !c.canSend()
	c.bytesInFlight -= bytes
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
	return wasBlocked && c.canSend()
}

func (c *cubicSender) onDataAcknowledged(ev ackEvent) bool {
	wasBlocked := !c.canSend()
	c.bytesInFlight -= ev.sent.size
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
	if ev.largestAcked > c.recoverySentPacketNumber {
		c.inRecovery = false
	}
	if !c.inRecovery {
		c.maybeGrowWindow(ev)
	}
	if c.inSlowStart() {
		c.hystartOnAck(ev)
	}
	return wasBlocked && c.canSend()
}

// maybeGrowWindow implements the slow-start/congestion-avoidance growth
// half of CUBIC's on_data_acknowledged contract.
func (c *cubicSender) maybeGrowWindow(ev ackEvent) {
	acked := ev.sent.size
	if c.inSlowStart() {
		if c.hystart == hystartActive {
			// HyStart++ conservative slow start (RFC 9406, Section 4.3):
			// halve the effective growth once a round's RTT samples look
			// congested, rather than cutting straight to congestion
			// avoidance.
			acked /= 2
		}
		overflow := (c.congestionWindow + acked) - c.ssthresh
		if overflow <= 0 {
			c.congestionWindow += acked
			return
		}
		// Slow-start overflow past ssthresh carries over into
		// congestion-avoidance math.
		c.congestionWindow = c.ssthresh
		acked = overflow
		if c.timeOfCongAvoidStart.IsZero() {
			c.timeOfCongAvoidStart = ev.now
		}
	}
	if c.timeOfCongAvoidStart.IsZero() {
		c.timeOfCongAvoidStart = ev.now
	}

	// Idle freeze: advance the epoch rather than grow, if the sender has
	// been idle for long enough.
	srtt := c.rtt.smoothedRTT
	idleThreshold := srtt + 4*c.rtt.rttvar
	if !c.lastSendTime.IsZero() {
		idle := ev.now.Sub(c.lastSendTime)
		if idle >= sendIdleTimeout && idle >= idleThreshold {
			c.timeOfCongAvoidStart = ev.now
			return
		}
	}

	t := ev.now.Sub(c.timeOfCongAvoidStart).Seconds()
	cubicTarget := cubicC*math.Pow(t-c.k, 3)*float64(initialMTU) + c.windowMax
	// Reno-friendly AIMD estimate: classic additive increase scaled by
	// the fraction of the window acknowledged by this packet.
	renoTarget := float64(c.congestionWindow) + float64(acked)*float64(initialMTU)/float64(c.congestionWindow)

	next := cubicTarget
	if renoTarget > next {
		next = renoTarget
	}
	cap := 2 * float64(c.bytesInFlightMax)
	if next > cap {
		next = cap
	}
	c.congestionWindow = int64(next)
}

func (c *cubicSender) onDataLost(ev lossEvent) {
	if len(ev.sent) == 0 {
		return
	}
	for _, sent := range ev.sent {
		c.bytesInFlight -= sent.size
	}
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
	largest := ev.sent[len(ev.sent)-1].num
	if c.inRecovery && largest <= c.recoverySentPacketNumber {
		// Already in this recovery episode: window unaffected; the lost
		// bytes have already been taken out of bytesInFlight above.
		return
	}
	c.onCongestionEvent(ev.now, largest, ev.persistentCongestion, true)
}

func (c *cubicSender) onECN(ev ecnEvent) {
	if len(ev.sent) == 0 {
		return
	}
	largest := ev.sent[len(ev.sent)-1].num
	c.onCongestionEvent(ev.now, largest, false, false)
}

// onCongestionEvent is the shared reduction logic for loss and ECN
//.
func (c *cubicSender) onCongestionEvent(now time.Time, largest packetNumber, persistentCongestion, savable bool) {
	if savable {
		c.savedCwnd = c.congestionWindow
		c.savedSsthresh = c.ssthresh
		c.savedWindowMax = c.windowMax
		c.savedWindowLastMax = c.windowLastMax
		c.savedK = c.k
		c.haveSaved = true
	} else {
		c.haveSaved = false
	}

	cwndAtLoss := float64(c.congestionWindow)
	c.windowLastMax = c.windowMax
	if c.windowLastMax > cwndAtLoss {
		c.windowMax = cwndAtLoss * fastConvergenceFactor
	} else {
		c.windowMax = cwndAtLoss
	}

	c.congestionWindow = int64(cwndAtLoss * cubicBeta)
	c.ssthresh = c.congestionWindow

	if persistentCongestion {
		c.congestionWindow = 2 * minMTU
		c.k = 0
		c.persistentCongestionSeen = true
	} else {
		c.k = math.Cbrt(c.windowMax * (1 - cubicBeta) / cubicC / float64(initialMTU))
	}
	c.timeOfCongAvoidStart = now
	c.recoverySentPacketNumber = largest
	c.inRecovery = true
}

// onSpuriousCongestionEvent restores pre-loss state exactly (§8
// "CUBIC spurious revert").
func (c *cubicSender) onSpuriousCongestionEvent() bool {
	if !c.inRecovery || !c.haveSaved {
		return false
	}
	wasBlocked := !c.canSend()
	c.congestionWindow = c.savedCwnd
	c.ssthresh = c.savedSsthresh
	c.windowMax = c.savedWindowMax
	c.windowLastMax = c.savedWindowLastMax
	c.k = c.savedK
	c.inRecovery = false
	c.haveSaved = false
	return wasBlocked && c.canSend()
}

func (c *cubicSender) getBytesInFlight() int64     { return c.bytesInFlight }
func (c *cubicSender) getBytesInFlightMax() int64  { return c.bytesInFlightMax }
func (c *cubicSender) getCongestionWindow() int64  { return c.congestionWindow }
func (c *cubicSender) isAppLimited() bool          { return c.appLimited }
func (c *cubicSender) setAppLimited(v bool)        { c.appLimited = v }
func (c *cubicSender) setUnderutilized(v bool)     { c.underutilized = v }

func (c *cubicSender) getNetworkStatistics(rtt *rttStats) NetworkStatistics {
	var bw int64
	if rtt.smoothedRTT > 0 {
		bw = int64(float64(c.congestionWindow) / rtt.smoothedRTT.Seconds())
	}
	return NetworkStatistics{
		BytesInFlight:     c.bytesInFlight,
		CongestionWindow:  c.congestionWindow,
		SmoothedRTT:       rtt.smoothedRTT,
		MinRTT:            rtt.minRTT,
		BandwidthEstimate: bw,
		DeliveryRate:      bw,
	}
}

func (c *cubicSender) reset() {
	*c = *newCubicSender(c.rtt)
}

// hystartOnAck implements HyStart++'s per-round RTT sampling and state
// transitions. Called once per ACK while in slow start;
// rounds are delimited by recoverySentPacketNumber-style "round start"
// packet number tracking.
func (c *cubicSender) hystartOnAck(ev ackEvent) {
	if !ev.hasRTT {
		return
	}
	if ev.largestAcked >= c.hystartRoundStart {
		// New round: evaluate the previous round's minimum RTT against
		// the baseline.
		if c.hystartRoundMinRTT > 0 {
			switch c.hystart {
			case hystartNotStarted:
				if c.hystartBaselineRTT > 0 && c.hystartRoundMinRTT > c.hystartBaselineRTT+c.hystartDelta {
					c.hystart = hystartActive
					c.hystartConsRounds = hystartConservativeRounds
				}
			case hystartActive:
				if c.hystartBaselineRTT > 0 && c.hystartRoundMinRTT < c.hystartBaselineRTT {
					c.hystart = hystartNotStarted
				} else {
					c.hystartConsRounds--
					if c.hystartConsRounds <= 0 {
						c.hystart = hystartDone
						c.ssthresh = c.congestionWindow
					}
				}
			case hystartDone:
				// Never downgraded.
			}
			if c.hystartBaselineRTT == 0 || c.hystartRoundMinRTT < c.hystartBaselineRTT {
				c.hystartBaselineRTT = c.hystartRoundMinRTT
			}
		}
		c.hystartRoundStart = ev.sent.num
		c.hystartRoundMinRTT = 0
	}
	if c.hystartRoundMinRTT == 0 || ev.rtt < c.hystartRoundMinRTT {
		c.hystartRoundMinRTT = ev.rtt
	}
}

var _ congestionController = (*cubicSender)(nil)
