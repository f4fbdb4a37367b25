// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"time"
)

// bbrState is BBR's four-phase state machine.
type bbrState int8

const (
	bbrStartup bbrState = iota
	bbrDrain
	bbrProbeBW
	bbrProbeRTT
)

func (s bbrState) String() string {
	switch s {
	case bbrStartup:
		return "STARTUP"
	case bbrDrain:
		return "DRAIN"
	case bbrProbeBW:
		return "PROBE_BW"
	case bbrProbeRTT:
		return "PROBE_RTT"
	default:
		return "UNKNOWN"
	}
}

// bbrRecoveryState is the smaller recovery machine BBR runs on top of its
// bandwidth/RTT model.
type bbrRecoveryState int8

const (
	bbrRecoveryNotInRecovery bbrRecoveryState = iota
	bbrRecoveryConservative
	bbrRecoveryGrowth
)

const (
	// bbrStartupPacingGain and bbrStartupCwndGain are 2/ln(2), per
	//
	bbrStartupPacingGain = 2.885390081777927
	bbrStartupCwndGain   = bbrStartupPacingGain
	bbrDrainPacingGain    = 1 / bbrStartupPacingGain
	bbrDrainCwndGain      = bbrStartupPacingGain
	bbrProbeBWCwndGain    = 2.0

	bbrProbeRTTCwndMTUs    = 4
	bbrProbeRTTDuration    = 200 * time.Millisecond
	bbrMinRTTExpiry        = 10 * time.Second
	bbrBandwidthWindow     = 10 // rounds
	bbrAckAggregationWindow = 10

	bbrStartupStallRounds   = 3
	bbrStartupGrowthTarget  = 1.25

	bbrHighBandwidthThreshold = 2_400_000_000 / 8 // 2.4 Gbps in bytes/sec
	bbrMinPacingRate          = initialMTU
	bbrMaxPacingQuantum       = 64 * 1024
)

// bbrProbeBWGainCycle is the 8-phase pacing-gain sequence PROBE_BW
// cycles through.
var bbrProbeBWGainCycle = [8]float64{1.25, 0.75, 1, 1, 1, 1, 1, 1}

// bbrSender implements congestionController with Google's BBR algorithm,
// grounded on the shape of the other_examples BBR ports (the
// XTLS/Xray-core and quic-go-family bbr_sender.go copies) for the
// state-machine/gain-cycle structure, adapted to this repo's exact
// four-phase transition conditions.
type bbrSender struct {
	state bbrState

	bytesInFlight    int64
	bytesInFlightMax int64
	congestionWindow int64

	exemptions    int
	appLimited    bool
	underutilized bool

	btlbwFound  bool
	stallRounds int
	prevBWSample int64

	bwFilter *windowedMaxFilter // delivery-rate samples, keyed by round
	round    uint64
	roundStart packetNumber // an ack at/past this packet number ends the round

	minRTT      time.Duration
	minRTTStamp time.Time

	cycleIndex int
	cycleStart time.Time

	probeRTTDoneStamp   time.Time
	probeRTTRoundDone   bool
	havePriorCwnd       bool
	priorCwnd           int64

	recovery       bbrRecoveryState
	recoveryWindow int64
	endOfRecovery  packetNumber

	ackAggregationFilter *windowedMaxFilter
	aggregationEpochStart time.Time
	aggregationEpochBytes int64

	deliveredBytes int64
	deliveredTime  time.Time
	priorDeliveredBytes int64
	priorDeliveredTime  time.Time
	firstSentTime       time.Time

	sendQuantum int64

	rtt *rttStats
}

func newBBRSender(rtt *rttStats) *bbrSender {
	b := &bbrSender{
		state:            bbrStartup,
		congestionWindow: 10 * initialMTU,
		bytesInFlightMax: 10 * initialMTU,
		bwFilter:         newWindowedMaxFilter(bbrBandwidthWindow, bbrBandwidthWindow+2),
		ackAggregationFilter: newWindowedMaxFilter(bbrAckAggregationWindow, bbrAckAggregationWindow+2),
		rtt:              rtt,
		sendQuantum:      initialMTU,
	}
	return b
}

func (b *bbrSender) canSend() bool {
	return b.bytesInFlight < b.effectiveWindow() || b.exemptions > 0
}

func (b *bbrSender) effectiveWindow() int64 {
	if b.recovery != bbrRecoveryNotInRecovery && b.recoveryWindow < b.congestionWindow {
		return b.recoveryWindow
	}
	return b.congestionWindow
}

func (b *bbrSender) setExemption(n int) { b.exemptions = n }
func (b *bbrSender) getExemptions() int { return b.exemptions }

func (b *bbrSender) pacingGain() float64 {
	switch b.state {
	case bbrStartup:
		return bbrStartupPacingGain
	case bbrDrain:
		return bbrDrainPacingGain
	case bbrProbeBW:
		return bbrProbeBWGainCycle[b.cycleIndex]
	case bbrProbeRTT:
		return 1.0
	}
	return 1.0
}

func (b *bbrSender) cwndGain() float64 {
	switch b.state {
	case bbrStartup:
		return bbrStartupCwndGain
	case bbrDrain:
		return bbrDrainCwndGain
	case bbrProbeBW:
		return bbrProbeBWCwndGain
	case bbrProbeRTT:
		return 1.0
	}
	return 1.0
}

func (b *bbrSender) bandwidthEstimate() int64 {
	bw, _ := b.bwFilter.get()
	return bw
}

func (b *bbrSender) ackAggregationExcess() int64 {
	excess, _ := b.ackAggregationFilter.get()
	return excess
}

// targetCwnd computes bandwidth * min_rtt * gain
func (b *bbrSender) targetCwnd(gain float64) int64 {
	if b.minRTT <= 0 {
		return int64(gain * 10 * initialMTU)
	}
	bw := b.bandwidthEstimate()
	cwnd := int64(float64(bw) * b.minRTT.Seconds() * gain)
	cwnd += b.ackAggregationExcess()
	if cwnd < 4*initialMTU {
		cwnd = 4 * initialMTU
	}
	return cwnd
}

func (b *bbrSender) getSendAllowance(now time.Time, sinceLastSend time.Duration, paced bool) int64 {
	window := b.effectiveWindow()
	remaining := window - b.bytesInFlight
	if remaining <= 0 && b.exemptions == 0 {
		return 0
	}
	if remaining < 0 {
		remaining = 0
	}
	if !paced {
		return remaining
	}
	rate := b.pacingRate()
	if rate <= 0 {
		return remaining
	}
	allowance := int64(float64(rate) * sinceLastSend.Seconds())
	if allowance > remaining {
		allowance = remaining
	}
	if allowance < 0 {
		allowance = 0
	}
	return allowance
}

// pacingRate computes the send_quantum contract:
// clamp(bandwidth*gain, 1 MTU, 64 KB) with a raised cap above 2.4 Gbps.
func (b *bbrSender) pacingRate() int64 {
	bw := b.bandwidthEstimate()
	if bw <= 0 {
		return int64(bbrMinPacingRate)
	}
	rate := int64(float64(bw) * b.pacingGain())
	max := int64(bbrMaxPacingQuantum)
	if bw >= bbrHighBandwidthThreshold {
		max *= 4
	}
	if rate > max {
		rate = max
	}
	if rate < bbrMinPacingRate {
		rate = bbrMinPacingRate
	}
	b.sendQuantum = rate
	return rate
}

func (b *bbrSender) onDataSent(now time.Time, bytes int64) {
	if b.firstSentTime.IsZero() {
		b.firstSentTime = now
	}
	b.bytesInFlight += bytes
	if b.bytesInFlight > b.bytesInFlightMax {
		b.bytesInFlightMax = b.bytesInFlight
	}
	if b.exemptions > 0 {
		b.exemptions--
	}
	b.deliveredBytes += 0 // delivered count only advances on ack
}

func (b *bbrSender) onDataInvalidated(bytes int64) bool {
	wasBlocked := !b.canSend()
	b.bytesInFlight -= bytes
	if b.bytesInFlight < 0 {
		b.bytesInFlight = 0
	}
	return wasBlocked && b.canSend()
}

func (b *bbrSender) onDataAcknowledged(ev ackEvent) bool {
	wasBlocked := !b.canSend()
	b.bytesInFlight -= ev.sent.size
	if b.bytesInFlight < 0 {
		b.bytesInFlight = 0
	}
	b.deliveredBytes += ev.sent.size
	b.deliveredTime = ev.now

	b.sampleBandwidth(ev)
	b.updateMinRTT(ev)
	b.updateAckAggregation(ev)

	roundEnded := ev.largestAcked >= b.roundStart
	if roundEnded {
		b.round++
		b.roundStart = ev.largestAcked
	}

	switch b.recovery {
	case bbrRecoveryConservative:
		b.recoveryWindow += ev.sent.size
		if roundEnded {
			b.recovery = bbrRecoveryGrowth
		}
	case bbrRecoveryGrowth:
		b.recoveryWindow += ev.sent.size
	}
	if b.recovery != bbrRecoveryNotInRecovery && ev.largestAcked >= b.endOfRecovery {
		b.recovery = bbrRecoveryNotInRecovery
	}

	if roundEnded {
		b.advanceStateMachine(ev.now)
	}
	b.updateCongestionWindow()

	return wasBlocked && b.canSend()
}

// sampleBandwidth implements the bandwidth filter:
// min(send_rate, ack_rate) fed into a 10-round sliding-window max,
// rejecting app-limited samples unless they would raise the max.
func (b *bbrSender) sampleBandwidth(ev ackEvent) {
	if b.priorDeliveredTime.IsZero() {
		b.priorDeliveredBytes = ev.deliveredBytes
		b.priorDeliveredTime = ev.deliveredTime
		return
	}
	sendInterval := ev.sent.timeSent.Sub(ev.sent.firstSentTimeAtSend)
	ackInterval := ev.now.Sub(b.priorDeliveredTime)
	deliveredSince := ev.deliveredBytes - ev.sent.deliveredAtSend

	var sendRate, ackRate float64
	if sendInterval > 0 {
		sendRate = float64(deliveredSince) / sendInterval.Seconds()
	}
	if ackInterval > 0 {
		ackRate = float64(deliveredSince) / ackInterval.Seconds()
	} else {
		ackRate = sendRate
	}
	rate := sendRate
	if ackRate < rate && ackRate > 0 {
		rate = ackRate
	}
	sample := int64(rate)

	if ev.sent.isAppLimitedAtSend && sample < b.bandwidthEstimate() {
		return
	}
	b.bwFilter.update(sample, b.round)
	b.priorDeliveredBytes = ev.deliveredBytes
	b.priorDeliveredTime = ev.deliveredTime
}

func (b *bbrSender) updateMinRTT(ev ackEvent) {
	if !ev.hasRTT {
		return
	}
	if b.minRTT == 0 || ev.rtt < b.minRTT || ev.now.Sub(b.minRTTStamp) > bbrMinRTTExpiry {
		b.minRTT = ev.rtt
		b.minRTTStamp = ev.now
	}
}

// updateAckAggregation implements the ack-aggregation filter:
// expected_ack_bytes = bandwidth * elapsed, track the excess over a
// 10-round sliding-window max.
func (b *bbrSender) updateAckAggregation(ev ackEvent) {
	if b.aggregationEpochStart.IsZero() {
		b.aggregationEpochStart = ev.now
		b.aggregationEpochBytes = 0
	}
	b.aggregationEpochBytes += ev.sent.size
	elapsed := ev.now.Sub(b.aggregationEpochStart)
	bw := b.bandwidthEstimate()
	expected := int64(float64(bw) * elapsed.Seconds())
	excess := b.aggregationEpochBytes - expected
	if excess < 0 {
		b.aggregationEpochStart = ev.now
		b.aggregationEpochBytes = 0
		excess = 0
	}
	b.ackAggregationFilter.update(excess, b.round)
}

// advanceStateMachine implements the transition diagram
func (b *bbrSender) advanceStateMachine(now time.Time) {
	if b.state != bbrProbeRTT && b.minRTT != 0 && now.Sub(b.minRTTStamp) > bbrMinRTTExpiry {
		b.enterProbeRTT(now)
		return
	}

	switch b.state {
	case bbrStartup:
		bw := b.bandwidthEstimate()
		if float64(bw) < bbrStartupGrowthTarget*float64(b.prevBWSample) {
			b.stallRounds++
		} else {
			b.stallRounds = 0
		}
		if bw > b.prevBWSample {
			b.prevBWSample = bw
		}
		if b.stallRounds >= bbrStartupStallRounds {
			b.btlbwFound = true
			b.state = bbrDrain
		}
	case bbrDrain:
		target := b.targetCwnd(1.0)
		if b.bytesInFlight <= target {
			b.enterProbeBW(now)
		}
	case bbrProbeBW:
		b.maybeAdvanceProbeBWCycle(now)
	case bbrProbeRTT:
		b.maybeExitProbeRTT(now)
	}
}

func (b *bbrSender) enterProbeBW(now time.Time) {
	b.state = bbrProbeBW
	b.cycleIndex = 0
	b.cycleStart = now
}

func (b *bbrSender) maybeAdvanceProbeBWCycle(now time.Time) {
	if b.minRTT <= 0 {
		return
	}
	elapsed := now.Sub(b.cycleStart)
	phase := bbrProbeBWGainCycle[b.cycleIndex]
	switch {
	case phase > 1: // the 1.25 probe-up phase
		target := b.targetCwnd(phase)
		if b.bytesInFlight < target && elapsed < b.minRTT {
			return // still headroom to grow, don't advance yet
		}
	case phase < 1: // the 0.75 drain phase
		target := b.targetCwnd(1.0)
		if b.bytesInFlight < target {
			b.advanceProbeBWCycle(now)
			return
		}
	}
	if elapsed >= b.minRTT {
		b.advanceProbeBWCycle(now)
	}
}

func (b *bbrSender) advanceProbeBWCycle(now time.Time) {
	b.cycleIndex = (b.cycleIndex + 1) % len(bbrProbeBWGainCycle)
	b.cycleStart = now
}

func (b *bbrSender) enterProbeRTT(now time.Time) {
	b.state = bbrProbeRTT
	b.probeRTTDoneStamp = time.Time{}
	b.probeRTTRoundDone = false
	if !b.havePriorCwnd {
		b.priorCwnd = b.congestionWindow
		b.havePriorCwnd = true
	}
}

func (b *bbrSender) maybeExitProbeRTT(now time.Time) {
	if b.congestionWindow > bbrProbeRTTCwndMTUs*initialMTU {
		return
	}
	if b.probeRTTDoneStamp.IsZero() {
		b.probeRTTDoneStamp = now.Add(bbrProbeRTTDuration)
		b.probeRTTRoundDone = false
		return
	}
	if !b.probeRTTRoundDone {
		b.probeRTTRoundDone = true
	}
	if now.After(b.probeRTTDoneStamp) && b.probeRTTRoundDone {
		if b.havePriorCwnd {
			b.congestionWindow = b.priorCwnd
			b.havePriorCwnd = false
		}
		if b.btlbwFound {
			b.enterProbeBW(now)
		} else {
			b.state = bbrStartup
		}
	}
}

func (b *bbrSender) updateCongestionWindow() {
	if b.state == bbrProbeRTT {
		b.congestionWindow = bbrProbeRTTCwndMTUs * initialMTU
		return
	}
	target := b.targetCwnd(b.cwndGain())
	ceiling := 2 * b.bytesInFlightMax
	if target > ceiling {
		target = ceiling
	}
	b.congestionWindow = target
}

func (b *bbrSender) onDataLost(ev lossEvent) {
	if len(ev.sent) == 0 {
		return
	}
	largest := ev.sent[len(ev.sent)-1].num
	if b.recovery == bbrRecoveryNotInRecovery {
		b.recovery = bbrRecoveryConservative
		b.recoveryWindow = b.bytesInFlight
		b.endOfRecovery = largest
	}
	if ev.persistentCongestion {
		b.recoveryWindow = 2 * minMTU
	}
}

func (b *bbrSender) onECN(ev ecnEvent) {
	b.onDataLost(lossEvent{now: ev.now, sent: ev.sent})
}

// onSpuriousCongestionEvent is a deliberate no-op in BBR.
func (b *bbrSender) onSpuriousCongestionEvent() bool { return false }

func (b *bbrSender) getBytesInFlight() int64    { return b.bytesInFlight }
func (b *bbrSender) getBytesInFlightMax() int64 { return b.bytesInFlightMax }
func (b *bbrSender) getCongestionWindow() int64 { return b.effectiveWindow() }
func (b *bbrSender) isAppLimited() bool         { return b.appLimited }
func (b *bbrSender) setAppLimited(v bool)       { b.appLimited = v }
func (b *bbrSender) setUnderutilized(v bool)    { b.underutilized = v }

func (b *bbrSender) getNetworkStatistics(rtt *rttStats) NetworkStatistics {
	return NetworkStatistics{
		BytesInFlight:     b.bytesInFlight,
		CongestionWindow:  b.effectiveWindow(),
		SmoothedRTT:       rtt.smoothedRTT,
		MinRTT:            b.minRTT,
		BandwidthEstimate: b.bandwidthEstimate(),
		DeliveryRate:      b.bandwidthEstimate(),
	}
}

func (b *bbrSender) reset() {
	*b = *newBBRSender(b.rtt)
}

var _ congestionController = (*bbrSender)(nil)
