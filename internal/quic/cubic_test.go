// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"testing"
	"time"
)

func TestCubicCanSendAndExemption(t *testing.T) {
	rtt := newRTTStats()
	c := newCubicSender(&rtt)
	c.congestionWindow = 1200
	c.bytesInFlight = 1200
	if c.canSend() {
		t.Fatalf("canSend should be false at the window limit")
	}
	c.setExemption(2)
	if !c.canSend() {
		t.Fatalf("canSend should be true with an exemption outstanding")
	}
	if c.getExemptions() != 2 {
		t.Fatalf("getExemptions = %d, want 2", c.getExemptions())
	}
}

func TestCubicOnDataSentDebitsExemption(t *testing.T) {
	rtt := newRTTStats()
	c := newCubicSender(&rtt)
	c.setExemption(1)
	now := time.Now()
	c.onDataSent(now, 1200)
	if c.getExemptions() != 0 {
		t.Fatalf("exemption should be consumed by onDataSent")
	}
	if c.getBytesInFlight() != 1200 {
		t.Fatalf("bytesInFlight = %d, want 1200", c.getBytesInFlight())
	}
}

// TestCubicFastConvergence reproduces two-loss scenario:
// a loss while window_max is still at its initial (zero) value does not
// trigger fast convergence, but a second loss against a lower
// pre-loss window does.
func TestCubicFastConvergence(t *testing.T) {
	rtt := newRTTStats()
	c := newCubicSender(&rtt)
	now := time.Now()

	c.congestionWindow = 40000
	c.onCongestionEvent(now, 100, false, true)
	if c.windowMax != 40000 {
		t.Fatalf("windowMax after first loss = %v, want 40000", c.windowMax)
	}
	if c.windowLastMax != 0 {
		t.Fatalf("windowLastMax after first loss = %v, want 0", c.windowLastMax)
	}
	if c.congestionWindow != 28000 {
		t.Fatalf("cwnd after first loss = %d, want 28000", c.congestionWindow)
	}

	c.inRecovery = false
	c.congestionWindow = 30000
	c.onCongestionEvent(now.Add(time.Second), 200, false, true)
	if c.windowLastMax != 40000 {
		t.Fatalf("windowLastMax after second loss = %v, want 40000", c.windowLastMax)
	}
	wantWindowMax := 30000.0 * fastConvergenceFactor
	if d := c.windowMax - wantWindowMax; d > 1 || d < -1 {
		t.Fatalf("windowMax after second loss = %v, want ~%v", c.windowMax, wantWindowMax)
	}
	if c.congestionWindow != 21000 {
		t.Fatalf("cwnd after second loss = %d, want 21000", c.congestionWindow)
	}
}

func TestCubicSpuriousRevert(t *testing.T) {
	rtt := newRTTStats()
	c := newCubicSender(&rtt)
	now := time.Now()

	c.congestionWindow = 40000
	preLossCwnd := c.congestionWindow
	preLossSsthresh := c.ssthresh
	c.onCongestionEvent(now, 100, false, true)
	if c.congestionWindow == preLossCwnd {
		t.Fatalf("loss should have reduced cwnd")
	}
	c.onSpuriousCongestionEvent()
	if c.congestionWindow != preLossCwnd {
		t.Fatalf("revert cwnd = %d, want %d", c.congestionWindow, preLossCwnd)
	}
	if c.ssthresh != preLossSsthresh {
		t.Fatalf("revert ssthresh = %d, want %d", c.ssthresh, preLossSsthresh)
	}
	if c.inRecovery {
		t.Fatalf("revert should clear recovery state")
	}
}

func TestCubicSlowStartGrowth(t *testing.T) {
	rtt := newRTTStats()
	c := newCubicSender(&rtt)
	before := c.congestionWindow
	now := time.Now()
	c.onDataAcknowledged(ackEvent{now: now, sent: &sentPacket{size: 1200}, largestAcked: 1})
	if c.congestionWindow <= before {
		t.Fatalf("cwnd should grow by the full acked amount in slow start")
	}
	if c.congestionWindow != before+1200 {
		t.Fatalf("cwnd = %d, want %d", c.congestionWindow, before+1200)
	}
}

func TestCubicRepeatedLossInSameEpisodeIgnored(t *testing.T) {
	rtt := newRTTStats()
	c := newCubicSender(&rtt)
	now := time.Now()
	c.congestionWindow = 40000
	c.onDataLost(lossEvent{now: now, sent: []*sentPacket{{num: 100}}})
	cwndAfterFirst := c.congestionWindow
	c.onDataLost(lossEvent{now: now.Add(time.Millisecond), sent: []*sentPacket{{num: 50}}})
	if c.congestionWindow != cwndAfterFirst {
		t.Fatalf("a second loss inside the same recovery episode should not reduce cwnd again")
	}
}

func TestCubicHystartActiveHalvesSlowStartGrowth(t *testing.T) {
	rtt := newRTTStats()
	c := newCubicSender(&rtt)
	now := time.Now()

	c.hystart = hystartActive
	before := c.congestionWindow
	c.onDataAcknowledged(ackEvent{now: now, sent: &sentPacket{size: 1200}, largestAcked: 1})
	if got, want := c.congestionWindow, before+600; got != want {
		t.Fatalf("cwnd with hystart active = %d, want %d (half of the acked 1200 bytes)", got, want)
	}
}

func TestCubicHystartTransitionsToActive(t *testing.T) {
	rtt := newRTTStats()
	c := newCubicSender(&rtt)
	now := time.Now()

	// Round 1 baseline.
	c.hystartRoundStart = 0
	for i := packetNumber(1); i <= 3; i++ {
		c.onDataAcknowledged(ackEvent{now: now, sent: &sentPacket{num: i, size: 100}, largestAcked: i, hasRTT: true, rtt: 20 * time.Millisecond})
	}
	// Next round crosses the RTT increase threshold.
	for i := packetNumber(4); i <= 6; i++ {
		c.onDataAcknowledged(ackEvent{now: now, sent: &sentPacket{num: i, size: 100}, largestAcked: i, hasRTT: true, rtt: 30 * time.Millisecond})
	}
	if c.hystart != hystartActive {
		t.Fatalf("hystart state = %v, want active after RTT increase", c.hystart)
	}
}
