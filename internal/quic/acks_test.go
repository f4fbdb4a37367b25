// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"testing"
	"time"
)

func TestAckStateIdempotentDuplicate(t *testing.T) {
	a := newAckState(3, 2, defaultMaxAckDelay)
	now := time.Now()
	a.receive(now, 5, true)
	before := a.ackElicitingUnacked
	a.receive(now, 5, true) // duplicate
	if a.ackElicitingUnacked != before {
		t.Fatalf("duplicate packet changed ack-eliciting count: %d -> %d", before, a.ackElicitingUnacked)
	}
}

func TestAckStateIgnoresBelowMinRetained(t *testing.T) {
	a := newAckState(3, 2, defaultMaxAckDelay)
	now := time.Now()
	a.minRetained = 10
	a.receive(now, 5, true)
	if a.received.contains(5) {
		t.Fatalf("packet below minRetained was recorded")
	}
}

func TestAckStateFrequencyTrigger(t *testing.T) {
	a := newAckState(3, 2, defaultMaxAckDelay)
	now := time.Now()
	a.receive(now, 0, true)
	if a.shouldSendAck(now) {
		t.Fatalf("should not need to ack after 1 of 2 ack-eliciting packets")
	}
	a.receive(now, 1, true)
	if !a.shouldSendAck(now) {
		t.Fatalf("should need to ack after reaching ackFrequency")
	}
}

func TestAckStateMaxDelayTrigger(t *testing.T) {
	a := newAckState(3, 100, defaultMaxAckDelay)
	now := time.Now()
	a.receive(now, 0, true)
	if a.shouldSendAck(now) {
		t.Fatalf("should not need to ack immediately")
	}
	later := now.Add(defaultMaxAckDelay + time.Millisecond)
	if !a.shouldSendAck(later) {
		t.Fatalf("should need to ack once max_ack_delay has elapsed")
	}
}

func TestAckStateReorderTrigger(t *testing.T) {
	a := newAckState(3, 100, time.Hour)
	now := time.Now()
	a.receive(now, 10, true)
	if a.shouldSendAck(now) {
		t.Fatalf("no reorder yet")
	}
	a.receive(now, 5, true) // 10 - 5 = 5 > reorderThreshold(3)
	if !a.shouldSendAck(now) {
		t.Fatalf("should ack immediately: reorder threshold crossed")
	}
}

func TestAckStateHandleAckAdvancesMinRetained(t *testing.T) {
	a := newAckState(3, 2, defaultMaxAckDelay)
	now := time.Now()
	for i := packetNumber(0); i < 5; i++ {
		a.receive(now, i, true)
	}
	a.handleAck(2)
	if a.minRetained != 3 {
		t.Fatalf("minRetained = %d, want 3", a.minRetained)
	}
	if a.received.contains(0) || a.received.contains(2) {
		t.Fatalf("acked-and-confirmed packets should have been dropped")
	}
	if !a.received.contains(4) {
		t.Fatalf("packet 4 should still be tracked")
	}
}

func TestAckStateSentAckResetsTriggers(t *testing.T) {
	a := newAckState(3, 1, defaultMaxAckDelay)
	now := time.Now()
	a.receive(now, 0, true)
	if !a.shouldSendAck(now) {
		t.Fatalf("expected an ack to be due")
	}
	a.sentAck()
	if a.shouldSendAck(now) {
		t.Fatalf("sentAck should clear the pending trigger")
	}
}
