// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "testing"

func TestSentValLifecycle(t *testing.T) {
	var s sentVal
	if s.isSet() {
		t.Fatalf("zero value isSet() = true, want false")
	}
	if s.shouldSendPTO(false) {
		t.Fatalf("zero value shouldSendPTO(false) = true, want false (nothing registered yet)")
	}

	s.setUnsent()
	if !s.shouldSendPTO(false) {
		t.Errorf("setUnsent then shouldSendPTO(false) = false, want true")
	}

	s.setSent(5)
	if s.shouldSendPTO(false) {
		t.Errorf("setSent then shouldSendPTO(false) = true, want false (not yet due for PTO)")
	}
	if !s.shouldSendPTO(true) {
		t.Errorf("setSent then shouldSendPTO(true) = false, want true (probe should resend)")
	}

	s.ackOrLoss(5, packetAcked)
	if s.shouldSendPTO(true) {
		t.Errorf("after ack, shouldSendPTO(true) = true, want false")
	}
	if !s.isReceived() {
		t.Errorf("after ack, isReceived() = false, want true")
	}

	s.setSent(6)
	s.ackOrLoss(6, packetLost)
	if !s.shouldSendPTO(false) {
		t.Errorf("after loss, shouldSendPTO(false) = false, want true (needs retransmission)")
	}
}

func TestSentValAckOrLossIgnoresStalePacketNumber(t *testing.T) {
	var s sentVal
	s.setSent(10)
	// An ack/loss report for a packet number that doesn't match the one
	// currently in flight (e.g. a stale retransmission) must not clobber
	// the value's state.
	s.ackOrLoss(9, packetLost)
	if !s.shouldSendPTO(true) {
		t.Errorf("stale ackOrLoss changed state; shouldSendPTO(true) = false, want true")
	}
}
