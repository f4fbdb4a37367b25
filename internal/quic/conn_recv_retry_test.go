// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"testing"
	"time"
)

func TestAdmitInitialSendsRetryUnderPressure(t *testing.T) {
	tc := newTestConn(t, serverSide)

	var sawRetry bool
	var remoteAfter int
	tc.conn.runOnLoop(func(now time.Time, c *Conn) {
		c.config.RetryThreshold = -1 // force shouldRequireRetry
		ok := c.admitInitial(now, longPacket{
			ptype:     packetTypeInitial,
			srcConnID: []byte{1, 2, 3, 4},
		})
		sawRetry = !ok
		remoteAfter = len(c.connIDState.remote)
	})
	tc.wait()

	if !sawRetry {
		t.Fatalf("admitInitial returned true (admitted) when over RetryThreshold; want a Retry")
	}
	if remoteAfter != 0 {
		t.Fatalf("connIDState.remote populated despite Retry; want it left unset")
	}
	if len(tc.sentDatagrams) != 1 {
		t.Fatalf("sentDatagrams = %v, want exactly one Retry packet", len(tc.sentDatagrams))
	}
	pkt := tc.sentDatagrams[0]
	if got, want := (pkt[0]>>4)&0x3, byte(longTypeRetry); got != want {
		t.Fatalf("sent packet's long type = %v, want %v (Retry)", got, want)
	}
}

func TestAdmitInitialAdmitsUnderThreshold(t *testing.T) {
	tc := newTestConn(t, serverSide)

	var admitted bool
	peerSrcConnID := []byte{5, 6, 7, 8}
	tc.conn.runOnLoop(func(now time.Time, c *Conn) {
		ok := c.admitInitial(now, longPacket{
			ptype:     packetTypeInitial,
			srcConnID: peerSrcConnID,
		})
		admitted = ok
	})
	tc.wait()

	if !admitted {
		t.Fatalf("admitInitial returned false under default RetryThreshold; want admission without a Retry")
	}
	if len(tc.sentDatagrams) != 0 {
		t.Fatalf("sentDatagrams = %v, want none (no Retry should be sent under threshold)", len(tc.sentDatagrams))
	}
	if got := tc.conn.connIDState.remote; len(got) != 1 || string(got[0].cid) != string(peerSrcConnID) {
		t.Fatalf("connIDState.remote = %v, want [{0 %v}]", got, peerSrcConnID)
	}
}
