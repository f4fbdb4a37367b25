// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"testing"
	"time"
)

func TestQueueCryptoDataSendsCryptoFrame(t *testing.T) {
	tc := newTestConn(t, clientSide)
	tc.ignoreFrame(frameTypeAck)
	tc.ignoreFrame(frameTypePadding)

	if err := tc.conn.QueueCryptoData(initialSpace, []byte("hello")); err != nil {
		t.Fatalf("QueueCryptoData: %v", err)
	}
	tc.wantFrame("queued Initial CRYPTO data should be sent",
		packetTypeInitial,
		debugFrameCrypto{offset: 0, data: []byte("hello")})
}

// installAppDataKeys gives the test Conn 1-RTT keys without driving a full
// handshake, the way tests elsewhere poke package-internal state directly
// rather than simulating TLS (which is out of scope for this engine). It
// mirrors the same keys into the test harness's own rkeys/wkeys so the test
// can decrypt what the conn sends and encrypt what it feeds the conn.
func installAppDataKeys(tc *testConn) {
	tc.t.Helper()
	a, b := deriveInitialKeys([]byte{0xaa, 0xbb, 0xcc, 0xdd})
	write, read := a, b
	if tc.conn.side != clientSide {
		write, read = b, a
	}
	tc.conn.runOnLoop(func(now time.Time, c *Conn) {
		c.installTrafficSecret(now, appDataSpace, write, read)
	})
	tc.wait()
	tc.wkeys[appDataSpace] = write
	tc.rkeys[appDataSpace] = read
}

func TestWriteStreamSendsStreamFrame(t *testing.T) {
	tc := newTestConn(t, clientSide)
	tc.ignoreFrame(frameTypeAck)
	installAppDataKeys(tc)

	if err := tc.conn.WriteStream(4, []byte("payload"), true); err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	tc.wantFrame("queued stream data should be sent",
		packetType1RTT,
		debugFrameStream{id: 4, off: 0, data: []byte("payload"), fin: true})
}

func TestResetStreamSendsResetStreamFrame(t *testing.T) {
	tc := newTestConn(t, clientSide)
	tc.ignoreFrame(frameTypeAck)
	installAppDataKeys(tc)

	if err := tc.conn.WriteStream(8, []byte("abc"), false); err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	tc.wantFrame("data queued before the reset should still go out first",
		packetType1RTT,
		debugFrameStream{id: 8, off: 0, data: []byte("abc"), fin: false})

	if err := tc.conn.ResetStream(8, 0x42); err != nil {
		t.Fatalf("ResetStream: %v", err)
	}
	tc.wantFrame("RESET_STREAM should be sent once the stream is reset",
		packetType1RTT,
		debugFrameResetStream{id: 8, errorCode: 0x42, finalSize: 3})
}

func TestCloseWithErrorSendsConnectionCloseAtEveryLiveSpace(t *testing.T) {
	tc := newTestConn(t, clientSide)
	tc.ignoreFrame(frameTypeAck)
	installAppDataKeys(tc)

	if err := tc.conn.CloseWithError(0x1, "bye"); err != nil {
		t.Fatalf("CloseWithError: %v", err)
	}

	d := tc.readDatagram()
	if d == nil {
		t.Fatalf("CloseWithError should send a datagram; got none")
	}
	var gotSpaces []numberSpace
	for _, p := range d.packets {
		for _, f := range p.frames {
			if cc, ok := f.(debugFrameConnectionClose); ok {
				if cc.errorCode != 0x1 || cc.reason != "bye" {
					t.Fatalf("CONNECTION_CLOSE = %+v, want code=1 reason=bye", cc)
				}
				gotSpaces = append(gotSpaces, spaceForPacketType(p.ptype))
			}
		}
	}
	if len(gotSpaces) != 2 {
		t.Fatalf("CONNECTION_CLOSE sent in %d spaces (%v), want 2 (Initial and 1-RTT)", len(gotSpaces), gotSpaces)
	}
	if tc.conn.state != stateClosing {
		t.Fatalf("state after CloseWithError = %v, want stateClosing", tc.conn.state)
	}
}

func TestReceivedConnectionCloseEntersDraining(t *testing.T) {
	tc := newTestConn(t, serverSide)
	tc.writeFrames(packetTypeInitial, debugFrameConnectionClose{errorCode: 0, reason: "done"})

	tc.conn.runOnLoop(func(now time.Time, c *Conn) {
		if c.state != stateDraining {
			t.Errorf("state after receiving CONNECTION_CLOSE = %v, want stateDraining", c.state)
		}
		if c.closeDeadline.IsZero() {
			t.Errorf("closeDeadline not set after entering draining")
		}
	})
	tc.wait()
}

func TestDrainingConnSendsNothing(t *testing.T) {
	tc := newTestConn(t, serverSide)
	tc.writeFrames(packetTypeInitial, debugFrameConnectionClose{errorCode: 0, reason: "done"})
	tc.wantIdle("a draining connection must not send anything")
}
