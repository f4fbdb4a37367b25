// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "testing"

func TestOutStreamWriteAndSend(t *testing.T) {
	s := newOutStream(4)
	s.write([]byte("abc"))

	off, data, fin, ok := s.pending(100)
	if !ok || off != 0 || string(data) != "abc" || fin {
		t.Fatalf("pending = %d,%q,%v,%v; want 0,abc,false,true", off, data, fin, ok)
	}
	s.markSent(off, int64(len(data)), fin, 1)

	if _, _, _, ok := s.pending(100); ok {
		t.Fatalf("pending() with nothing new to send should report false")
	}
}

func TestOutStreamFinSentOnLastChunk(t *testing.T) {
	s := newOutStream(4)
	s.write([]byte("abc"))
	s.closeWrite()

	off, data, fin, ok := s.pending(100)
	if !ok || off != 0 || string(data) != "abc" || !fin {
		t.Fatalf("pending = %d,%q,%v,%v; want 0,abc,true,true", off, data, fin, ok)
	}
}

func TestOutStreamDoneOnceFinAcked(t *testing.T) {
	s := newOutStream(4)
	s.write([]byte("abc"))
	s.closeWrite()

	off, data, fin, _ := s.pending(100)
	s.markSent(off, int64(len(data)), fin, 1)
	if s.done() {
		t.Fatalf("done() before ack, want false")
	}
	s.ackOrLoss(1, packetAcked, off, int64(len(data)), fin)
	if !s.done() {
		t.Fatalf("done() after fin+data acked, want true")
	}
}

func TestOutStreamLossRequeuesData(t *testing.T) {
	s := newOutStream(4)
	s.write([]byte("abcdef"))
	off, data, fin, _ := s.pending(3)
	s.markSent(off, int64(len(data)), fin, 1)

	s.ackOrLoss(1, packetLost, off, int64(len(data)), fin)

	off2, data2, _, ok := s.pending(100)
	if !ok || off2 != off || string(data2) != string(data) {
		t.Fatalf("pending after loss = %d,%q; want retransmission of %d,%q", off2, data2, off, data)
	}
}

func TestOutStreamResetSupersedesData(t *testing.T) {
	s := newOutStream(4)
	s.write([]byte("abc"))
	s.resetWith(0x11)

	if _, _, _, ok := s.pending(100); ok {
		t.Fatalf("pending() on a reset stream should never return data frames")
	}
	code, finalSize, ok := s.pendingReset(false)
	if !ok || code != 0x11 || finalSize != 3 {
		t.Fatalf("pendingReset = %d,%d,%v; want 0x11,3,true", code, finalSize, ok)
	}
	s.markResetSent(5)
	if s.done() {
		t.Fatalf("done() before reset acked, want false")
	}
	s.resetAckOrLoss(5, packetAcked)
	if !s.done() {
		t.Fatalf("done() after reset acked, want true")
	}
}

func TestInStreamReassemblyAndFin(t *testing.T) {
	s := &inStream{id: 9}
	if got := s.receive(0, []byte("ab"), false); string(got) != "ab" {
		t.Fatalf("receive = %q, want ab", got)
	}
	if s.complete() {
		t.Fatalf("complete() before fin, want false")
	}
	if got := s.receive(2, []byte("c"), true); string(got) != "c" {
		t.Fatalf("receive with fin = %q, want c", got)
	}
	if !s.complete() {
		t.Fatalf("complete() after fin and all bytes received, want true")
	}
}
