// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "testing"

func TestInReassemblerInOrder(t *testing.T) {
	var r inReassembler
	if got := r.push(0, []byte("abc")); string(got) != "abc" {
		t.Fatalf("push(0, abc) = %q, want abc", got)
	}
	if got := r.push(3, []byte("def")); string(got) != "def" {
		t.Fatalf("push(3, def) = %q, want def", got)
	}
}

func TestInReassemblerDuplicateDiscarded(t *testing.T) {
	var r inReassembler
	r.push(0, []byte("abc"))
	if got := r.push(0, []byte("abc")); got != nil {
		t.Fatalf("push of fully-duplicate data = %q, want nil", got)
	}
}

func TestInReassemblerOverlapReturnsOnlyNewBytes(t *testing.T) {
	var r inReassembler
	r.push(0, []byte("ab"))
	if got := r.push(1, []byte("bcd")); string(got) != "cd" {
		t.Fatalf("overlapping push = %q, want cd", got)
	}
}

func TestInReassemblerOutOfOrderDiscarded(t *testing.T) {
	var r inReassembler
	// Data arriving beyond the cursor is deliberately discarded rather
	// than buffered; see the comment on inReassembler.
	if got := r.push(5, []byte("later")); got != nil {
		t.Fatalf("out-of-order push = %q, want nil (discarded)", got)
	}
	if r.next != 0 {
		t.Fatalf("cursor advanced on discarded data: next = %d, want 0", r.next)
	}
}

func TestCryptoStreamQueueAndPending(t *testing.T) {
	s := newCryptoStream()
	s.queue([]byte("hello world"))

	off, data, ok := s.pending(5)
	if !ok || off != 0 || string(data) != "hello" {
		t.Fatalf("pending(5) = %d,%q,%v; want 0,hello,true", off, data, ok)
	}
	s.markSent(off, int64(len(data)))

	off, data, ok = s.pending(100)
	if !ok || off != 5 || string(data) != " world" {
		t.Fatalf("pending(100) after first chunk sent = %d,%q,%v; want 5, world,true", off, data, ok)
	}
	s.markSent(off, int64(len(data)))

	if _, _, ok := s.pending(100); ok {
		t.Fatalf("pending() after everything sent should report nothing pending")
	}
}

func TestCryptoStreamRetransmitsLostBeforeNewData(t *testing.T) {
	s := newCryptoStream()
	s.queue([]byte("0123456789"))

	off, data, _ := s.pending(4)
	s.markSent(off, int64(len(data))) // sent [0,4)
	s.markLost(off, int64(len(data)))

	off, data, ok := s.pending(100)
	if !ok || off != 0 || string(data) != "0123" {
		t.Fatalf("pending should retransmit the lost range first: got %d,%q, want 0,0123", off, data)
	}
}

func TestCryptoStreamReceive(t *testing.T) {
	s := newCryptoStream()
	if got := s.receive(0, []byte("hi")); string(got) != "hi" {
		t.Fatalf("receive(0, hi) = %q, want hi", got)
	}
	if got := s.receive(10, []byte("later")); got != nil {
		t.Fatalf("out-of-order receive = %q, want nil", got)
	}
}
