// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"bytes"
	"testing"
)

func TestBuildRetryPacketStructure(t *testing.T) {
	origDstConnID := []byte{1, 2, 3, 4}
	dstConnID := []byte{5, 6, 7, 8, 9}
	srcConnID := []byte{10, 11, 12}
	token := []byte("retry-token-bytes")

	pkt := buildRetryPacket(origDstConnID, dstConnID, srcConnID, token)

	if got, want := pkt[0]&(headerFormLong|headerFormFixed), byte(headerFormLong|headerFormFixed); got != want {
		t.Fatalf("header form/fixed bits = %#x, want %#x", got, want)
	}
	if got, want := (pkt[0]>>4)&0x3, byte(longTypeRetry); got != want {
		t.Fatalf("long packet type = %v, want %v (Retry)", got, want)
	}
	if !bytes.Equal(pkt[1:5], []byte{0, 0, 0, 1}) {
		t.Fatalf("version bytes = %v, want version 1", pkt[1:5])
	}

	off := 5
	if got := int(pkt[off]); got != len(dstConnID) {
		t.Fatalf("dst conn ID length = %v, want %v", got, len(dstConnID))
	}
	off++
	if !bytes.Equal(pkt[off:off+len(dstConnID)], dstConnID) {
		t.Fatalf("dst conn ID = %v, want %v", pkt[off:off+len(dstConnID)], dstConnID)
	}
	off += len(dstConnID)

	if got := int(pkt[off]); got != len(srcConnID) {
		t.Fatalf("src conn ID length = %v, want %v", got, len(srcConnID))
	}
	off++
	if !bytes.Equal(pkt[off:off+len(srcConnID)], srcConnID) {
		t.Fatalf("src conn ID = %v, want %v", pkt[off:off+len(srcConnID)], srcConnID)
	}
	off += len(srcConnID)

	if !bytes.Equal(pkt[off:off+len(token)], token) {
		t.Fatalf("token = %v, want %v", pkt[off:off+len(token)], token)
	}
	off += len(token)

	// What remains is the 16-byte AES-GCM integrity tag.
	if got, want := len(pkt)-off, 16; got != want {
		t.Fatalf("integrity tag length = %v, want %v", got, want)
	}
}

func TestBuildRetryPacketDeterministic(t *testing.T) {
	origDstConnID := []byte{1, 2, 3, 4}
	dstConnID := []byte{5, 6, 7, 8, 9}
	srcConnID := []byte{10, 11, 12}
	token := []byte("retry-token-bytes")

	a := buildRetryPacket(origDstConnID, dstConnID, srcConnID, token)
	b := buildRetryPacket(origDstConnID, dstConnID, srcConnID, token)
	if !bytes.Equal(a, b) {
		t.Fatalf("buildRetryPacket is not deterministic for identical inputs:\n%v\n%v", a, b)
	}
}

func TestBuildRetryPacketTagChangesWithOrigDstConnID(t *testing.T) {
	dstConnID := []byte{5, 6, 7, 8, 9}
	srcConnID := []byte{10, 11, 12}
	token := []byte("retry-token-bytes")

	a := buildRetryPacket([]byte{1, 2, 3, 4}, dstConnID, srcConnID, token)
	b := buildRetryPacket([]byte{9, 9, 9, 9}, dstConnID, srcConnID, token)

	tagA := a[len(a)-16:]
	tagB := b[len(b)-16:]
	if bytes.Equal(tagA, tagB) {
		t.Fatalf("integrity tag did not change when origDstConnID changed, proving it isn't bound into the AAD")
	}
}
