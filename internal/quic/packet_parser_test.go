// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"bytes"
	"testing"
)

func TestParseLongHeaderPacketRoundTrip(t *testing.T) {
	dstConnID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	srcConnID := []byte{8, 7, 6, 5, 4, 3, 2, 1}
	clientKeys, serverKeys := deriveInitialKeys(dstConnID)

	var w packetWriter
	w.reset(2000)
	p := longPacket{
		ptype:     packetTypeInitial,
		version:   1,
		num:       7,
		dstConnID: dstConnID,
		srcConnID: srcConnID,
	}
	w.startProtectedLongHeaderPacket(-1, p)
	if !w.appendCryptoFrame(0, []byte("client hello bytes")) {
		t.Fatalf("appendCryptoFrame failed")
	}
	sent := w.finishProtectedLongHeaderPacket(-1, clientKeys, p)
	if sent == nil {
		t.Fatalf("finishProtectedLongHeaderPacket returned nil")
	}
	buf := w.datagram()

	got, n := parseLongHeaderPacket(buf, serverKeys, -1)
	if n != len(buf) {
		t.Fatalf("parseLongHeaderPacket consumed %v bytes, want %v", n, len(buf))
	}
	if got.num != 7 {
		t.Errorf("parsed packet number = %v, want 7", got.num)
	}
	if !bytes.Equal(got.dstConnID, dstConnID) {
		t.Errorf("parsed dst conn id = %x, want %x", got.dstConnID, dstConnID)
	}
	if !bytes.Equal(got.srcConnID, srcConnID) {
		t.Errorf("parsed src conn id = %x, want %x", got.srcConnID, srcConnID)
	}
	if f, fn := parseDebugFrame(got.payload); fn < 0 {
		t.Errorf("parseDebugFrame on recovered payload failed")
	} else if _, ok := f.(debugFrameCrypto); !ok {
		t.Errorf("recovered frame = %T, want debugFrameCrypto", f)
	}
}

func TestParse1RTTPacketRoundTrip(t *testing.T) {
	dstConnID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	k := newAESKeys(bytes.Repeat([]byte{0x42}, 32))

	var w packetWriter
	w.reset(2000)
	w.start1RTTPacket(100, 90, dstConnID)
	if !w.appendPingFrame() {
		t.Fatalf("appendPingFrame failed")
	}
	if sent := w.finish1RTTPacket(100, 90, dstConnID, k); sent == nil {
		t.Fatalf("finish1RTTPacket returned nil")
	}
	buf := w.datagram()

	got, n := parse1RTTPacket(buf, k, len(dstConnID), 90)
	if n != len(buf) {
		t.Fatalf("parse1RTTPacket consumed %v bytes, want %v", n, len(buf))
	}
	if got.num != 100 {
		t.Errorf("parsed packet number = %v, want 100", got.num)
	}
	if f, fn := parseDebugFrame(got.payload); fn < 0 {
		t.Errorf("parseDebugFrame on recovered payload failed")
	} else if _, ok := f.(debugFramePing); !ok {
		t.Errorf("recovered frame = %T, want debugFramePing", f)
	}
}

func TestParseLongHeaderPacketTruncated(t *testing.T) {
	dstConnID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	clientKeys, serverKeys := deriveInitialKeys(dstConnID)

	var w packetWriter
	w.reset(2000)
	p := longPacket{ptype: packetTypeInitial, version: 1, num: 1, dstConnID: dstConnID}
	w.startProtectedLongHeaderPacket(-1, p)
	w.appendPingFrame()
	w.finishProtectedLongHeaderPacket(-1, clientKeys, p)
	buf := w.datagram()

	if _, n := parseLongHeaderPacket(buf[:len(buf)-1], serverKeys, -1); n >= 0 {
		t.Errorf("parsing truncated datagram succeeded, want failure")
	}
}
