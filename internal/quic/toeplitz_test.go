// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randKey(t *testing.T, n int) []byte {
	t.Helper()
	k := make([]byte, n)
	if _, err := rand.Read(k); err != nil {
		t.Fatal(err)
	}
	return k
}

func TestToeplitzDeterministic(t *testing.T) {
	key := randKey(t, toeplitzInputRSS+4)
	h1, err := newToeplitzHash(key, toeplitzInputRSS)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := newToeplitzHash(bytes.Clone(key), toeplitzInputRSS)
	if err != nil {
		t.Fatal(err)
	}
	input := randKey(t, toeplitzInputRSS)
	if h1.Hash(input) != h2.Hash(input) {
		t.Fatalf("same key + same input produced different hashes")
	}
}

func TestToeplitzXORComposition(t *testing.T) {
	key := randKey(t, toeplitzInputCID+4)
	h, err := newToeplitzHash(key, toeplitzInputCID)
	if err != nil {
		t.Fatal(err)
	}
	full := randKey(t, toeplitzInputCID)
	for split := 0; split <= len(full); split++ {
		a, b := full[:split], full[split:]
		got := h.compute(a, 0) ^ h.compute(b, split)
		want := h.compute(full, 0)
		if got != want {
			t.Fatalf("split=%d: compute(A,0)^compute(B,|A|) = %#x, want %#x", split, got, want)
		}
	}
}

func TestToeplitzEmptyInput(t *testing.T) {
	key := randKey(t, toeplitzInputRSS+4)
	h, err := newToeplitzHash(key, toeplitzInputRSS)
	if err != nil {
		t.Fatal(err)
	}
	if got := h.compute(nil, 0); got != 0 {
		t.Fatalf("compute(nil) = %#x, want 0", got)
	}
}

func TestToeplitzShortKeyRejected(t *testing.T) {
	if _, err := newToeplitzHash(make([]byte, toeplitzInputRSS), toeplitzInputRSS); err == nil {
		t.Fatalf("expected error for too-short key")
	}
}
