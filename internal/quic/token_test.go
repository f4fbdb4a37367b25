// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"net/netip"
	"testing"
	"time"
)

func newTestTokenValidator(t *testing.T) *tokenValidator {
	t.Helper()
	key, err := randomTokenKey()
	if err != nil {
		t.Fatalf("randomTokenKey: %v", err)
	}
	v, err := newTokenValidator(key)
	if err != nil {
		t.Fatalf("newTokenValidator: %v", err)
	}
	return v
}

func TestTokenRoundTrip(t *testing.T) {
	v := newTestTokenValidator(t)
	addr := netip.MustParseAddr("203.0.113.7")
	origCID := []byte{1, 2, 3, 4}

	tok, err := v.mintRetryToken(time.Now(), origCID, addr)
	if err != nil {
		t.Fatalf("mintRetryToken: %v", err)
	}
	res := v.validate(tok, addr)
	if !res.valid {
		t.Fatalf("expected valid token")
	}
	if string(res.originalDstConnID) != string(origCID) {
		t.Fatalf("originalDstConnID = %x, want %x", res.originalDstConnID, origCID)
	}
}

func TestTokenWrongAddressIsInvalid(t *testing.T) {
	v := newTestTokenValidator(t)
	issued := netip.MustParseAddr("203.0.113.7")
	other := netip.MustParseAddr("198.51.100.2")

	tok, err := v.mintRetryToken(time.Now(), []byte{9, 9}, issued)
	if err != nil {
		t.Fatalf("mintRetryToken: %v", err)
	}
	res := v.validate(tok, other)
	if res.valid {
		t.Fatalf("token minted for a different address should be invalid")
	}
}

func TestTokenCorruptedIsInvalidNotFatal(t *testing.T) {
	v := newTestTokenValidator(t)
	addr := netip.MustParseAddr("203.0.113.7")
	tok, err := v.mintRetryToken(time.Now(), []byte{1}, addr)
	if err != nil {
		t.Fatalf("mintRetryToken: %v", err)
	}
	tok[len(tok)-1] ^= 0xFF
	res := v.validate(tok, addr)
	if res.valid {
		t.Fatalf("corrupted token should be invalid")
	}
	// The critical policy: validate never panics or
	// errors, it just reports invalid.
}

func TestTokenNewTokenIsNotAddressValidating(t *testing.T) {
	v := newTestTokenValidator(t)
	addr := netip.MustParseAddr("203.0.113.7")
	tok, err := v.mintNewToken(time.Now(), addr)
	if err != nil {
		t.Fatalf("mintNewToken: %v", err)
	}
	res := v.validate(tok, addr)
	if res.valid {
		t.Fatalf("NEW_TOKEN tokens must never be reported valid for address validation")
	}
	if !res.isNewToken {
		t.Fatalf("expected isNewToken = true")
	}
}

func TestTokenGarbageBytesAreInvalid(t *testing.T) {
	v := newTestTokenValidator(t)
	addr := netip.MustParseAddr("203.0.113.7")
	res := v.validate([]byte{1, 2, 3}, addr)
	if res.valid {
		t.Fatalf("short garbage input should be invalid")
	}
}
