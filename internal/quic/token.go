// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// tokenKeyLifetime is the nominal lifetime of a server-side token key.
// Nothing in this package reads it or rotates keys; callers of
// newTokenValidator decide the rotation cadence.
const tokenKeyLifetime = 24 * time.Hour

// retryTokenPlaintextLen is the expected length of a decrypted RETRY token payload:
// a 1-byte kind tag, an 8-byte issue timestamp, a 1-byte original
// connection ID length, up to maxCIDLength bytes of that connection ID,
// and the 16/18-byte address the token is bound to (we always encode a
// 16-byte netip.Addr, v4-in-v6 mapped, to keep the layout fixed-size).
const retryTokenPlaintextLen = 1 + 8 + 1 + maxCIDLength + 16

const (
	tokenKindRetry    = byte(0)
	tokenKindNewToken = byte(1)
)

// A tokenValidator implements: decrypting and checking
// RETRY/NEW_TOKEN tokens without ever allowing an invalid token to abort
// connection creation.
type tokenValidator struct {
	aead cipher.AEAD
}

func newTokenValidator(key []byte) (*tokenValidator, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &tokenValidator{aead: aead}, nil
}

func randomTokenKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// tokenValidationResult is the outcome of Validate:
// contract never surfaces a hard error to the caller, only this result,
// so an invalid token can never fail the connection attempt.
type tokenValidationResult struct {
	valid             bool
	isNewToken        bool
	originalDstConnID []byte
}

// mintRetryToken produces an encrypted RETRY token binding origConnID to
// remoteAddr at the current time.
func (v *tokenValidator) mintRetryToken(now time.Time, origConnID []byte, remoteAddr netip.Addr) ([]byte, error) {
	return v.mint(now, tokenKindRetry, origConnID, remoteAddr)
}

// mintNewToken produces an encrypted NEW_TOKEN token for future use by
// the client. NEW_TOKEN tokens carry no original
// connection ID (not address-validation tokens in the RETRY sense) but
// share the same wire layout for simplicity; is_new_token distinguishes
// them on decrypt.
func (v *tokenValidator) mintNewToken(now time.Time, remoteAddr netip.Addr) ([]byte, error) {
	return v.mint(now, tokenKindNewToken, nil, remoteAddr)
}

func (v *tokenValidator) mint(now time.Time, kind byte, origConnID []byte, remoteAddr netip.Addr) ([]byte, error) {
	if len(origConnID) > maxCIDLength {
		panic("BUG: original connection ID too long for token encoding")
	}
	plain := make([]byte, 0, retryTokenPlaintextLen)
	plain = append(plain, kind)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(now.UnixNano()))
	plain = append(plain, ts[:]...)
	plain = append(plain, byte(len(origConnID)))
	var cidBuf [maxCIDLength]byte
	copy(cidBuf[:], origConnID)
	plain = append(plain, cidBuf[:]...)
	addr16 := remoteAddr.As16()
	plain = append(plain, addr16[:]...)

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := v.aead.Seal(nil, nonce, plain, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// validate implements decision table exactly. It never
// returns an error: decrypt failure, bad length, and every other
// rejection reason all collapse to a false valid flag, per the "must not
// cause the packet to be dropped nor the connection attempt to fail"
// policy.
func (v *tokenValidator) validate(tokenBytes []byte, sourceAddr netip.Addr) tokenValidationResult {
	nonceLen := v.aead.NonceSize()
	if len(tokenBytes) < nonceLen+v.aead.Overhead() {
		return tokenValidationResult{}
	}
	nonce := tokenBytes[:nonceLen]
	ciphertext := tokenBytes[nonceLen:]
	plain, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return tokenValidationResult{} // decrypt failure -> invalid
	}
	if len(plain) != retryTokenPlaintextLen {
		return tokenValidationResult{} // unexpected length -> invalid
	}
	kind := plain[0]
	if kind == tokenKindNewToken {
		// NEW_TOKEN is not address-bound: invalid for address-validation
		// purposes, but decoded so callers can still log/observe it.
		return tokenValidationResult{isNewToken: true}
	}
	origLen := int(plain[9])
	if origLen > maxCIDLength {
		return tokenValidationResult{}
	}
	orig := append([]byte(nil), plain[10:10+origLen]...)

	var encodedAddr [16]byte
	copy(encodedAddr[:], plain[10+maxCIDLength:10+maxCIDLength+16])
	tokenAddr := netip.AddrFrom16(encodedAddr)
	if tokenAddr.As16() != sourceAddr.As16() {
		return tokenValidationResult{}
	}
	return tokenValidationResult{valid: true, originalDstConnID: orig}
}
