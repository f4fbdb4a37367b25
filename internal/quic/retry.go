// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"crypto/aes"
	"crypto/cipher"
)

// retryIntegrityKey and retryIntegrityNonce are the fixed AEAD key and
// nonce used to authenticate Retry packets (RFC 9001, Section 5.8):
// the same constant for every connection, since a Retry packet has no
// connection-specific keys yet.
var (
	retryIntegrityKey   = []byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
	retryIntegrityNonce = []byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}
)

// buildRetryPacket constructs a Retry packet (RFC 9000, Section 17.2.5):
// a header with no packet number or length field, carrying the address
// validation token, closed with the fixed-key integrity tag.
func buildRetryPacket(origDstConnID, dstConnID, srcConnID, token []byte) []byte {
	buf := make([]byte, 0, 8+len(dstConnID)+len(srcConnID)+len(token)+16)
	buf = append(buf, headerFormLong|headerFormFixed|(longTypeRetry<<4))
	buf = append(buf, 0, 0, 0, 1) // version 1
	buf = append(buf, byte(len(dstConnID)))
	buf = append(buf, dstConnID...)
	buf = append(buf, byte(len(srcConnID)))
	buf = append(buf, srcConnID...)
	buf = append(buf, token...)

	block, err := aes.NewCipher(retryIntegrityKey)
	if err != nil {
		panic(err) // fixed 16-byte key; cannot fail
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	aad := make([]byte, 0, 1+len(origDstConnID)+len(buf))
	aad = append(aad, byte(len(origDstConnID)))
	aad = append(aad, origDstConnID...)
	aad = append(aad, buf...)
	tag := aead.Seal(nil, retryIntegrityNonce, nil, aad)
	return append(buf, tag...)
}
