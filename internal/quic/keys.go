// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// aeadOverhead is the AEAD tag size added to every protected packet;
// aeadOverheadFor (packet_writer.go) uses 0 instead when encryption is
// disabled for testing.
const aeadOverhead = 16

// quicVersion1InitialSalt is the salt used to derive Initial secrets for
// QUIC version 1 (RFC 9001, Section 5.2). Kept here because Initial keys
// are the one key epoch this engine derives itself rather than receiving
// it from the TLS oracle.
var quicVersion1InitialSalt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0a,
}

// A keys holds the read or write key material for one packet-number
// space and direction: an AEAD suite for packet protection and a
// separate header-protection key.
//
// The zero value is not set (isSet reports false); keys are installed
// either by deriveInitialKeys (Initial space, computed locally from the
// destination connection ID) or by installTrafficSecret (Handshake and
// 1-RTT spaces, handed to us by the TLS oracle).
type keys struct {
	suite    suiteID
	aead     cipher.AEAD
	hpKey    []byte
	ivMask   []byte // base IV, XORed with the packet number to form the nonce
}

type suiteID int8

const (
	suiteAES128GCM = suiteID(iota)
	suiteChaCha20Poly1305
)

func (k keys) isSet() bool { return k.aead != nil }

// hkdfExpandLabel implements RFC 8446's HKDF-Expand-Label, the primitive
// both Initial secret derivation and per-packet key/iv/hp derivation are
// built from (RFC 9001, Section 5.1). This and deriveInitialKeys are the
// only places this engine touches TLS key schedule; beyond this the TLS
// provider is treated as an opaque oracle.
func hkdfExpandLabel(secret []byte, label string, length int) []byte {
	var info []byte
	info = appendVarint(info, uint64(length))
	full := "tls13 " + label
	info = append(info, byte(len(full)))
	info = append(info, full...)
	info = append(info, 0) // empty context
	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, info)
	r.Read(out)
	return out
}

func newAESKeys(secret []byte) keys {
	key := hkdfExpandLabel(secret, "quic key", 16)
	iv := hkdfExpandLabel(secret, "quic iv", 12)
	hp := hkdfExpandLabel(secret, "quic hp", 16)
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err) // key is always 16 bytes; cannot fail
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	return keys{suite: suiteAES128GCM, aead: aead, hpKey: hp, ivMask: iv}
}

func newChaChaKeys(secret []byte) keys {
	key := hkdfExpandLabel(secret, "quic key", chacha20poly1305.KeySize)
	iv := hkdfExpandLabel(secret, "quic iv", chacha20poly1305.NonceSize)
	hp := hkdfExpandLabel(secret, "quic hp", chacha20.KeySize)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		panic(err)
	}
	return keys{suite: suiteChaCha20Poly1305, aead: aead, hpKey: hp, ivMask: iv}
}

// deriveInitialKeys derives the Initial read/write key pairs from the
// client's chosen destination connection ID (RFC 9001, Section 5.2). Both
// endpoints run this locally; it is the one key derivation in this engine
// that is not mediated by the TLS oracle.
func deriveInitialKeys(dstConnID []byte) (clientKeys, serverKeys keys) {
	initialSecret := hkdf.Extract(sha256.New, dstConnID, quicVersion1InitialSalt)
	clientSecret := hkdfExpandLabel(initialSecret, "client in", sha256.Size)
	serverSecret := hkdfExpandLabel(initialSecret, "server in", sha256.Size)
	return newAESKeys(clientSecret), newAESKeys(serverSecret)
}

// nonce computes the per-packet AEAD nonce: the IV with the packet
// number XORed into its low bytes (RFC 9001, Section 5.3).
func (k keys) nonce(num packetNumber) []byte {
	n := append([]byte(nil), k.ivMask...)
	var pn [8]byte
	binary.BigEndian.PutUint64(pn[:], uint64(num))
	for i := 0; i < 8; i++ {
		n[len(n)-8+i] ^= pn[i]
	}
	return n
}

// headerProtectionMask computes the 5-byte header-protection mask from
// the first 16 (AES) or 4+12 (ChaCha20, sample used as a counter+nonce)
// bytes of sample, per RFC 9001 Section 5.4.
func (k keys) headerProtectionMask(sample []byte) [5]byte {
	var mask [5]byte
	switch k.suite {
	case suiteAES128GCM:
		block, err := aes.NewCipher(k.hpKey)
		if err != nil {
			panic(err)
		}
		var out [16]byte
		block.Encrypt(out[:], sample)
		copy(mask[:], out[:5])
	case suiteChaCha20Poly1305:
		counter := binary.LittleEndian.Uint32(sample[:4])
		nonce := sample[4:16]
		c, err := chacha20.NewUnauthenticatedCipher(k.hpKey, nonce)
		if err != nil {
			panic(err)
		}
		c.SetCounter(counter)
		var zero [5]byte
		c.XORKeyStream(mask[:], zero[:])
	}
	return mask
}
