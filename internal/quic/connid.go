// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "crypto/rand"

// localConnIDLen is the length, in bytes, of connection IDs this engine
// generates for itself. RFC 9000 allows 0-20 byte CIDs of the local
// endpoint's choosing; a fixed length keeps short-header parsing simple,
// matching the common production choice (x/net/internal/quic and quic-go
// both default to a fixed length).
const localConnIDLen = 8

// maxCIDLength is the maximum encodable connection ID length (RFC 9000
// Section 17.2), used by the token validator.
const maxCIDLength = 20

// a connID pairs a sequence number with the octets of one connection ID
// this endpoint advertises to its peer, or that the peer has given it.
// seq -1 marks the transient, pre-negotiation local CID.
type connID struct {
	seq int64
	cid []byte
}

// connIDState tracks the connection IDs in use for one Conn: those we
// generated for the peer to address us by (local) and those the peer
// generated for us to address them by (remote). conn_send.go calls
// c.connIDState.dstConnID()/srcConnID(); this is the type those calls
// assume.
type connIDState struct {
	local  []connID // seq -1 holds the transient (pre-negotiation) local CID
	remote []connID
}

// dstConnID returns the connection ID to use as the destination CID on
// outbound packets: the most recently issued remote CID.
func (s *connIDState) dstConnID() []byte {
	if len(s.remote) == 0 {
		return nil
	}
	return s.remote[len(s.remote)-1].cid
}

// srcConnID returns the connection ID to use as the source CID on
// outbound long-header packets.
func (s *connIDState) srcConnID() []byte {
	if len(s.local) == 0 {
		return nil
	}
	return s.local[len(s.local)-1].cid
}

// init sets up the initial local and remote connection IDs for a new
// Conn. dstConnID is the destination CID used to derive Initial packet
// protection keys: for a client it is a CID the client picks itself; for
// a server it is the CID the client already chose (carried in the
// client's first Initial packet).
func (s *connIDState) init(side connSide, dstConnID []byte) error {
	localCID, err := newRandomConnID()
	if err != nil {
		return err
	}
	switch side {
	case clientSide:
		s.local = []connID{{seq: 0, cid: localCID}}
		s.remote = []connID{{seq: 0, cid: dstConnID}}
	case serverSide:
		// The server's real source CID is issued once the handshake
		// negotiates one; until then it responds using a transient CID
		// (seq -1). The client's source CID becomes the remote entry
		// once the server processes the client's first Initial packet.
		s.local = []connID{{seq: -1, cid: localCID}}
	}
	return nil
}

func newRandomConnID() ([]byte, error) {
	id := make([]byte, localConnIDLen)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	return id, nil
}
