// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "fmt"

// A packetNumber is a QUIC packet number.
// Packet numbers are 62-bit unsigned integers, but we use int64
// throughout so -1 can represent "no packet number yet".
type packetNumber int64

const maxPacketNumber = packetNumber(1<<62 - 1)

// A numberSpace is one of the three packet number spaces defined by RFC 9000.
type numberSpace int

const (
	initialSpace = numberSpace(iota)
	handshakeSpace
	appDataSpace
	numberSpaceCount
)

func (s numberSpace) String() string {
	switch s {
	case initialSpace:
		return "Initial"
	case handshakeSpace:
		return "Handshake"
	case appDataSpace:
		return "1-RTT"
	default:
		return fmt.Sprintf("numberSpace(%d)", int(s))
	}
}

// A connSide is the role a Conn plays: client or server.
type connSide int8

const (
	clientSide = connSide(iota)
	serverSide
)

func (s connSide) String() string {
	if s == clientSide {
		return "client"
	}
	return "server"
}

// A ccLimit describes whether, and why, congestion control or
// anti-amplification currently limits sending.
type ccLimit int8

const (
	// ccOK indicates sending is permitted.
	ccOK = ccLimit(iota)
	// ccLimited indicates congestion control or pacing limits sending,
	// but ACK-only packets may still be sent.
	ccLimited
	// ccBlocked indicates anti-amplification blocks sending anything at all.
	ccBlocked
)

// A packetFate is the final disposition of a sent packet.
type packetFate int8

const (
	packetAcked = packetFate(iota)
	packetLost
	packetDiscarded
)

// A connState is a Conn's position in the connection lifecycle.
type connState int8

const (
	stateInitialized = connState(iota)
	stateHandshake
	stateConnected
	stateClosing
	stateDraining
	stateTerminal
)

func (s connState) String() string {
	switch s {
	case stateInitialized:
		return "initialized"
	case stateHandshake:
		return "handshake"
	case stateConnected:
		return "connected"
	case stateClosing:
		return "closing"
	case stateDraining:
		return "draining"
	case stateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("connState(%d)", int(s))
	}
}
