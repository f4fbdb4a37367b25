// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "net/netip"

// A path holds the per-network-path state for a Conn: the negotiated MTU,
// RTT estimate, and address-validation progress. Path migration beyond
// this bookkeeping is out of scope; every Conn has exactly one path for
// its lifetime.
type path struct {
	addr netip.AddrPort
	mtu  int

	rtt rttStats

	// validated is set once this path has demonstrated that the peer can
	// receive at the address it claims: we received a packet protected
	// with Handshake (or later) keys from it.
	validated bool
}

func newPath(addr netip.AddrPort) *path {
	return &path{
		addr: addr,
		mtu:  initialMTU,
		rtt:  newRTTStats(),
	}
}

func (p *path) confirmValidated() { p.validated = true }

// maxDatagramSize returns the largest datagram this path currently
// permits sending, capped by the negotiated MTU.
func (p *path) maxDatagramSize() int {
	if p.mtu < minMTU {
		return minMTU
	}
	return p.mtu
}

func (p *path) discoveredMTU(size int) {
	if size > p.mtu {
		p.mtu = size
	}
}
