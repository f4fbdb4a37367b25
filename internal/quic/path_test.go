// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"net/netip"
	"testing"
)

func TestPathMaxDatagramSize(t *testing.T) {
	p := newPath(netip.MustParseAddrPort("127.0.0.1:443"))
	if got := p.maxDatagramSize(); got != initialMTU {
		t.Errorf("new path maxDatagramSize() = %v, want %v", got, initialMTU)
	}

	p.discoveredMTU(1450)
	if got := p.maxDatagramSize(); got != 1450 {
		t.Errorf("after discoveredMTU(1450), maxDatagramSize() = %v, want 1450", got)
	}

	// A smaller discovery never shrinks the path MTU: PMTUD only grows it.
	p.discoveredMTU(1400)
	if got := p.maxDatagramSize(); got != 1450 {
		t.Errorf("after discoveredMTU(1400), maxDatagramSize() = %v, want unchanged 1450", got)
	}
}

func TestPathValidation(t *testing.T) {
	p := newPath(netip.MustParseAddrPort("127.0.0.1:443"))
	if p.validated {
		t.Fatalf("new path validated = true, want false")
	}
	p.confirmValidated()
	if !p.validated {
		t.Errorf("after confirmValidated, validated = false, want true")
	}
}
