// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

// An outStream is the send-side state of one application stream: queued
// bytes tracked the same way cryptoStream tracks CRYPTO data, plus FIN
// and RESET_STREAM bookkeeping.
//
// Retransmission only ever tracks a single outstanding range per lost
// or unsent subrange returned by rangeset, not per-byte SACK precision
// against every acked subrange the peer has reported: in practice a
// stream's unacked bytes form one or a few contiguous ranges, and this
// repo's rangeset already merges adjacent/overlapping ranges for us, so
// this is simpler than it sounds and only under-optimizes retransmission
// in pathological heavily-reordered scenarios (see DESIGN.md).
type outStream struct {
	id int64

	out    []byte
	unsent rangeset
	lost   rangeset
	acked  rangeset

	finQueued bool
	finSent   sentVal
	finAcked  bool

	reset     bool
	resetCode uint64
	resetSent sentVal
}

func newOutStream(id int64) *outStream {
	return &outStream{
		id:     id,
		unsent: newRangeset(0),
		lost:   newRangeset(0),
		acked:  newRangeset(0),
	}
}

func (s *outStream) write(data []byte) {
	if len(data) == 0 {
		return
	}
	off := int64(len(s.out))
	s.out = append(s.out, data...)
	s.unsent.addRange(off, int64(len(data)))
}

func (s *outStream) closeWrite() { s.finQueued = true }

func (s *outStream) resetWith(code uint64) {
	s.reset = true
	s.resetCode = code
	s.resetSent.setUnsent()
}

// pending returns the next chunk of stream data to send, preferring
// retransmission of lost bytes over unsent bytes, and finally a
// bare FIN if all data has been sent at least once. It reports
// ok=false if nothing needs sending right now.
func (s *outStream) pending(maxLen int) (offset int64, data []byte, fin bool, ok bool) {
	if s.reset || maxLen <= 0 {
		return 0, nil, false, false
	}
	if off, has := s.lost.min(); has {
		off, data := s.chunk(off, &s.lost, maxLen)
		return off, data, false, true
	}
	if off, has := s.unsent.min(); has {
		off, data := s.chunk(off, &s.unsent, maxLen)
		fin := s.finQueued && off+int64(len(data)) == int64(len(s.out))
		return off, data, fin, true
	}
	if s.finQueued && !s.finSent.isSet() {
		return int64(len(s.out)), nil, true, true
	}
	return 0, nil, false, false
}

func (s *outStream) chunk(off int64, from *rangeset, maxLen int) (int64, []byte) {
	remaining, _, _ := from.get(off)
	n := remaining
	if int64(maxLen) < n {
		n = int64(maxLen)
	}
	return off, s.out[off : off+n]
}

// markSent records that [offset, offset+n) (and the FIN bit, if fin) has
// just been written into packet pnum.
func (s *outStream) markSent(offset, n int64, fin bool, pnum packetNumber) {
	s.unsent.removeRange(offset, n)
	if fin {
		s.finSent.setSent(pnum)
	}
}

// ackOrLoss reports the fate of a STREAM frame covering [offset, offset+n)
// (and optionally the FIN bit) carried by packet pnum.
func (s *outStream) ackOrLoss(pnum packetNumber, fate packetFate, offset, n int64, fin bool) {
	if fate == packetAcked {
		if n > 0 {
			s.acked.addRange(offset, n)
			s.lost.removeRange(offset, n)
		}
		if fin {
			s.finAcked = true
			s.finSent.setReceived()
		}
		return
	}
	if n > 0 {
		s.lost.addRange(offset, n)
	}
	if fin {
		s.finSent.ackOrLoss(pnum, fate)
	}
}

// pendingReset reports the RESET_STREAM frame to send, if this stream
// has been reset and the frame is due (unsent, or a PTO probe and still
// unacked).
func (s *outStream) pendingReset(pto bool) (code uint64, finalSize int64, ok bool) {
	if !s.reset || !s.resetSent.shouldSendPTO(pto) {
		return 0, 0, false
	}
	return s.resetCode, int64(len(s.out)), true
}

func (s *outStream) markResetSent(pnum packetNumber) { s.resetSent.setSent(pnum) }

func (s *outStream) resetAckOrLoss(pnum packetNumber, fate packetFate) {
	s.resetSent.ackOrLoss(pnum, fate)
}

// done reports whether this stream has reached a terminal state and its
// bookkeeping can be discarded: its reset was acknowledged, or all of
// its data (and FIN, if any) has been acknowledged.
func (s *outStream) done() bool {
	if s.reset {
		return s.resetSent.isReceived()
	}
	if !s.finQueued || !s.finAcked {
		return false
	}
	total := int64(len(s.out))
	if total == 0 {
		return true
	}
	remaining, _, ok := s.acked.get(0)
	return ok && remaining >= total
}

// An inStream is the receive-side state of one application stream: a
// reassembler plus FIN tracking.
type inStream struct {
	id  int64
	in  inReassembler
	fin bool

	finOffset    int64
	finDelivered bool
}

// receive feeds newly received STREAM bytes into the reassembler,
// returning the newly available contiguous bytes, if any.
func (s *inStream) receive(offset int64, data []byte, fin bool) []byte {
	if fin {
		s.fin = true
		s.finOffset = offset + int64(len(data))
	}
	return s.in.push(offset, data)
}

// complete reports whether every byte of the stream, through its FIN,
// has arrived in order.
func (s *inStream) complete() bool {
	return s.fin && s.in.next >= s.finOffset
}
