// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

// A rangeset is a set of 64-bit integers, represented as a sorted,
// non-overlapping, non-touching sequence of (low, count) subranges.
//
// It is used to track received packet numbers (the ACK tracker, acks.go)
// and, during loss detection, acknowledged ranges. Instances never
// allocate in steady state: small sets live in an inline array and only
// spill to a heap-allocated backing slice once they exceed it.
type rangeset struct {
	// r holds the subranges, sorted by low, no two overlapping or touching:
	// for all i, r[i].low+r[i].count < r[i+1].low.
	r []ranElem

	// inline is used as the backing array for r while len(r) <= len(inline).
	inline [rangesetInlineSize]ranElem

	// maxSize bounds the number of subranges retained; 0 means unbounded.
	maxSize int
}

// rangesetInlineSize is the number of subranges held without allocating.
const rangesetInlineSize = 4

type ranElem struct {
	low   int64
	count int64 // number of values in [low, low+count)
}

func (e ranElem) high() int64 { return e.low + e.count }

// newRangeset returns a rangeset with storage already pointed at the
// inline array and the given maximum number of subranges (0 = unbounded).
func newRangeset(maxSize int) rangeset {
	var s rangeset
	s.maxSize = maxSize
	s.r = s.inline[:0]
	return s
}

func (s *rangeset) size() int { return len(s.r) }

func (s *rangeset) isEmpty() bool { return len(s.r) == 0 }

// min returns the smallest value in the set, or false if the set is empty.
func (s *rangeset) min() (int64, bool) {
	if len(s.r) == 0 {
		return 0, false
	}
	return s.r[0].low, true
}

// max returns the largest value in the set, or false if the set is empty.
func (s *rangeset) max() (int64, bool) {
	if len(s.r) == 0 {
		return 0, false
	}
	return s.r[len(s.r)-1].high() - 1, true
}

// contains reports whether v is in the set.
func (s *rangeset) contains(v int64) bool {
	i := s.search(v)
	return i < len(s.r) && s.r[i].low <= v && v < s.r[i].high()
}

// get returns (count from v to the end of the subrange containing v,
// whether that subrange is the last one), or (0, false) if v is absent.
func (s *rangeset) get(v int64) (remaining int64, isLast bool, ok bool) {
	i := s.search(v)
	if i >= len(s.r) || s.r[i].low > v || v >= s.r[i].high() {
		return 0, false, false
	}
	return s.r[i].high() - v, i == len(s.r)-1, true
}

// search returns the index of the first subrange whose high() > v,
// i.e. the subrange that might contain v, or where it would be inserted.
func (s *rangeset) search(v int64) int {
	lo, hi := 0, len(s.r)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.r[mid].high() <= v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// add adds a single value to the set.
// It returns whether the set changed.
func (s *rangeset) add(v int64) bool {
	return s.addRange(v, 1)
}

// addRange adds [low, low+count) to the set, merging with any
// overlapping or adjacent neighbours. It returns whether the set changed.
func (s *rangeset) addRange(low, count int64) bool {
	if count <= 0 {
		return false
	}
	high := low + count
	i := s.search(low)
	// Find the range of existing elements that overlap or touch [low, high).
	j := i
	for j < len(s.r) && s.r[j].low <= high {
		if s.r[j].high() < low {
			break
		}
		j++
	}
	if i < j {
		if s.r[i].low < low {
			low = s.r[i].low
		}
		if s.r[j-1].high() > high {
			high = s.r[j-1].high()
		}
		if s.r[i].low == low && s.r[j-1].high() == high {
			// No change: [low,high) was already fully covered.
			return false
		}
		s.r[i] = ranElem{low: low, count: high - low}
		s.r = append(s.r[:i+1], s.r[j:]...)
	} else {
		s.r = append(s.r, ranElem{})
		copy(s.r[i+1:], s.r[i:])
		s.r[i] = ranElem{low: low, count: count}
	}
	s.ageOut()
	return true
}

// ageOut drops the smallest subrange (ties broken by lowest low) until
// the set holds at most maxSize subranges. It never fails: the
// operation that triggered growth still succeeds.
func (s *rangeset) ageOut() {
	if s.maxSize <= 0 {
		return
	}
	for len(s.r) > s.maxSize {
		smallest := 0
		for i := 1; i < len(s.r); i++ {
			if s.r[i].count < s.r[smallest].count ||
				(s.r[i].count == s.r[smallest].count && s.r[i].low < s.r[smallest].low) {
				smallest = i
			}
		}
		s.r = append(s.r[:smallest], s.r[smallest+1:]...)
	}
}

// removeRange removes [low, low+count) from the set.
// It never fails: absent input is a no-op.
func (s *rangeset) removeRange(low, count int64) {
	if count <= 0 {
		return
	}
	high := low + count
	out := s.r[:0]
	for _, e := range s.r {
		switch {
		case e.high() <= low || e.low >= high:
			// No overlap.
			out = append(out, e)
		case e.low < low && e.high() > high:
			// Removal splits this subrange in two.
			out = append(out, ranElem{low: e.low, count: low - e.low})
			out = append(out, ranElem{low: high, count: e.high() - high})
		case e.low < low:
			// Trim the tail.
			out = append(out, ranElem{low: e.low, count: low - e.low})
		case e.high() > high:
			// Trim the head.
			out = append(out, ranElem{low: high, count: e.high() - high})
		default:
			// Fully removed.
		}
	}
	s.r = out
}

// setMinimum removes all values less than m, trimming the leading subrange.
func (s *rangeset) setMinimum(m int64) {
	i := 0
	for i < len(s.r) && s.r[i].high() <= m {
		i++
	}
	s.r = s.r[i:]
	if len(s.r) > 0 && s.r[0].low < m {
		s.r[0].count = s.r[0].high() - m
		s.r[0].low = m
	}
}

// rangesetInitialCap is the capacity that shrink restores the inline
// buffer to, and the threshold compact compares against.
const rangesetInitialCap = rangesetInlineSize

// compact merges any adjacent/overlapping subranges left over by a
// sequence of operations, and shrinks the backing storage when usage
// falls below 1/8 of capacity and capacity is at least 4x the inline
// threshold.
func (s *rangeset) compact() {
	out := s.r[:0]
	for _, e := range s.r {
		if n := len(out); n > 0 && e.low <= out[n-1].high() {
			// Merge with the previous subrange.
			//
			// NOTE: this computes the merged count as merged_high - low,
			// not merged_high - low + 1. That matches the observed
			// behavior of the implementation this is ported from; see
			// DESIGN.md Open Question 1. Preserved verbatim rather than
			// "fixed", since callers are expected to already produce
			// half-open, non-touching ranges and this path is a belt-
			// and-braces cleanup, not the primary merge logic (addRange
			// above already merges eagerly and correctly).
			high := e.high()
			if high > out[n-1].high() {
				out[n-1].count = high - out[n-1].low
			}
		} else {
			out = append(out, e)
		}
	}
	s.r = out

	backing := cap(s.r)
	if backing >= 4*rangesetInitialCap && len(s.r) < backing/8 {
		s.shrink(backing / 2)
	}
}

// shrink reallocates the backing storage to newCap, falling back to the
// inline buffer when newCap == rangesetInitialCap.
func (s *rangeset) shrink(newCap int) {
	if newCap < rangesetInitialCap {
		newCap = rangesetInitialCap
	}
	var next []ranElem
	if newCap <= len(s.inline) {
		next = s.inline[:0]
	} else {
		next = make([]ranElem, 0, newCap)
	}
	next = append(next, s.r...)
	s.r = next
}
