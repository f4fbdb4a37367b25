// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"reflect"
	"testing"
)

func elems(s *rangeset) []ranElem {
	return append([]ranElem(nil), s.r...)
}

func TestRangesetAddMerge(t *testing.T) {
	s := newRangeset(0)
	s.addRange(10, 11) // [10, 21)
	s.addRange(20, 5)  // [20, 25), touches/overlaps [10,21) -> merges
	got := elems(&s)
	want := []ranElem{{low: 10, count: 15}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestRangesetSplit is based on scenario 4 (add [10,11); add
// [20,5); remove [12,3)). Because add() here eagerly merges the two
// overlapping inputs into a single [10,25) subrange (count = high - low,
// the exclusive-range convention chosen in DESIGN.md's Open Question 1),
// the subsequent split produces two subranges rather than the scenario's
// three: [10,25) minus [12,15) is [10,12) and [15,25).
func TestRangesetSplit(t *testing.T) {
	s := newRangeset(0)
	s.addRange(10, 11)   // [10, 21)
	s.addRange(20, 5)    // [20, 25), overlaps -> merges to [10, 25)
	s.removeRange(12, 3) // remove [12, 15)
	got := elems(&s)
	want := []ranElem{{low: 10, count: 2}, {low: 15, count: 10}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("after remove: got %v, want %v", got, want)
	}

	s.setMinimum(15)
	got = elems(&s)
	want = []ranElem{{low: 15, count: 10}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("after setMinimum: got %v, want %v", got, want)
	}
}

func TestRangesetGet(t *testing.T) {
	s := newRangeset(0)
	s.addRange(10, 5) // [10, 15)
	if _, _, ok := s.get(9); ok {
		t.Errorf("get(9): got ok, want absent")
	}
	remaining, isLast, ok := s.get(12)
	if !ok || remaining != 3 || !isLast {
		t.Errorf("get(12) = (%v, %v, %v), want (3, true, true)", remaining, isLast, ok)
	}
}

func TestRangesetNoOpRemove(t *testing.T) {
	s := newRangeset(0)
	s.addRange(10, 5)
	s.removeRange(100, 5) // absent: no-op
	got := elems(&s)
	want := []ranElem{{low: 10, count: 5}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	s.removeRange(10, 0) // zero count: no-op
	if !reflect.DeepEqual(elems(&s), want) {
		t.Fatalf("zero-count remove changed set: %v", elems(&s))
	}
}

func TestRangesetAgeOut(t *testing.T) {
	s := newRangeset(2)
	s.addRange(0, 1)
	s.addRange(100, 1)
	if changed := s.addRange(200, 1); !changed {
		t.Fatalf("addRange did not report a change")
	}
	if s.size() > 2 {
		t.Fatalf("size = %d, want <= 2 after aging", s.size())
	}
	// The two largest (most recent/newest low) ranges should have survived;
	// the smallest count ranges are all equal (count=1) so ties break on
	// lowest low, meaning 0 is evicted first.
	if s.contains(0) {
		t.Errorf("oldest range should have been aged out")
	}
}

func TestRangesetCompactShrinks(t *testing.T) {
	s := newRangeset(0)
	for i := 0; i < 64; i++ {
		s.addRange(int64(i*1000), 1)
	}
	for i := 1; i < 60; i++ {
		s.removeRange(int64(i*1000), 1)
	}
	before := cap(s.r)
	s.compact()
	if cap(s.r) >= before {
		t.Errorf("compact did not shrink backing array: before=%d after=%d", before, cap(s.r))
	}
}

func TestRangesetPropertyBased(t *testing.T) {
	// Property: get(v) returns a subrange iff v was added and not removed.
	present := map[int64]bool{}
	s := newRangeset(0)
	ops := []struct {
		add       bool
		low, span int64
	}{
		{true, 0, 5}, {true, 10, 5}, {false, 2, 2}, {true, 4, 8}, {false, 0, 20},
		{true, 100, 1}, {true, 101, 1}, {true, 103, 1},
	}
	for _, op := range ops {
		if op.add {
			s.addRange(op.low, op.span)
			for v := op.low; v < op.low+op.span; v++ {
				present[v] = true
			}
		} else {
			s.removeRange(op.low, op.span)
			for v := op.low; v < op.low+op.span; v++ {
				present[v] = false
			}
		}
	}
	for v := int64(-5); v < 120; v++ {
		_, _, ok := s.get(v)
		if ok != present[v] {
			t.Errorf("get(%d) = %v, want %v", v, ok, present[v])
		}
	}
	// Sorted, non-touching invariant.
	for i := 1; i < len(s.r); i++ {
		if s.r[i-1].high() >= s.r[i].low {
			t.Errorf("ranges %v and %v are not sorted/non-touching", s.r[i-1], s.r[i])
		}
	}
}
