// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

// A windowedMaxFilter maintains the maximum of a value stream over the
// most recent window generations. Construct a windowedMinFilter by
// negating values on the way in and out.
//
// It is a monotone deque of (value, generation) entries backed by a ring
// buffer sized at construction; it allocates again only when an update
// finds the ring full, which doubles it (grow). Ported from the shape of the generic WindowedFilter used
// by the hysteria port of BBR (other_examples bbr_sender.go), specialized
// to plain int64 values/generations since this repo has no other user of
// a generic filter.
type windowedMaxFilter struct {
	window  uint64
	entries []wfEntry
	head    int // index of the oldest (largest) entry
	tail    int // index one past the newest entry
	count   int
}

type wfEntry struct {
	value int64
	gen   uint64
}

// newWindowedMaxFilter returns a filter over the most recent window
// generations, with initial ring buffer capacity cap (callers size this
// to the number of distinct generations that can be live at once; update
// grows the ring rather than overwrite a live entry).
func newWindowedMaxFilter(window uint64, cap int) *windowedMaxFilter {
	if cap < 1 {
		cap = 1
	}
	return &windowedMaxFilter{
		window:  window,
		entries: make([]wfEntry, cap),
	}
}

func (f *windowedMaxFilter) reset() {
	f.head = 0
	f.tail = 0
	f.count = 0
}

func (f *windowedMaxFilter) at(i int) wfEntry {
	return f.entries[(f.head+i)%len(f.entries)]
}

// update records a new (value, gen) sample.
func (f *windowedMaxFilter) update(value int64, gen uint64) {
	// 1. Evict head entries older than gen - window.
	var floor uint64
	if gen > f.window {
		floor = gen - f.window
	}
	for f.count > 0 && f.at(0).gen < floor {
		f.head = (f.head + 1) % len(f.entries)
		f.count--
	}
	// 2. Evict tail entries whose value is <= the new value.
	for f.count > 0 && f.at(f.count-1).value <= value {
		f.tail = (f.tail - 1 + len(f.entries)) % len(f.entries)
		f.count--
	}
	// 3. Append at the tail, growing the ring if every slot holds a live
	// entry.
	if f.count == len(f.entries) {
		f.grow()
	}
	f.entries[f.tail] = wfEntry{value: value, gen: gen}
	f.tail = (f.tail + 1) % len(f.entries)
	f.count++
}

func (f *windowedMaxFilter) grow() {
	next := make([]wfEntry, len(f.entries)*2)
	for i := 0; i < f.count; i++ {
		next[i] = f.at(i)
	}
	f.entries = next
	f.head = 0
	f.tail = f.count
}

// get returns the current maximum and whether the filter has any entries.
func (f *windowedMaxFilter) get() (int64, bool) {
	if f.count == 0 {
		return 0, false
	}
	return f.at(0).value, true
}
