// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package segment

import (
	"slices"
	"testing"
)

// intFuncs merges adjacent segments carrying equal values and splits a
// segment by handing both halves the same value, matching the teacher's
// convention (see fsutil.DirtySet) of exercising the interval map with the
// simplest value type that still demonstrates merge/split behavior.
type intFuncs struct{}

func (intFuncs) Merge(_ Range, v1 int, _ Range, v2 int) (int, bool) {
	if v1 == v2 {
		return v1, true
	}
	return 0, false
}

func (intFuncs) Split(_ Range, v int, _ uint64) (int, int) { return v, v }

func newIntSet() *Set[int] { return NewSet[int](intFuncs{}) }

// TestInsertOrderIndependence checks spec's permutation invariant: inserting
// the same disjoint ranges in any order yields the same final segments
// modulo merges.
func TestInsertOrderIndependence(t *testing.T) {
	ranges := []Range{{0, 10}, {10, 20}, {30, 40}, {50, 55}}
	perms := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{1, 3, 0, 2},
		{2, 0, 3, 1},
	}
	var want []FlatSegment[int]
	for _, perm := range perms {
		s := newIntSet()
		for _, i := range perm {
			s.Add(ranges[i], 1)
		}
		got := s.ExportSlice()
		if want == nil {
			want = got
			continue
		}
		if !slices.Equal(got, want) {
			t.Errorf("permutation %v: got %v, want %v", perm, got, want)
		}
	}
}

// TestIsolateThenMergeRestoresOriginal checks that isolating a segment at
// interior boundaries and then merging the affected range back leaves the
// set pointwise equal to its pre-split state.
func TestIsolateThenMergeRestoresOriginal(t *testing.T) {
	s := newIntSet()
	s.Add(Range{0, 100}, 7)
	before := s.ExportSlice()

	seg, ok := s.FindSegment(0)
	if !ok {
		t.Fatalf("FindSegment(0): not found")
	}
	s.Isolate(seg, Range{30, 60})
	if n := len(s.ExportSlice()); n != 3 {
		t.Fatalf("after isolate: got %d segments, want 3", n)
	}

	s.MergeInsideRange(Range{0, 100})
	s.MergeAdjacent(Range{0, 100})
	after := s.ExportSlice()
	if !slices.Equal(after, before) {
		t.Errorf("after isolate+merge: got %v, want %v", after, before)
	}
}

// TestNextLargeEnoughGapAscending checks that NextLargeEnoughGap yields
// gaps in strictly ascending order, each at least the requested size.
func TestNextLargeEnoughGapAscending(t *testing.T) {
	s := newIntSet()
	// Segments at [0,10) and [20,30) and [35,40) leave gaps
	// [10,20) (size 10), [30,35) (size 5), [40,inf) (unbounded).
	s.Add(Range{0, 10}, 1)
	s.Add(Range{20, 30}, 1)
	s.Add(Range{35, 40}, 1)

	gap := s.LowerBoundGap(0)
	var starts []uint64
	for {
		next, ok := s.NextLargeEnoughGap(gap, 8)
		if !ok {
			break
		}
		if next.End() < next.Start()+8 && !next.IsEmpty() {
			t.Fatalf("gap %v is smaller than requested size 8", next.Range())
		}
		starts = append(starts, next.Start())
		gap = next
	}
	if !slices.IsSorted(starts) {
		t.Errorf("gap starts not ascending: %v", starts)
	}
	if len(starts) == 0 {
		t.Errorf("expected at least one gap of size >= 8")
	}
}

func TestIntersectsRange(t *testing.T) {
	s := newIntSet()
	s.Add(Range{10, 20}, 1)

	cases := []struct {
		r    Range
		want bool
	}{
		{Range{0, 10}, false},
		{Range{0, 11}, true},
		{Range{15, 16}, true},
		{Range{20, 30}, false},
		{Range{19, 21}, true},
	}
	for _, c := range cases {
		if got := s.IntersectsRange(c.r); got != c.want {
			t.Errorf("IntersectsRange(%v) = %v, want %v", c.r, got, c.want)
		}
	}
}
