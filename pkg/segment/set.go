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

// Package segment implements an ordered map from disjoint half-open ranges
// of uint64 to arbitrary values, with merge/split callbacks and gap
// iteration. It backs every interval structure in the memory manager: the
// VMA and PMA sets, the physical store's usage set, the private-ref set,
// and each Mappable's own file-range cache and mapping set.
//
// The real sentry generates one specialized implementation of this
// structure per value type via go_generics, trading a generic Value any
// for inlined, allocation-free nodes. This package instead uses Go type
// parameters over a github.com/google/btree B-tree keyed by range start;
// handles (Segment, Gap) carry only a range and are re-resolved against the
// tree on every navigation call rather than holding raw node pointers, so
// that a handle is never invalidated by a concurrent mutation elsewhere in
// the tree -- the tree mutates, but the next call to NextSegment/PrevGap/etc
// simply looks the new state up again.
package segment

import (
	"fmt"
	"math"

	"github.com/google/btree"
)

// Range is a half-open interval [Start, End) over the uint64 key space
// shared by virtual addresses, physical-store offsets, and Mappable
// offsets.
type Range struct {
	Start uint64
	End   uint64
}

// Length returns End-Start, or 0 if the range is ill-formed.
func (r Range) Length() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// IsEmpty reports whether the range contains no points.
func (r Range) IsEmpty() bool { return r.Start >= r.End }

// Contains reports whether k lies in the range.
func (r Range) Contains(k uint64) bool { return r.Start <= k && k < r.End }

// Intersect returns the intersection of r and other.
func (r Range) Intersect(other Range) Range {
	start, end := r.Start, r.End
	if other.Start > start {
		start = other.Start
	}
	if other.End < end {
		end = other.End
	}
	if end < start {
		end = start
	}
	return Range{start, end}
}

// IsSupersetOf reports whether r fully contains other.
func (r Range) IsSupersetOf(other Range) bool {
	return r.Start <= other.Start && other.End <= r.End
}

// Overlaps reports whether r and other share any point.
func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}

func (r Range) String() string { return fmt.Sprintf("[%#x, %#x)", r.Start, r.End) }

const maxKey = math.MaxUint64

// Functions supplies the merge/split policy for a Set. Merge is consulted
// after every insertion (except InsertWithoutMerging) and by
// MergeAdjacent/MergeInsideRange to keep adjacent mergeable segments
// coalesced; SplitAt, Isolate and SetValue never merge, so callers restore
// coalescing explicitly. Split is consulted whenever a segment must be
// divided at a point strictly inside it.
type Functions[V any] interface {
	// Merge returns the combined value for adjacent segments (r1, v1) and
	// (r2, v2), or false if they must remain distinct.
	Merge(r1 Range, v1 V, r2 Range, v2 V) (V, bool)

	// Split divides v, which spans r, at the point at (which must satisfy
	// r.Start < at < r.End), returning the values of the two resulting
	// segments [r.Start, at) and [at, r.End).
	Split(r Range, v V, at uint64) (V, V)
}

type item[V any] struct {
	r Range
	v V
}

func lessItem[V any](a, b item[V]) bool { return a.r.Start < b.r.Start }

// Set is an ordered map from disjoint Ranges to values of type V.
type Set[V any] struct {
	tree *btree.BTreeG[item[V]]
	fns  Functions[V]
}

// NewSet returns a new, empty Set using fns as its merge/split policy.
func NewSet[V any](fns Functions[V]) *Set[V] {
	return &Set[V]{
		tree: btree.NewG[item[V]](16, lessItem[V]),
		fns:  fns,
	}
}

// IsEmpty reports whether the set has no segments.
func (s *Set[V]) IsEmpty() bool { return s.tree.Len() == 0 }

// Len returns the number of segments in the set.
func (s *Set[V]) Len() int { return s.tree.Len() }

func (s *Set[V]) seekLE(key uint64) (item[V], bool) {
	var found item[V]
	var ok bool
	s.tree.DescendLessOrEqual(item[V]{r: Range{Start: key}}, func(it item[V]) bool {
		found, ok = it, true
		return false
	})
	return found, ok
}

func (s *Set[V]) seekGE(key uint64) (item[V], bool) {
	var found item[V]
	var ok bool
	s.tree.AscendGreaterOrEqual(item[V]{r: Range{Start: key}}, func(it item[V]) bool {
		found, ok = it, true
		return false
	})
	return found, ok
}

// IntersectsRange reports whether any stored segment overlaps r.
func (s *Set[V]) IntersectsRange(r Range) bool {
	return s.intersectsAny(r)
}

func (s *Set[V]) intersectsAny(r Range) bool {
	overlap := false
	if prev, ok := s.seekLE(r.Start); ok && prev.r.Overlaps(r) {
		overlap = true
	}
	s.tree.AscendRange(item[V]{r: Range{Start: r.Start}}, item[V]{r: Range{Start: r.End}}, func(it item[V]) bool {
		if it.r.Overlaps(r) {
			overlap = true
		}
		return !overlap
	})
	return overlap
}

// Segment is a handle to a single stored range/value pair.
type Segment[V any] struct {
	set   *Set[V]
	r     Range
	valid bool
}

// Ok reports whether the handle refers to a real segment.
func (sg Segment[V]) Ok() bool { return sg.valid }

// Range returns the segment's range.
func (sg Segment[V]) Range() Range { return sg.r }

// Start returns the segment's start.
func (sg Segment[V]) Start() uint64 { return sg.r.Start }

// End returns the segment's end.
func (sg Segment[V]) End() uint64 { return sg.r.End }

// Value returns the segment's value. It panics if the handle is stale
// (the range no longer names a stored segment), which indicates the core
// invariant that handles are re-resolved before use was violated.
func (sg Segment[V]) Value() V {
	it, ok := sg.set.tree.Get(item[V]{r: sg.r})
	if !ok {
		panic(fmt.Sprintf("segment: stale segment handle %v", sg.r))
	}
	return it.v
}

// SetValue replaces the segment's value in place, without affecting its
// range or triggering a merge check. Callers that change a field relevant
// to merging should follow up with Set.MergeAdjacent.
func (sg Segment[V]) SetValue(v V) Segment[V] {
	sg.set.tree.ReplaceOrInsert(item[V]{r: sg.r, v: v})
	return sg
}

// Gap is a handle to a maximal empty interval between stored segments (or
// between a segment and the minimum/maximum key).
type Gap[V any] struct {
	set   *Set[V]
	r     Range
	valid bool
}

// Ok reports whether the handle refers to a real (possibly zero-length) gap.
func (g Gap[V]) Ok() bool { return g.valid }

// Range returns the gap's range. A gap unbounded on the left has Start 0;
// one unbounded on the right has End math.MaxUint64.
func (g Gap[V]) Range() Range { return g.r }

// Start returns the gap's start.
func (g Gap[V]) Start() uint64 { return g.r.Start }

// End returns the gap's end.
func (g Gap[V]) End() uint64 { return g.r.End }

// IsEmpty reports whether the gap has zero length.
func (g Gap[V]) IsEmpty() bool { return g.r.IsEmpty() }

// FindSegment returns the segment containing key, if any.
func (s *Set[V]) FindSegment(key uint64) (Segment[V], bool) {
	it, ok := s.seekLE(key)
	if !ok || !it.r.Contains(key) {
		return Segment[V]{}, false
	}
	return Segment[V]{s, it.r, true}, true
}

// FindGap returns the gap containing key, if any. Exactly one of
// FindSegment(key) and FindGap(key) succeeds for any key.
func (s *Set[V]) FindGap(key uint64) (Gap[V], bool) {
	if _, ok := s.FindSegment(key); ok {
		return Gap[V]{}, false
	}
	start := uint64(0)
	if prev, ok := s.seekLE(key); ok {
		start = prev.r.End
	}
	end := uint64(maxKey)
	if next, ok := s.seekGE(key); ok {
		end = next.r.Start
	}
	return Gap[V]{s, Range{start, end}, true}, true
}

// NextSegment returns the first segment after sg, if any.
func (s *Set[V]) NextSegment(sg Segment[V]) (Segment[V], bool) {
	it, ok := s.seekGE(sg.r.End)
	if !ok {
		return Segment[V]{}, false
	}
	return Segment[V]{s, it.r, true}, true
}

// PrevSegment returns the last segment before sg, if any.
func (s *Set[V]) PrevSegment(sg Segment[V]) (Segment[V], bool) {
	if sg.r.Start == 0 {
		return Segment[V]{}, false
	}
	it, ok := s.seekLE(sg.r.Start - 1)
	if !ok {
		return Segment[V]{}, false
	}
	return Segment[V]{s, it.r, true}, true
}

// NextGap returns the (possibly zero-length) gap immediately after sg.
func (s *Set[V]) NextGap(sg Segment[V]) Gap[V] {
	end := uint64(maxKey)
	if next, ok := s.NextSegment(sg); ok {
		end = next.r.Start
	}
	return Gap[V]{s, Range{sg.r.End, end}, true}
}

// PrevGap returns the (possibly zero-length) gap immediately before sg.
func (s *Set[V]) PrevGap(sg Segment[V]) Gap[V] {
	start := uint64(0)
	if prev, ok := s.PrevSegment(sg); ok {
		start = prev.r.End
	}
	return Gap[V]{s, Range{start, sg.r.Start}, true}
}

// NextSegmentOfGap returns the segment immediately after g, if any.
func (s *Set[V]) NextSegmentOfGap(g Gap[V]) (Segment[V], bool) {
	if g.r.End == maxKey {
		return Segment[V]{}, false
	}
	return s.FindSegment(g.r.End)
}

// PrevSegmentOfGap returns the segment immediately before g, if any.
func (s *Set[V]) PrevSegmentOfGap(g Gap[V]) (Segment[V], bool) {
	if g.r.Start == 0 {
		return Segment[V]{}, false
	}
	return s.FindSegment(g.r.Start - 1)
}

// NextNonEmpty returns the next non-empty gap after sg if one exists
// without an intervening segment, otherwise the segment immediately after
// sg. Exactly one of the two return values is valid, matching the
// semantics gVisor calls SegmentOrGap.
func (s *Set[V]) NextNonEmpty(sg Segment[V]) (Segment[V], Gap[V]) {
	g := s.NextGap(sg)
	if !g.IsEmpty() {
		return Segment[V]{}, g
	}
	if ns, ok := s.NextSegmentOfGap(g); ok {
		return ns, Gap[V]{}
	}
	return Segment[V]{}, g
}

// FirstSegment returns the lowest-addressed segment, if any.
func (s *Set[V]) FirstSegment() (Segment[V], bool) {
	it, ok := s.seekGE(0)
	if !ok {
		return Segment[V]{}, false
	}
	return Segment[V]{s, it.r, true}, true
}

// LastSegment returns the highest-addressed segment, if any.
func (s *Set[V]) LastSegment() (Segment[V], bool) {
	it, ok := s.seekLE(maxKey)
	if !ok {
		return Segment[V]{}, false
	}
	return Segment[V]{s, it.r, true}, true
}

// FirstGap returns the lowest-addressed gap.
func (s *Set[V]) FirstGap() Gap[V] {
	end := uint64(maxKey)
	if first, ok := s.FirstSegment(); ok {
		end = first.r.Start
	}
	return Gap[V]{s, Range{0, end}, true}
}

// LastGap returns the highest-addressed gap.
func (s *Set[V]) LastGap() Gap[V] {
	start := uint64(0)
	if last, ok := s.LastSegment(); ok {
		start = last.r.End
	}
	return Gap[V]{s, Range{start, maxKey}, true}
}

// LowerBoundSegment returns the first segment whose range reaches key: the
// segment containing key if one exists, else the first segment after key.
func (s *Set[V]) LowerBoundSegment(key uint64) (Segment[V], bool) {
	if seg, ok := s.FindSegment(key); ok {
		return seg, true
	}
	it, ok := s.seekGE(key)
	if !ok {
		return Segment[V]{}, false
	}
	return Segment[V]{s, it.r, true}, true
}

// LowerBoundGap returns the first gap whose range reaches key.
func (s *Set[V]) LowerBoundGap(key uint64) Gap[V] {
	if gap, ok := s.FindGap(key); ok {
		return gap
	}
	seg, _ := s.FindSegment(key)
	return s.NextGap(seg)
}

// UpperBoundGap returns the last gap whose range starts at or before key.
func (s *Set[V]) UpperBoundGap(key uint64) Gap[V] {
	if gap, ok := s.FindGap(key); ok {
		return gap
	}
	seg, _ := s.FindSegment(key)
	return s.PrevGap(seg)
}

// NextLargeEnoughGap returns the next gap after g (in ascending order) with
// length >= minSize, if any.
func (s *Set[V]) NextLargeEnoughGap(g Gap[V], minSize uint64) (Gap[V], bool) {
	cur := g
	for {
		seg, ok := s.NextSegmentOfGap(cur)
		if !ok {
			return Gap[V]{}, false
		}
		cur = s.NextGap(seg)
		if cur.r.Length() >= minSize {
			return cur, true
		}
	}
}

// PrevLargeEnoughGap returns the previous gap before g (in descending
// order) with length >= minSize, if any.
func (s *Set[V]) PrevLargeEnoughGap(g Gap[V], minSize uint64) (Gap[V], bool) {
	cur := g
	for {
		seg, ok := s.PrevSegmentOfGap(cur)
		if !ok {
			return Gap[V]{}, false
		}
		cur = s.PrevGap(seg)
		if cur.r.Length() >= minSize {
			return cur, true
		}
	}
}

func (s *Set[V]) mergeAdjacentAt(it item[V]) item[V] {
	for it.r.Start != 0 {
		prev, ok := s.seekLE(it.r.Start - 1)
		if !ok || prev.r.End != it.r.Start {
			break
		}
		merged, ok := s.fns.Merge(prev.r, prev.v, it.r, it.v)
		if !ok {
			break
		}
		s.tree.Delete(prev)
		s.tree.Delete(it)
		it = item[V]{r: Range{prev.r.Start, it.r.End}, v: merged}
		s.tree.ReplaceOrInsert(it)
	}
	for {
		next, ok := s.seekGE(it.r.End)
		if !ok || next.r.Start != it.r.End {
			break
		}
		merged, ok := s.fns.Merge(it.r, it.v, next.r, next.v)
		if !ok {
			break
		}
		s.tree.Delete(it)
		s.tree.Delete(next)
		it = item[V]{r: Range{it.r.Start, next.r.End}, v: merged}
		s.tree.ReplaceOrInsert(it)
	}
	return it
}

// insert inserts (r, v), which must not overlap any existing segment, and
// coalesces it with an adjacent predecessor/successor if Merge allows.
func (s *Set[V]) insert(r Range, v V) Segment[V] {
	if r.IsEmpty() {
		panic(fmt.Sprintf("segment: ill-formed range %v", r))
	}
	if s.intersectsAny(r) {
		panic(fmt.Sprintf("segment: overlapping insert at %v", r))
	}
	it := item[V]{r: r, v: v}
	s.tree.ReplaceOrInsert(it)
	it = s.mergeAdjacentAt(it)
	return Segment[V]{s, it.r, true}
}

// Insert inserts (r, v) and returns a handle to the (possibly merged)
// resulting segment. It panics if r overlaps any existing segment.
func (s *Set[V]) Insert(r Range, v V) Segment[V] { return s.insert(r, v) }

// Add inserts (r, v) only if r lies entirely within a single gap, mirroring
// the "insert only into a gap" contract. It returns false without
// modifying the set if r is not fully free.
func (s *Set[V]) Add(r Range, v V) (Segment[V], bool) {
	gap, ok := s.FindGap(r.Start)
	if !ok || !gap.r.IsSupersetOf(r) {
		return Segment[V]{}, false
	}
	return s.insert(r, v), true
}

// InsertWithoutMerging is Insert without the post-insertion merge pass.
func (s *Set[V]) InsertWithoutMerging(r Range, v V) Segment[V] {
	if r.IsEmpty() {
		panic(fmt.Sprintf("segment: ill-formed range %v", r))
	}
	if s.intersectsAny(r) {
		panic(fmt.Sprintf("segment: overlapping insert at %v", r))
	}
	s.tree.ReplaceOrInsert(item[V]{r: r, v: v})
	return Segment[V]{s, r, true}
}

// Remove deletes sg from the set and returns the gap left behind, merged
// with any now-adjacent empty space.
func (s *Set[V]) Remove(sg Segment[V]) Gap[V] {
	s.tree.Delete(item[V]{r: sg.r})
	gap, _ := s.FindGap(sg.r.Start)
	return gap
}

// SplitAt splits the segment containing at into two at that point, calling
// Split to derive the two values. It does nothing if at does not fall
// strictly inside a segment.
func (s *Set[V]) SplitAt(at uint64) {
	seg, ok := s.FindSegment(at)
	if !ok || seg.r.Start == at {
		return
	}
	v := seg.Value()
	v1, v2 := s.fns.Split(seg.r, v, at)
	s.tree.Delete(item[V]{r: seg.r})
	s.tree.ReplaceOrInsert(item[V]{r: Range{seg.r.Start, at}, v: v1})
	s.tree.ReplaceOrInsert(item[V]{r: Range{at, seg.r.End}, v: v2})
}

// Isolate splits sg's boundaries as needed so that the returned segment's
// range is exactly sg.Range().Intersect(r).
func (s *Set[V]) Isolate(sg Segment[V], r Range) Segment[V] {
	if r.Start > sg.r.Start && r.Start < sg.r.End {
		s.SplitAt(r.Start)
	}
	start := sg.r.Start
	if r.Start > start {
		start = r.Start
	}
	cur, ok := s.FindSegment(start)
	if !ok {
		panic(fmt.Sprintf("segment: isolate lost segment at %#x", start))
	}
	if r.End > cur.r.Start && r.End < cur.r.End {
		s.SplitAt(r.End)
		cur, _ = s.FindSegment(start)
	}
	return cur
}

// MergeAdjacent attempts to merge the segments immediately before r.Start
// and after r.End with their neighbors. It is used to restore the merge
// invariant after a caller isolates a range and then fails partway through
// an operation, needing to roll back.
func (s *Set[V]) MergeAdjacent(r Range) {
	if seg, ok := s.FindSegment(r.Start); ok {
		s.mergeAdjacentAt(item[V]{r: seg.r, v: seg.Value()})
	}
	if seg, ok := s.FindSegment(r.End - 1); ok {
		s.mergeAdjacentAt(item[V]{r: seg.r, v: seg.Value()})
	}
}

// MergeInsideRange attempts to merge every pair of adjacent segments
// overlapping r.
func (s *Set[V]) MergeInsideRange(r Range) {
	seg, ok := s.LowerBoundSegment(r.Start)
	for ok && seg.r.Start < r.End {
		merged := s.mergeAdjacentAt(item[V]{r: seg.r, v: seg.Value()})
		seg, ok = s.NextSegment(Segment[V]{s, merged.r, true})
	}
}

// Span returns the total length of all segments in the set.
func (s *Set[V]) Span() uint64 {
	var total uint64
	seg, ok := s.FirstSegment()
	for ok {
		total += seg.r.Length()
		seg, ok = s.NextSegment(seg)
	}
	return total
}

// SpanRange returns the total length of all segments intersecting r.
func (s *Set[V]) SpanRange(r Range) uint64 {
	if r.IsEmpty() {
		return 0
	}
	var total uint64
	seg, ok := s.LowerBoundSegment(r.Start)
	for ok && seg.r.Start < r.End {
		total += seg.r.Intersect(r).Length()
		seg, ok = s.NextSegment(seg)
	}
	return total
}

// FlatSegment is a (range, value) pair used to export a Set's contents for
// tests and debug dumps.
type FlatSegment[V any] struct {
	Start uint64
	End   uint64
	Value V
}

// ExportSlice returns every segment in the set in ascending order.
func (s *Set[V]) ExportSlice() []FlatSegment[V] {
	out := make([]FlatSegment[V], 0, s.tree.Len())
	s.tree.Ascend(func(it item[V]) bool {
		out = append(out, FlatSegment[V]{it.r.Start, it.r.End, it.v})
		return true
	})
	return out
}
