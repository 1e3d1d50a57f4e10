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

package memmap

import (
	"sync"

	"github.com/ocisandbox/gosentry/pkg/hostarch"
	"github.com/ocisandbox/gosentry/pkg/segment"
)

// mapping identifies one derived virtual mapping of a Mappable offset: the
// memory manager that owns it, the address range it occupies there, and
// whether it was mapped writable.
type mapping struct {
	ms       MappingSpace
	addr     hostarch.AddrRange
	writable bool
}

// mappingsOfOffset is the value type stored per offset-range segment: every
// distinct mapping whose range currently covers that segment, with a
// refcount in case the same (ms, addr, writable) triple is recorded twice
// (e.g. nested mmaps of the same range).
type mappingsOfOffset map[mapping]int

type mappingSetFuncs struct{}

func (mappingSetFuncs) Merge(_ segment.Range, _ mappingsOfOffset, _ segment.Range, _ mappingsOfOffset) (mappingsOfOffset, bool) {
	// Adjacent segments are never coalesced: each records mappings
	// contributed by independent AddMapping calls, and merging would lose
	// the ability to isolate one call's range from another's later.
	return nil, false
}

// Split divides v between the sub-range below at and the sub-range at or
// above it, narrowing each mapping's recorded address range to match: a
// mapping's addr always spans exactly as many bytes as the offset segment
// it's attached to, so Invalidate's later delta-from-segment-start math
// stays correct however many times a range gets isolated.
func (mappingSetFuncs) Split(r segment.Range, v mappingsOfOffset, at uint64) (mappingsOfOffset, mappingsOfOffset) {
	left := make(mappingsOfOffset, len(v))
	right := make(mappingsOfOffset, len(v))
	cut := hostarch.Addr(at - r.Start)
	for m, n := range v {
		mid := m.addr.Start + cut
		left[mapping{m.ms, hostarch.AddrRange{Start: m.addr.Start, End: mid}, m.writable}] = n
		right[mapping{m.ms, hostarch.AddrRange{Start: mid, End: m.addr.End}, m.writable}] = n
	}
	return left, right
}

// MappingSet is the per-Mappable reverse index (component F of the design):
// an interval map from Mappable offset to the set of virtual mappings
// currently derived from that offset, used to fan invalidations out to
// every memory manager that holds one.
type MappingSet struct {
	mu  sync.Mutex
	set *segment.Set[mappingsOfOffset]
}

// NewMappingSet returns a new, empty MappingSet.
func NewMappingSet() *MappingSet {
	return &MappingSet{set: segment.NewSet[mappingsOfOffset](mappingSetFuncs{})}
}

// ensureCoverage splits/fills the set so that [mr.Start, mr.End) is exactly
// covered by one or more segments, then invokes fn on each in order.
func (s *MappingSet) ensureCoverage(mr MappableRange, fn func(seg segment.Segment[mappingsOfOffset])) {
	cur := mr.Start
	for cur < mr.End {
		if seg, ok := s.set.FindSegment(cur); ok {
			iso := s.set.Isolate(seg, segment.Range{Start: mr.Start, End: mr.End})
			fn(iso)
			cur = iso.End()
			continue
		}
		gap, _ := s.set.FindGap(cur)
		end := gap.End()
		if end > mr.End {
			end = mr.End
		}
		seg := s.set.Insert(segment.Range{Start: cur, End: end}, mappingsOfOffset{})
		fn(seg)
		cur = end
	}
}

// AddMapping records that addr now derives from [offset, offset+addr.Length())
// of the owning Mappable, with the given writability.
func (s *MappingSet) AddMapping(ms MappingSpace, addr hostarch.AddrRange, offset uint64, writable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mr := MappableRange{Start: offset, End: offset + addr.Length()}
	s.ensureCoverage(mr, func(seg segment.Segment[mappingsOfOffset]) {
		delta := seg.Start() - mr.Start
		sub := hostarch.AddrRange{
			Start: addr.Start + hostarch.Addr(delta),
			End:   addr.Start + hostarch.Addr(delta+seg.Range().Length()),
		}
		v := seg.Value()
		v[mapping{ms, sub, writable}]++
		seg.SetValue(v)
	})
}

// RemoveMapping is the inverse of AddMapping.
func (s *MappingSet) RemoveMapping(ms MappingSpace, addr hostarch.AddrRange, offset uint64, writable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mr := MappableRange{Start: offset, End: offset + addr.Length()}
	s.ensureCoverage(mr, func(seg segment.Segment[mappingsOfOffset]) {
		delta := seg.Start() - mr.Start
		sub := hostarch.AddrRange{
			Start: addr.Start + hostarch.Addr(delta),
			End:   addr.Start + hostarch.Addr(delta+seg.Range().Length()),
		}
		v := seg.Value()
		key := mapping{ms, sub, writable}
		if v[key] > 1 {
			v[key]--
		} else {
			delete(v, key)
		}
		seg.SetValue(v)
	})
}

// CopyMapping moves the record for a mapping that has moved from srcAR to
// dstAR without changing its Mappable offset delta (mremap).
func (s *MappingSet) CopyMapping(ms MappingSpace, srcAR, dstAR hostarch.AddrRange, offset uint64, writable bool) {
	s.RemoveMapping(ms, srcAR, offset, writable)
	s.AddMapping(ms, dstAR, offset, writable)
}

// Invalidate fans an invalidation for offset range mr out to every memory
// manager that recorded a mapping intersecting it.
func (s *MappingSet) Invalidate(mr MappableRange, opts InvalidateOpts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.set.LowerBoundSegment(mr.Start)
	for ok && seg.Start() < mr.End {
		overlap := segment.Range{Start: mr.Start, End: mr.End}.Intersect(seg.Range())
		for m := range seg.Value() {
			delta := overlap.Start - seg.Start()
			length := overlap.Length()
			sub := hostarch.AddrRange{
				Start: m.addr.Start + hostarch.Addr(delta),
				End:   m.addr.Start + hostarch.Addr(delta+length),
			}
			m.ms.Invalidate(sub, opts)
		}
		seg, ok = s.set.NextSegment(seg)
	}
}
