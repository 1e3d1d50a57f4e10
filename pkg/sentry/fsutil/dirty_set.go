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

// Package fsutil implements the file-range cache support a Mappable needs
// to track which of its offsets have been written since they were last
// flushed to or filled from their origin (component E's dirty-tracking
// half; the cache of already-read pages is the memory manager's own PMA
// set and isn't duplicated here).
package fsutil

import (
	"github.com/ocisandbox/gosentry/pkg/segment"
	"github.com/ocisandbox/gosentry/pkg/sentry/memmap"
)

// DirtyInfo is the value stored per dirty offset range.
type DirtyInfo struct {
	// Keep indicates that this range must remain tracked as dirty even
	// across a MarkClean call, because it is still mapped writable
	// somewhere and could be dirtied again without another MarkDirty.
	Keep bool
}

// DirtyFlatSegment is an exported (range, value) pair, used by tests and
// debug dumps.
type DirtyFlatSegment = segment.FlatSegment[DirtyInfo]

type dirtySetFuncs struct{}

func (dirtySetFuncs) Merge(_ segment.Range, v1 DirtyInfo, _ segment.Range, v2 DirtyInfo) (DirtyInfo, bool) {
	if v1.Keep == v2.Keep {
		return v1, true
	}
	return DirtyInfo{}, false
}

func (dirtySetFuncs) Split(_ segment.Range, v DirtyInfo, _ uint64) (DirtyInfo, DirtyInfo) {
	return v, v
}

// DirtySet tracks, for one Mappable, which byte offsets have been written
// since they were last written back. The zero value is an empty set.
type DirtySet struct {
	set *segment.Set[DirtyInfo]
}

func (ds *DirtySet) ensure() *segment.Set[DirtyInfo] {
	if ds.set == nil {
		ds.set = segment.NewSet[DirtyInfo](dirtySetFuncs{})
	}
	return ds.set
}

// ensureCoverage splits/fills ds so that mr is exactly covered by one or
// more segments, then invokes fn on each in ascending order.
func (ds *DirtySet) ensureCoverage(mr memmap.MappableRange, fn func(seg segment.Segment[DirtyInfo])) {
	s := ds.ensure()
	cur := mr.Start
	for cur < mr.End {
		if seg, ok := s.FindSegment(cur); ok {
			iso := s.Isolate(seg, segment.Range{Start: mr.Start, End: mr.End})
			fn(iso)
			cur = iso.End()
			continue
		}
		gap, _ := s.FindGap(cur)
		end := gap.End()
		if end > mr.End {
			end = mr.End
		}
		seg := s.Insert(segment.Range{Start: cur, End: end}, DirtyInfo{})
		fn(seg)
		cur = end
	}
}

// MarkDirty records every byte of mr as dirty, preserving any existing
// Keep flags.
func (ds *DirtySet) MarkDirty(mr memmap.MappableRange) {
	ds.ensureCoverage(mr, func(segment.Segment[DirtyInfo]) {})
}

// KeepDirty marks every byte of mr, which must already be dirty, as one
// that MarkClean must not forget.
func (ds *DirtySet) KeepDirty(mr memmap.MappableRange) {
	s := ds.ensure()
	seg, ok := s.LowerBoundSegment(mr.Start)
	for ok && seg.Start() < mr.End {
		iso := s.Isolate(seg, segment.Range{Start: mr.Start, End: mr.End})
		v := iso.Value()
		if !v.Keep {
			v.Keep = true
			iso.SetValue(v)
		}
		seg, ok = s.NextSegment(iso)
	}
	s.MergeInsideRange(segment.Range{Start: mr.Start, End: mr.End})
}

// MarkClean forgets that every byte of mr is dirty, except those ranges
// KeepDirty has marked.
func (ds *DirtySet) MarkClean(mr memmap.MappableRange) {
	s := ds.ensure()
	seg, ok := s.LowerBoundSegment(mr.Start)
	for ok && seg.Start() < mr.End {
		iso := s.Isolate(seg, segment.Range{Start: mr.Start, End: mr.End})
		next, nok := s.NextSegment(iso)
		if !iso.Value().Keep {
			s.Remove(iso)
		}
		seg, ok = next, nok
	}
}

// ExportSlice returns every tracked range in ascending order.
func (ds *DirtySet) ExportSlice() []DirtyFlatSegment {
	if ds.set == nil {
		return nil
	}
	return ds.set.ExportSlice()
}
