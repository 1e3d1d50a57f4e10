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

package pgalloc

import (
	"bytes"
	"testing"

	"github.com/ocisandbox/gosentry/pkg/hostarch"
	"github.com/ocisandbox/gosentry/pkg/safemem"
	"github.com/ocisandbox/gosentry/pkg/usage"
)

func newTestMemoryFile(t *testing.T) *MemoryFile {
	t.Helper()
	mf, err := New(Opts{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { mf.Close() })
	return mf
}

// TestAllocateBottomUpIsNonOverlappingAndAscending checks that repeated
// bottom-up allocations pack from the low end of the file without
// overlapping (component C, §5 of the physical store contract).
func TestAllocateBottomUpIsNonOverlappingAndAscending(t *testing.T) {
	mf := newTestMemoryFile(t)

	var ranges []FileRange
	for i := 0; i < 4; i++ {
		fr, err := mf.Allocate(hostarch.PageSize, AllocOpts{Kind: usage.Anonymous, Dir: BottomUp})
		if err != nil {
			t.Fatalf("Allocate[%d]: %v", i, err)
		}
		ranges = append(ranges, fr)
	}
	for i := 1; i < len(ranges); i++ {
		if ranges[i].Start < ranges[i-1].End {
			t.Errorf("range %d (%v) overlaps range %d (%v)", i, ranges[i], i-1, ranges[i-1])
		}
		if ranges[i].Start < ranges[i-1].Start {
			t.Errorf("bottom-up allocation %d (%v) is not ascending relative to %d (%v)", i, ranges[i], i-1, ranges[i-1])
		}
	}
}

// TestAllocateTopDownGrowsFileGeometrically checks that a top-down
// allocation on a fresh (zero-size) file grows the backing file and
// lands the allocation at the high end of the new size, matching the
// reference allocator's doubling-growth strategy.
func TestAllocateTopDownGrowsFileGeometrically(t *testing.T) {
	mf := newTestMemoryFile(t)

	fr, err := mf.Allocate(hostarch.PageSize, AllocOpts{Kind: usage.Anonymous, Dir: TopDown})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if fr.Length() != hostarch.PageSize {
		t.Errorf("allocated length = %d, want %d", fr.Length(), hostarch.PageSize)
	}
	if got := mf.TotalSize(); got == 0 || fr.End > got {
		t.Errorf("TotalSize() = %d does not cover allocated range %v", got, fr)
	}
	if fr.End != mf.TotalSize() {
		t.Errorf("top-down allocation %v does not sit at the top of the file (size %d)", fr, mf.TotalSize())
	}
}

// TestMapInternalRoundTrip checks that bytes written through one
// MapInternal call are visible through a second call mapping the same
// range, i.e. the chunk mapping is cached and shared rather than copied
// (§4.10.7's I/O path depends on this).
func TestMapInternalRoundTrip(t *testing.T) {
	mf := newTestMemoryFile(t)

	fr, err := mf.Allocate(hostarch.PageSize, AllocOpts{Kind: usage.Anonymous, Dir: BottomUp})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	want := bytes.Repeat([]byte{0x5A}, int(hostarch.PageSize))
	bs1, err := mf.MapInternal(fr, hostarch.AccessType{Write: true})
	if err != nil {
		t.Fatalf("MapInternal (write): %v", err)
	}
	if n := safemem.CopySeq(bs1, safemem.BlockSeqOf(safemem.BlockFromSafeSlice(want))); n != uint64(len(want)) {
		t.Fatalf("CopySeq into mapping: n=%d, want %d", n, len(want))
	}

	bs2, err := mf.MapInternal(fr, hostarch.Read())
	if err != nil {
		t.Fatalf("MapInternal (read): %v", err)
	}
	got := make([]byte, len(want))
	if n := safemem.CopySeq(safemem.BlockSeqOf(safemem.BlockFromSafeSlice(got)), bs2); n != uint64(len(got)) {
		t.Fatalf("CopySeq out of mapping: n=%d, want %d", n, len(got))
	}
	if !bytes.Equal(got, want) {
		t.Errorf("MapInternal round trip = %v..., want %v...", got[:8], want[:8])
	}
}

// TestIncRefDecRefFreesOnlyAtZero checks that a range stays tracked in
// the usage set across an extra IncRef/DecRef pair, and is only removed
// once its reference count reaches zero (§8.3's reference-counting
// discipline for shared PMAs).
func TestIncRefDecRefFreesOnlyAtZero(t *testing.T) {
	mf := newTestMemoryFile(t)

	fr, err := mf.Allocate(hostarch.PageSize, AllocOpts{Kind: usage.Anonymous, Dir: BottomUp})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	mf.IncRef(fr, 0)
	if _, ok := mf.usage.FindSegment(fr.Start); !ok {
		t.Fatalf("usage segment missing immediately after IncRef")
	}

	mf.DecRef(fr)
	if _, ok := mf.usage.FindSegment(fr.Start); !ok {
		t.Errorf("usage segment removed after first DecRef, want it to remain (refs should be 1)")
	}

	mf.DecRef(fr)
	if _, ok := mf.usage.FindSegment(fr.Start); ok {
		t.Errorf("usage segment still present after refs reached 0")
	}
}
