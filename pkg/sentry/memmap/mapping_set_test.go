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
	"testing"

	"github.com/ocisandbox/gosentry/pkg/hostarch"
)

// recordingSpace is a MappingSpace that just records the ranges it was
// asked to invalidate, so tests can check fan-out without a real memory
// manager.
type recordingSpace struct {
	invalidated []hostarch.AddrRange
}

func (r *recordingSpace) Invalidate(ar hostarch.AddrRange, opts InvalidateOpts) {
	r.invalidated = append(r.invalidated, ar)
}

// TestInvalidateFansOutToEveryMapping checks that invalidating a
// Mappable offset range reaches every MappingSpace that recorded a
// mapping overlapping it, translated back into that space's own address
// range (component F: the reverse index driving shared-file
// invalidation).
func TestInvalidateFansOutToEveryMapping(t *testing.T) {
	s := NewMappingSet()
	a := &recordingSpace{}
	b := &recordingSpace{}

	// a maps offset [0, 0x3000) at address [0x1000, 0x4000).
	s.AddMapping(a, hostarch.AddrRange{Start: 0x1000, End: 0x4000}, 0, true)
	// b maps offset [0x1000, 0x2000) (a sub-range of a's mapping) at a
	// different address, [0x9000, 0xa000).
	s.AddMapping(b, hostarch.AddrRange{Start: 0x9000, End: 0xa000}, 0x1000, false)

	s.Invalidate(MappableRange{Start: 0x1000, End: 0x2000}, InvalidateOpts{})

	if len(a.invalidated) == 0 {
		t.Fatalf("a was not invalidated")
	}
	wantA := hostarch.AddrRange{Start: 0x2000, End: 0x3000}
	if a.invalidated[0] != wantA {
		t.Errorf("a invalidated %v, want %v (offset [0x1000,0x2000) translated through its +0x1000 mapping)", a.invalidated[0], wantA)
	}

	if len(b.invalidated) == 0 {
		t.Fatalf("b was not invalidated")
	}
	wantB := hostarch.AddrRange{Start: 0x9000, End: 0xa000}
	if b.invalidated[0] != wantB {
		t.Errorf("b invalidated %v, want %v (its entire mapping, since it exactly covers the invalidated offsets)", b.invalidated[0], wantB)
	}
}

// TestInvalidateSkipsUnrelatedOffsets checks that invalidating an offset
// range untouched by a mapping does not fan out to its MappingSpace.
func TestInvalidateSkipsUnrelatedOffsets(t *testing.T) {
	s := NewMappingSet()
	a := &recordingSpace{}
	s.AddMapping(a, hostarch.AddrRange{Start: 0x1000, End: 0x2000}, 0, true)

	s.Invalidate(MappableRange{Start: 0x5000, End: 0x6000}, InvalidateOpts{})

	if len(a.invalidated) != 0 {
		t.Errorf("a was invalidated for an unrelated offset range: %v", a.invalidated)
	}
}

// TestRemoveMappingStopsFutureInvalidation checks that RemoveMapping is
// the true inverse of AddMapping: once removed, the same offset range no
// longer fans out to that space.
func TestRemoveMappingStopsFutureInvalidation(t *testing.T) {
	s := NewMappingSet()
	a := &recordingSpace{}
	addr := hostarch.AddrRange{Start: 0x1000, End: 0x2000}
	s.AddMapping(a, addr, 0, true)
	s.RemoveMapping(a, addr, 0, true)

	s.Invalidate(MappableRange{Start: 0, End: 0x1000}, InvalidateOpts{})

	if len(a.invalidated) != 0 {
		t.Errorf("a was invalidated after its mapping was removed: %v", a.invalidated)
	}
}

// TestCopyMappingMovesInvalidationTarget checks that CopyMapping (used
// for mremap) relocates the recorded address range without duplicating
// or losing the mapping.
func TestCopyMappingMovesInvalidationTarget(t *testing.T) {
	s := NewMappingSet()
	a := &recordingSpace{}
	src := hostarch.AddrRange{Start: 0x1000, End: 0x2000}
	dst := hostarch.AddrRange{Start: 0x8000, End: 0x9000}
	s.AddMapping(a, src, 0, true)
	s.CopyMapping(a, src, dst, 0, true)

	s.Invalidate(MappableRange{Start: 0, End: 0x1000}, InvalidateOpts{})

	if len(a.invalidated) != 1 {
		t.Fatalf("got %d invalidations, want exactly 1 (no duplicate from the old address)", len(a.invalidated))
	}
	if a.invalidated[0] != dst {
		t.Errorf("invalidated %v, want the moved range %v", a.invalidated[0], dst)
	}
}
