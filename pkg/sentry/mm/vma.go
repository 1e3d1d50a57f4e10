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

package mm

import (
	"github.com/ocisandbox/gosentry/pkg/hostarch"
	"github.com/ocisandbox/gosentry/pkg/segment"
	"github.com/ocisandbox/gosentry/pkg/sentry/memmap"
)

// MLockMode is the locking state a VMA was mapped (or mlocked) with.
type MLockMode int

const (
	// MLockNone is an unlocked VMA; its pages may be evicted... though
	// this store never evicts, the state is still tracked for mlock/
	// munlock accounting and for fork() (not implemented) to reset it.
	MLockNone MLockMode = iota
	// MLockEager requests that a VMA's pages be faulted in immediately on
	// mmap rather than lazily, and never be unmapped from the tracee
	// until explicitly unlocked.
	MLockEager
)

// vma is the value type of the VMA set (component G): what the guest
// declared about an address range, independent of what currently backs
// it.
type vma struct {
	// realPerms is the permission the guest may use.
	realPerms hostarch.AccessType
	// maxPerms bounds what realPerms (and any future mprotect) may grant.
	maxPerms hostarch.AccessType

	private   bool
	growsDown bool

	mappable memmap.Mappable
	// off is the Mappable offset corresponding to this VMA's Start.
	off uint64
	id  memmap.MappingIdentity

	mlockMode MLockMode
}

// canWriteMappableLocked reports whether this VMA's Mappable should be
// told that mappings derived from it are writable: true for shared
// mappings with write permission, false for private mappings (which write
// to a CoW-broken private page, never back to the Mappable).
func (v vma) canWriteMappableLocked() bool {
	return !v.private && v.maxPerms.Write
}

// isPrivateDataLocked reports whether this VMA's bytes count against
// RLIMIT_DATA: private, currently writable, and not a stack-like
// grows_down region.
func (v vma) isPrivateDataLocked() bool {
	return v.private && v.realPerms.Write && !v.growsDown
}

type vmaSetFuncs struct{}

func (vmaSetFuncs) Merge(r1 segment.Range, v1 vma, r2 segment.Range, v2 vma) (vma, bool) {
	if v1.realPerms != v2.realPerms || v1.maxPerms != v2.maxPerms ||
		v1.private != v2.private || v1.growsDown != v2.growsDown ||
		v1.mlockMode != v2.mlockMode || v1.id != v2.id {
		return vma{}, false
	}
	if v1.mappable != v2.mappable {
		return vma{}, false
	}
	if v1.mappable != nil && v1.off+r1.Length() != v2.off {
		return vma{}, false
	}
	return v1, true
}

func (vmaSetFuncs) Split(r segment.Range, v vma, at uint64) (vma, vma) {
	left, right := v, v
	if v.mappable != nil {
		right.off = v.off + (at - r.Start)
	}
	return left, right
}

// applicationAddrRange returns the full range the layout permits mappings
// within.
func (mm *MemoryManager) applicationAddrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: mm.layout.MinAddr, End: mm.layout.MaxAddr}
}

// getVMAsLocked returns the range of ar that is covered by VMAs granting
// at least access, stopping at the first gap or permission failure. It
// returns the last VMA segment examined (if any covered ar.Start) and the
// address of the first byte not covered, which equals ar.End on full
// success.
//
// Preconditions: mm.mappingMu is locked.
func (mm *MemoryManager) getVMAsLocked(ar hostarch.AddrRange, access hostarch.AccessType, ignorePerms bool) (segment.Segment[vma], hostarch.Addr, error) {
	if ar.IsEmpty() {
		return segment.Segment[vma]{}, ar.Start, nil
	}
	seg, ok := mm.vmas.FindSegment(uint64(ar.Start))
	if !ok {
		return segment.Segment[vma]{}, ar.Start, &BadAddressError{Addr: ar.Start}
	}
	var last segment.Segment[vma]
	addr := ar.Start
	for {
		v := seg.Value()
		if !ignorePerms && !v.realPerms.IsSupersetOf(access) {
			return last, addr, &PermissionDeniedError{Addr: addr}
		}
		last = seg
		segEnd := hostarch.Addr(seg.End())
		if segEnd >= ar.End {
			return last, ar.End, nil
		}
		addr = segEnd
		next, ok := mm.vmas.NextSegment(seg)
		if !ok || next.Start() != seg.End() {
			return last, addr, &BadAddressError{Addr: addr}
		}
		seg = next
	}
}
