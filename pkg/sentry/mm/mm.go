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

// Package mm implements the MemoryManager facade (component J): the
// two-layer VMA/PMA address-space abstraction with demand paging,
// copy-on-write, mremap, and page-cache integration that a ptrace
// supervisor drives on behalf of one guest task.
package mm

import (
	"fmt"

	gosync "github.com/ocisandbox/gosentry/pkg/sync"

	"github.com/ocisandbox/gosentry/pkg/context"
	"github.com/ocisandbox/gosentry/pkg/hostarch"
	"github.com/ocisandbox/gosentry/pkg/segment"
	"github.com/ocisandbox/gosentry/pkg/sentry/arch"
	"github.com/ocisandbox/gosentry/pkg/sentry/limits"
	"github.com/ocisandbox/gosentry/pkg/sentry/memmap"
	"github.com/ocisandbox/gosentry/pkg/sentry/pgalloc"
	"github.com/ocisandbox/gosentry/pkg/sentry/platform"
)

// checkInvariants enables expensive self-checks used by tests; it is a
// plain constant rather than a build tag so that callers can flip it
// locally without recompiling the whole tree differently.
const checkInvariants = false

// activeLockForked is the lock-order annotation used when two
// MemoryManagers' activeMu must be held simultaneously, as future fork
// support will need; see pkg/sync's NestedLock.
const activeLockForked gosync.LockLevel = 1

// MemoryManager implements the two-layer VMA/PMA address space for a
// single guest task.
//
// Lock order: mappingMu -> activeMu -> (vmas/pmas are protected by
// mappingMu; pmas' contents additionally require activeMu to mutate) ->
// privateRefs -> the physical store's own internal lock.
type MemoryManager struct {
	p  platform.Platform
	mf *pgalloc.MemoryFile

	// metadataMu protects argv/envv/auxv and the layout, which change only
	// during process setup.
	metadataMu gosync.Mutex
	layout     arch.MmapLayout
	argv       hostarch.AddrRange
	envv       hostarch.AddrRange
	auxv       arch.Auxv

	// mappingMu protects vmas and the accounting counters they determine.
	mappingMu gosync.RWMutex
	vmas      *segment.Set[vma]
	brk       hostarch.AddrRange
	usageAS   uint64
	dataAS    uint64
	lockedAS  uint64

	// activeMu protects pmas and the installed address space.
	activeMu    gosync.RWMutex
	pmas        *segment.Set[pma]
	as          platform.AddressSpace
	asMissing   bool // true once a mutation occurred with as == nil
	curRSS      uint64
	maxRSS      uint64

	// privateRefs is shared by every MemoryManager backed by the same
	// physical store; it is how CoW decides a page is uniquely held.
	privateRefs *privateRefSet

	limits *limits.LimitSet

	// captureInvalidations, when true, causes Invalidate to record rather
	// than apply invalidations. No caller currently sets this (fork is out
	// of scope), but Invalidate's contract depends on checking it.
	captureInvalidations bool
	captured             []capturedInvalidation
}

type capturedInvalidation struct {
	ar   hostarch.AddrRange
	opts invalidateOpts
}

// New returns a MemoryManager with no mappings, backed by mf and driven
// through p, sharing refs with other MemoryManagers on the same store.
func New(p platform.Platform, mf *pgalloc.MemoryFile, refs *privateRefSet, ls *limits.LimitSet) *MemoryManager {
	if refs == nil {
		refs = newPrivateRefSet()
	}
	if ls == nil {
		ls = limits.NewLimitSet()
	}
	return &MemoryManager{
		p:           p,
		mf:          mf,
		vmas:        segment.NewSet[vma](vmaSetFuncs{}),
		pmas:        segment.NewSet[pma](pmaSetFuncs{}),
		privateRefs: refs,
		limits:      ls,
	}
}

// SetMmapLayout initializes mm's layout from the platform's address-space
// bounds and the resource limits that bound stack growth.
//
// Preconditions: mm contains no mappings and is not used concurrently.
func (mm *MemoryManager) SetMmapLayout() (arch.MmapLayout, error) {
	layout, err := arch.NewMmapLayout(mm.p.MinUserAddress(), mm.p.MaxUserAddress(), mm.limits)
	if err != nil {
		return arch.MmapLayout{}, err
	}
	mm.layout = layout
	return layout, nil
}

// SetAddressSpace wires the address-space driver in. If mutations occurred
// before this call (asMissing), every VMA's PMAs are treated as needing
// reinstallation on next access; nothing is eagerly reinstalled.
func (mm *MemoryManager) SetAddressSpace(as platform.AddressSpace) {
	mm.activeMu.Lock()
	defer mm.activeMu.Unlock()
	mm.as = as
	mm.asMissing = false
}

// SetArgvEnvvAuxv records process metadata used by later /proc emulation.
// The memory manager never interprets these values itself.
func (mm *MemoryManager) SetArgvEnvvAuxv(argv, envv hostarch.AddrRange, auxv arch.Auxv) {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	mm.argv = argv
	mm.envv = envv
	mm.auxv = auxv
}

// Destroy tears down mm's address space, releasing every PMA's reference
// on the physical store and every remaining VMA's MappingIdentity. It is
// called once, on task exit.
func (mm *MemoryManager) Destroy() {
	mm.activeMu.Lock()
	for pseg, ok := mm.pmas.FirstSegment(); ok; {
		mm.derefPMALocked(pseg)
		next, nok := mm.pmas.NextSegment(pseg)
		mm.pmas.Remove(pseg)
		pseg, ok = next, nok
	}
	if ar := mm.applicationAddrRangeLocked(); ar.Length() != 0 && mm.as != nil {
		mm.as.Unmap(ar.Start, ar.Length())
	}
	if mm.as != nil {
		mm.as.Release()
		mm.as = nil
	}
	mm.activeMu.Unlock()

	ctx := context.Background("destroy")
	var droppedIDs []memmap.MappingIdentity
	mm.mappingMu.Lock()
	if ar := mm.applicationAddrRangeLocked(); ar.Length() != 0 {
		droppedIDs = mm.unmapLocked(ctx, ar, droppedIDs)
	}
	mm.mappingMu.Unlock()

	for _, id := range droppedIDs {
		id.DecRef(ctx)
	}
}

func (mm *MemoryManager) applicationAddrRangeLocked() hostarch.AddrRange {
	return hostarch.AddrRange{Start: mm.layout.MinAddr, End: mm.layout.MaxAddr}
}

// UsageAS returns the current sum of all VMA lengths.
func (mm *MemoryManager) UsageAS() uint64 {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	return mm.usageAS
}

// DataAS returns the current sum of private, writable, non-grows_down VMA
// lengths (the portion counted against RLIMIT_DATA).
func (mm *MemoryManager) DataAS() uint64 {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	return mm.dataAS
}

// CurRSS and MaxRSS report current and historical-peak resident set size.
func (mm *MemoryManager) CurRSS() uint64 {
	mm.activeMu.RLock()
	defer mm.activeMu.RUnlock()
	return mm.curRSS
}

func (mm *MemoryManager) MaxRSS() uint64 {
	mm.activeMu.RLock()
	defer mm.activeMu.RUnlock()
	return mm.maxRSS
}

func (mm *MemoryManager) addRSSLocked(length uint64) {
	mm.curRSS += length
	if mm.curRSS > mm.maxRSS {
		mm.maxRSS = mm.curRSS
	}
}

func (mm *MemoryManager) removeRSSLocked(length uint64) {
	if length > mm.curRSS {
		panic(fmt.Sprintf("mm: RSS underflow: removing %d from %d", length, mm.curRSS))
	}
	mm.curRSS -= length
}

// PrintVMAs is a debug helper exposed to the supervisor's print_vmas
// operation (§6.1).
func (mm *MemoryManager) PrintVMAs() []string {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	var lines []string
	for seg, ok := mm.vmas.FirstSegment(); ok; seg, ok = mm.vmas.NextSegment(seg) {
		v := seg.Value()
		lines = append(lines, fmt.Sprintf("%s %s private=%v grows_down=%v", seg.Range(), v.realPerms, v.private, v.growsDown))
	}
	return lines
}
