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
	"github.com/ocisandbox/gosentry/pkg/context"
	"github.com/ocisandbox/gosentry/pkg/hostarch"
	"github.com/ocisandbox/gosentry/pkg/segment"
	"github.com/ocisandbox/gosentry/pkg/sentry/arch"
	"github.com/ocisandbox/gosentry/pkg/sentry/limits"
	"github.com/ocisandbox/gosentry/pkg/sentry/memmap"
)

// MMapOpts configures MMap (§4.10.1).
type MMapOpts struct {
	Length     uint64
	Addr       hostarch.Addr
	Offset     uint64
	Mappable   memmap.Mappable
	MappingID  memmap.MappingIdentity
	Fixed      bool
	Unmap      bool
	Private    bool
	GrowsDown  bool
	Precommit  bool
	Perms      hostarch.AccessType
	MaxPerms   hostarch.AccessType
	MLockMode  MLockMode
	Map32Bit   bool
}

// smallMappingLimit is the size below which a private anonymous mapping is
// populated eagerly regardless of Precommit, trading a little extra
// zeroing for one less pair of page faults on the common short-lived
// scratch allocation.
const smallMappingLimit = 16 * hostarch.PageSize

// MMap creates a new mapping in mm's address space (§4.10.1).
func (mm *MemoryManager) MMap(ctx context.Context, opts MMapOpts) (hostarch.AddrRange, error) {
	if opts.Length == 0 {
		return hostarch.AddrRange{}, &InvalidArgumentError{Detail: "mmap length is 0"}
	}
	length, ok := hostarch.Addr(opts.Length).PageRoundUp()
	if !ok {
		return hostarch.AddrRange{}, &InvalidArgumentError{Detail: "mmap length overflows"}
	}
	opts.Length = uint64(length)
	if !opts.MaxPerms.IsSupersetOf(opts.Perms) {
		return hostarch.AddrRange{}, &InvalidArgumentError{Detail: "perms exceed max_perms"}
	}
	if opts.Fixed && !opts.Addr.IsPageAligned() {
		return hostarch.AddrRange{}, &InvalidArgumentError{Detail: "fixed mmap address is not page-aligned"}
	}
	if opts.Mappable != nil && !hostarch.Addr(opts.Offset).IsPageAligned() {
		return hostarch.AddrRange{}, &InvalidArgumentError{Detail: "mmap offset is not page-aligned"}
	}
	if opts.MLockMode < MLockNone {
		opts.MLockMode = MLockNone
	}

	var droppedIDs []memmap.MappingIdentity
	defer func() {
		for _, id := range droppedIDs {
			id.DecRef(ctx)
		}
	}()
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()

	ar, err := mm.findAvailableLocked(opts)
	if err != nil {
		return hostarch.AddrRange{}, err
	}

	newUsageAS := mm.usageAS + ar.Length()
	if limit := mm.limits.Get(limits.AS); limit.Cur != limits.Infinity && newUsageAS > limit.Cur {
		return hostarch.AddrRange{}, &OutOfMemoryError{Detail: "RLIMIT_AS exceeded"}
	}

	if opts.Unmap {
		droppedIDs = mm.unmapLocked(ctx, ar, droppedIDs)
	}

	writable := !opts.Private && opts.MaxPerms.Write
	if opts.Mappable != nil {
		if err := opts.Mappable.AddMapping(ctx, mm, ar, opts.Offset, writable); err != nil {
			return hostarch.AddrRange{}, err
		}
	}

	if opts.MappingID != nil {
		opts.MappingID.IncRef()
	}
	v := vma{
		realPerms: opts.Perms,
		maxPerms:  opts.MaxPerms,
		private:   opts.Private || opts.Mappable == nil,
		growsDown: opts.GrowsDown,
		mappable:  opts.Mappable,
		off:       opts.Offset,
		id:        opts.MappingID,
		mlockMode: opts.MLockMode,
	}
	mm.vmas.Add(segment.Range{Start: uint64(ar.Start), End: uint64(ar.End)}, v)
	mm.usageAS += ar.Length()
	if v.isPrivateDataLocked() {
		mm.dataAS += ar.Length()
	}

	populate := opts.Precommit || opts.MLockMode == MLockEager
	if !populate && v.private && opts.Mappable == nil && ar.Length() <= smallMappingLimit {
		populate = true
	}
	if populate {
		mm.activeMu.Lock()
		defer mm.activeMu.Unlock()
		vseg, ok := mm.vmas.FindSegment(uint64(ar.Start))
		if ok {
			if _, _, err := mm.getPMAsLocked(vseg, ar, hostarch.NoAccess()); err == nil {
				mm.mapASLocked(ar, opts.Precommit)
			}
		}
	}

	return ar, nil
}

// findAvailableLocked implements §4.10.1 step 2: fixed placement, or a
// bottom-up/top-down gap search anchored at the layout's randomized base.
func (mm *MemoryManager) findAvailableLocked(opts MMapOpts) (hostarch.AddrRange, error) {
	bounds := mm.applicationAddrRange()
	if opts.Map32Bit {
		bounds = hostarch.AddrRange{Start: arch.Map32Start, End: arch.Map32End}
	}

	if opts.Fixed {
		end, ok := opts.Addr.AddLength(opts.Length)
		if !ok {
			return hostarch.AddrRange{}, &InvalidArgumentError{Detail: "fixed mmap range overflows"}
		}
		ar := hostarch.AddrRange{Start: opts.Addr, End: end}
		if !bounds.IsSupersetOf(ar) {
			return hostarch.AddrRange{}, &InvalidArgumentError{Detail: "fixed mmap range outside address space"}
		}
		if !opts.Unmap && mm.vmas.IntersectsRange(ar) {
			return hostarch.AddrRange{}, &InvalidArgumentError{Detail: "fixed mmap address unavailable"}
		}
		return ar, nil
	}

	base := mm.layout.BottomUpBase
	if mm.layout.DefaultDirection == arch.TopDown && !opts.Map32Bit {
		if ar, ok := mm.findGapTopDownLocked(mm.layout.TopDownBase, opts.Length, bounds); ok {
			return ar, nil
		}
		if ar, ok := mm.findGapBottomUpLocked(bounds.Start, opts.Length, bounds); ok {
			return ar, nil
		}
		return hostarch.AddrRange{}, &OutOfMemoryError{Detail: "no available address range"}
	}
	if ar, ok := mm.findGapBottomUpLocked(base, opts.Length, bounds); ok {
		return ar, nil
	}
	if ar, ok := mm.findGapBottomUpLocked(bounds.Start, opts.Length, bounds); ok {
		return ar, nil
	}
	return hostarch.AddrRange{}, &OutOfMemoryError{Detail: "no available address range"}
}

func (mm *MemoryManager) findGapBottomUpLocked(from hostarch.Addr, length uint64, bounds hostarch.AddrRange) (hostarch.AddrRange, bool) {
	gap := mm.vmas.LowerBoundGap(uint64(from))
	for {
		start := gap.Start()
		if start < uint64(from) {
			start = uint64(from)
		}
		end := start + length
		if end < start || end > uint64(bounds.End) {
			next, ok := mm.vmas.NextLargeEnoughGap(gap, length)
			if !ok {
				return hostarch.AddrRange{}, false
			}
			gap = next
			continue
		}
		if end <= gap.End() {
			return hostarch.AddrRange{Start: hostarch.Addr(start), End: hostarch.Addr(end)}, true
		}
		next, ok := mm.vmas.NextLargeEnoughGap(gap, length)
		if !ok {
			return hostarch.AddrRange{}, false
		}
		gap = next
	}
}

func (mm *MemoryManager) findGapTopDownLocked(from hostarch.Addr, length uint64, bounds hostarch.AddrRange) (hostarch.AddrRange, bool) {
	gap := mm.vmas.UpperBoundGap(uint64(from))
	for {
		end := gap.End()
		if end > uint64(from) {
			end = uint64(from)
		}
		if end < uint64(bounds.Start)+length {
			return hostarch.AddrRange{}, false
		}
		start := end - length
		if start >= gap.Start() {
			return hostarch.AddrRange{Start: hostarch.Addr(start), End: hostarch.Addr(end)}, true
		}
		prev, ok := mm.vmas.PrevLargeEnoughGap(gap, length)
		if !ok {
			return hostarch.AddrRange{}, false
		}
		gap = prev
	}
}

// Munmap removes the mapping in [addr, addr+length) (§4.10.2).
func (mm *MemoryManager) Munmap(addr hostarch.Addr, length uint64) error {
	if length == 0 {
		return &InvalidArgumentError{Detail: "munmap length is 0"}
	}
	if !addr.IsPageAligned() {
		return &InvalidArgumentError{Detail: "munmap address is not page-aligned"}
	}
	la, ok := hostarch.Addr(length).PageRoundUp()
	if !ok {
		return &InvalidArgumentError{Detail: "munmap length overflows"}
	}
	end, ok := addr.AddLength(uint64(la))
	if !ok {
		return &InvalidArgumentError{Detail: "munmap range overflows"}
	}

	ctx := context.Background("munmap")
	var droppedIDs []memmap.MappingIdentity
	defer func() {
		for _, id := range droppedIDs {
			id.DecRef(ctx)
		}
	}()
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	droppedIDs = mm.unmapLocked(ctx, hostarch.AddrRange{Start: addr, End: end}, droppedIDs)
	return nil
}

// unmapLocked invalidates every PMA in ar (including private ones) and
// removes the covering VMAs, notifying each Mappable and updating the
// accounting counters. Every removed VMA's MappingIdentity (if any) is
// appended to droppedIDs rather than DecRef'd here: DecRef can block or
// reacquire locks, so callers must drop mm.mappingMu first and DecRef the
// returned slice afterward.
//
// Preconditions: mm.mappingMu is locked for writing.
func (mm *MemoryManager) unmapLocked(ctx context.Context, ar hostarch.AddrRange, droppedIDs []memmap.MappingIdentity) []memmap.MappingIdentity {
	if ar.IsEmpty() {
		return droppedIDs
	}
	mm.activeMu.Lock()
	mm.invalidateLocked(ar, true)
	mm.activeMu.Unlock()

	seg, ok := mm.vmas.LowerBoundSegment(uint64(ar.Start))
	for ok && seg.Start() < uint64(ar.End) {
		iso := mm.vmas.Isolate(seg, segment.Range{Start: uint64(ar.Start), End: uint64(ar.End)})
		v := iso.Value()
		segAR := hostarch.AddrRange{Start: hostarch.Addr(iso.Start()), End: hostarch.Addr(iso.End())}
		if v.mappable != nil {
			writable := !v.private && v.maxPerms.Write
			v.mappable.RemoveMapping(ctx, mm, segAR, v.off, writable)
		}
		if v.id != nil {
			droppedIDs = append(droppedIDs, v.id)
		}
		mm.usageAS -= segAR.Length()
		if v.isPrivateDataLocked() {
			mm.dataAS -= segAR.Length()
		}
		next, nok := mm.vmas.NextSegment(iso)
		mm.vmas.Remove(iso)
		seg, ok = next, nok
	}
	return droppedIDs
}

// Mprotect changes the permissions of [addr, addr+length) (§4.10.3).
func (mm *MemoryManager) Mprotect(addr hostarch.Addr, length uint64, perms hostarch.AccessType, growsDown bool) error {
	if !addr.IsPageAligned() {
		return &InvalidArgumentError{Detail: "mprotect address is not page-aligned"}
	}
	la, ok := hostarch.Addr(length).PageRoundUp()
	if !ok {
		return &InvalidArgumentError{Detail: "mprotect length overflows"}
	}
	end, ok := addr.AddLength(uint64(la))
	if !ok {
		return &InvalidArgumentError{Detail: "mprotect range overflows"}
	}
	ar := hostarch.AddrRange{Start: addr, End: end}
	if ar.IsEmpty() {
		return nil
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()

	seg, ok := mm.vmas.FindSegment(uint64(ar.Start))
	if !ok {
		return &BadAddressError{Addr: ar.Start}
	}
	for cur := seg; ; {
		v := cur.Value()
		if growsDown && !v.growsDown {
			return &InvalidArgumentError{Detail: "grows_down requested on a non-grows_down VMA"}
		}
		if !v.maxPerms.IsSupersetOf(perms) {
			return &PermissionDeniedError{Addr: hostarch.Addr(cur.Start())}
		}
		if cur.End() >= uint64(ar.End) {
			break
		}
		next, ok := mm.vmas.NextSegment(cur)
		if !ok || next.Start() != cur.End() {
			return &BadAddressError{Addr: hostarch.Addr(cur.End())}
		}
		cur = next
	}

	mm.activeMu.Lock()
	defer mm.activeMu.Unlock()

	vseg, _ := mm.vmas.FindSegment(uint64(ar.Start))
	for ok := true; ok && vseg.Start() < uint64(ar.End); {
		iso := mm.vmas.Isolate(vseg, segment.Range{Start: uint64(ar.Start), End: uint64(ar.End)})
		v := iso.Value()
		wasData := v.isPrivateDataLocked()
		v.realPerms = perms
		nowData := v.isPrivateDataLocked()
		iso = iso.SetValue(v)
		switch {
		case wasData && !nowData:
			mm.dataAS -= iso.Range().Length()
		case !wasData && nowData:
			mm.dataAS += iso.Range().Length()
		}

		segAR := hostarch.AddrRange{Start: hostarch.Addr(iso.Start()), End: hostarch.Addr(iso.End())}
		mm.shrinkPMAPermsLocked(segAR, perms)

		vseg, ok = mm.vmas.NextSegment(iso)
	}
	mm.vmas.MergeAdjacent(segment.Range{Start: uint64(ar.Start), End: uint64(ar.End)})
	return nil
}

// shrinkPMAPermsLocked clamps the part of every PMA intersecting ar to
// perms, dropping the tracee's mapping once per PMA whose effective perms
// shrink so it refaults through get_pmas on next access.
//
// Preconditions: mm.activeMu is locked.
func (mm *MemoryManager) shrinkPMAPermsLocked(ar hostarch.AddrRange, perms hostarch.AccessType) {
	pseg, ok := mm.pmas.LowerBoundSegment(uint64(ar.Start))
	for ok && pseg.Start() < uint64(ar.End) {
		p := pseg.Value()
		newEffective := perms.Intersect(p.translatePerms)
		if p.needCOW {
			newEffective.Write = false
		}
		if newEffective != p.effectivePerms {
			pseg = mm.pmas.Isolate(pseg, segment.Range{Start: uint64(ar.Start), End: uint64(ar.End)})
			p = pseg.Value()
			shrank := !newEffective.IsSupersetOf(p.effectivePerms)
			p.effectivePerms = newEffective
			pseg = pseg.SetValue(p)
			if shrank {
				segAR := hostarch.AddrRange{Start: hostarch.Addr(pseg.Start()), End: hostarch.Addr(pseg.End())}
				mm.unmapASLocked(segAR)
			}
		}
		pseg, ok = mm.pmas.NextSegment(pseg)
	}
}

// MRemapOpts configures MRemap (§4.10.4).
type MRemapOpts struct {
	// Move selects whether the mapping may (or must) move if it cannot be
	// resized in place.
	Move   MRemapMoveMode
	NewAddr hostarch.Addr
}

// MRemapMoveMode selects mremap's move behavior.
type MRemapMoveMode int

const (
	// MRemapNoMove forbids moving the mapping; only in-place resize is
	// attempted.
	MRemapNoMove MRemapMoveMode = iota
	// MRemapMayMove permits a move if in-place resize is not possible.
	MRemapMayMove
	// MRemapMustMove requires moving to NewAddr.
	MRemapMustMove
)

// MRemap implements mremap(2) (§4.10.4).
func (mm *MemoryManager) MRemap(oldAddr hostarch.Addr, oldLength, newLength uint64, opts MRemapOpts) (hostarch.AddrRange, error) {
	if !oldAddr.IsPageAligned() {
		return hostarch.AddrRange{}, &InvalidArgumentError{Detail: "mremap old address is not page-aligned"}
	}
	oldLenR, ok := hostarch.Addr(oldLength).PageRoundUp()
	if !ok {
		return hostarch.AddrRange{}, &InvalidArgumentError{Detail: "mremap old length overflows"}
	}
	newLenR, ok := hostarch.Addr(newLength).PageRoundUp()
	if !ok || newLenR == 0 {
		return hostarch.AddrRange{}, &InvalidArgumentError{Detail: "mremap new length is invalid"}
	}
	oldEnd, ok := oldAddr.AddLength(uint64(oldLenR))
	if !ok {
		return hostarch.AddrRange{}, &InvalidArgumentError{Detail: "mremap old range overflows"}
	}
	oldAR := hostarch.AddrRange{Start: oldAddr, End: oldEnd}

	ctx := context.Background("mremap")
	var droppedIDs []memmap.MappingIdentity
	defer func() {
		for _, id := range droppedIDs {
			id.DecRef(ctx)
		}
	}()
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()

	vseg, ok := mm.vmas.FindSegment(uint64(oldAR.Start))
	if !ok || vseg.End() < uint64(oldAR.End) {
		return hostarch.AddrRange{}, &InvalidArgumentError{Detail: "mremap source is not a single mapping"}
	}
	v := vseg.Value()

	if opts.Move != MRemapMustMove {
		if uint64(newLenR) <= oldAR.Length() {
			shrinkFrom := oldAR.Start + hostarch.Addr(newLenR)
			droppedIDs = mm.unmapLocked(ctx, hostarch.AddrRange{Start: shrinkFrom, End: oldAR.End}, droppedIDs)
			return hostarch.AddrRange{Start: oldAR.Start, End: shrinkFrom}, nil
		}
		grow := uint64(newLenR) - oldAR.Length()
		extEnd, ok := oldAR.End.AddLength(grow)
		if ok && !mm.vmas.IntersectsRange(hostarch.AddrRange{Start: oldAR.End, End: extEnd}) &&
			mm.applicationAddrRange().IsSupersetOf(hostarch.AddrRange{Start: oldAR.Start, End: extEnd}) {
			ext := v
			ext.off = v.off + oldAR.Length()
			mm.vmas.Add(segment.Range{Start: uint64(oldAR.End), End: uint64(extEnd)}, ext)
			mm.vmas.MergeAdjacent(segment.Range{Start: uint64(oldAR.Start), End: uint64(extEnd)})
			mm.usageAS += grow
			if v.isPrivateDataLocked() {
				mm.dataAS += grow
			}
			return hostarch.AddrRange{Start: oldAR.Start, End: extEnd}, nil
		}
		if opts.Move == MRemapNoMove {
			return hostarch.AddrRange{}, &OutOfMemoryError{Detail: "mremap in-place extension unavailable"}
		}
	}

	newStart := opts.NewAddr
	newEnd, ok := newStart.AddLength(uint64(newLenR))
	if !ok {
		return hostarch.AddrRange{}, &InvalidArgumentError{Detail: "mremap new range overflows"}
	}
	newAR := hostarch.AddrRange{Start: newStart, End: newEnd}
	if newAR.Overlaps(oldAR) {
		return hostarch.AddrRange{}, &BusyError{Detail: "mremap new range overlaps old range"}
	}
	if !mm.applicationAddrRange().IsSupersetOf(newAR) {
		return hostarch.AddrRange{}, &InvalidArgumentError{Detail: "mremap new range outside address space"}
	}

	droppedIDs = mm.unmapLocked(ctx, newAR, droppedIDs)

	if v.mappable != nil {
		writable := !v.private && v.maxPerms.Write
		if err := v.mappable.CopyMapping(ctx, mm, oldAR, newAR, v.off, writable); err != nil {
			return hostarch.AddrRange{}, err
		}
	}

	mm.activeMu.Lock()
	mm.movePMAsLocked(oldAR, newAR.Start)
	mm.activeMu.Unlock()

	newV := v
	mm.vmas.Remove(vseg)
	mm.vmas.Add(segment.Range{Start: uint64(newAR.Start), End: uint64(newAR.Start) + oldAR.Length()}, newV)
	if uint64(newLenR) > oldAR.Length() {
		tail := newV
		tail.off = v.off + oldAR.Length()
		mm.vmas.Add(segment.Range{Start: uint64(newAR.Start) + oldAR.Length(), End: uint64(newAR.End)}, tail)
		mm.usageAS += uint64(newLenR) - oldAR.Length()
	}
	mm.vmas.MergeAdjacent(segment.Range{Start: uint64(newAR.Start), End: uint64(newAR.End)})

	return newAR, nil
}

// movePMAsLocked relocates every PMA in oldAR to start at newStart,
// removing and reinserting each with an adjusted key, and moves its
// tracee mapping via unmap-then-remap (there is no remote mremap in this
// backend).
//
// Preconditions: mm.activeMu is locked.
func (mm *MemoryManager) movePMAsLocked(oldAR hostarch.AddrRange, newStart hostarch.Addr) {
	delta := int64(newStart) - int64(oldAR.Start)
	mm.unmapASLocked(oldAR)

	pseg, ok := mm.pmas.LowerBoundSegment(uint64(oldAR.Start))
	var moved []segment.Range
	var values []pma
	for ok && pseg.Start() < uint64(oldAR.End) {
		iso := mm.pmas.Isolate(pseg, segment.Range{Start: uint64(oldAR.Start), End: uint64(oldAR.End)})
		moved = append(moved, iso.Range())
		values = append(values, iso.Value())
		next, nok := mm.pmas.NextSegment(iso)
		mm.pmas.Remove(iso)
		pseg, ok = next, nok
	}
	for i, r := range moved {
		newR := segment.Range{Start: uint64(int64(r.Start) + delta), End: uint64(int64(r.End) + delta)}
		mm.pmas.Insert(newR, values[i])
	}
	newAR := hostarch.AddrRange{Start: newStart, End: hostarch.Addr(int64(oldAR.End) + delta)}
	mm.mapASLocked(newAR, false)
}

// Brk implements brk(2) (§4.10.5): it returns the new break on success, or
// the unchanged current break on failure, matching Linux semantics of
// never returning an error from brk.
func (mm *MemoryManager) Brk(ctx context.Context, addr hostarch.Addr) hostarch.Addr {
	var droppedIDs []memmap.MappingIdentity
	defer func() {
		for _, id := range droppedIDs {
			id.DecRef(ctx)
		}
	}()
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()

	if mm.brk.Start == 0 {
		// SetBrkStart has never been called; Brk has nothing to grow.
		return mm.brk.End
	}
	if addr < mm.brk.Start {
		return mm.brk.End
	}

	oldEnd, ok := mm.brk.End.PageRoundUp()
	if !ok {
		return mm.brk.End
	}
	newEnd, ok := addr.PageRoundUp()
	if !ok {
		return mm.brk.End
	}

	if newEnd < oldEnd {
		droppedIDs = mm.unmapLocked(ctx, hostarch.AddrRange{Start: newEnd, End: oldEnd}, droppedIDs)
		mm.brk.End = addr
		return addr
	}
	if newEnd == oldEnd {
		mm.brk.End = addr
		return addr
	}

	grow := uint64(newEnd) - uint64(oldEnd)
	if limit := mm.limits.Get(limits.Data); limit.Cur != limits.Infinity {
		used := mm.dataAS + grow
		if used > limit.Cur {
			return mm.brk.End
		}
	}
	growAR := hostarch.AddrRange{Start: oldEnd, End: newEnd}
	if mm.vmas.IntersectsRange(growAR) {
		return mm.brk.End
	}

	v := vma{
		realPerms: hostarch.ReadWrite(),
		maxPerms:  hostarch.AnyAccess(),
		private:   true,
	}
	mm.vmas.Add(segment.Range{Start: uint64(growAR.Start), End: uint64(growAR.End)}, v)
	mm.vmas.MergeAdjacent(segment.Range{Start: uint64(growAR.Start), End: uint64(growAR.End)})
	mm.usageAS += grow
	mm.dataAS += grow
	mm.brk.End = addr
	return addr
}

// SetBrkStart establishes the initial break range, used once during
// process setup.
func (mm *MemoryManager) SetBrkStart(start hostarch.Addr) {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	mm.brk = hostarch.AddrRange{Start: start, End: start}
}

// HandleUserFault implements the SIGSEGV entry point (§4.10.6).
func (mm *MemoryManager) HandleUserFault(ctx context.Context, addr hostarch.Addr, access hostarch.AccessType) error {
	ar := hostarch.AddrRange{Start: addr.PageRoundDown()}
	end, ok := ar.Start.AddLength(hostarch.PageSize)
	if !ok {
		return &BadAddressError{Addr: addr}
	}
	ar.End = end

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	vseg, _, err := mm.getVMAsLocked(ar, access, false)
	if err != nil {
		return err
	}

	mm.activeMu.Lock()
	defer mm.activeMu.Unlock()
	if _, _, err := mm.getPMAsLocked(vseg, ar, access); err != nil {
		return err
	}
	return mm.mapASLocked(ar, false)
}
