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
	"github.com/ocisandbox/gosentry/pkg/safemem"
	"github.com/ocisandbox/gosentry/pkg/segment"
	"github.com/ocisandbox/gosentry/pkg/sentry/memmap"
	"github.com/ocisandbox/gosentry/pkg/sentry/pgalloc"
	"github.com/ocisandbox/gosentry/pkg/sentry/platform"
	"github.com/ocisandbox/gosentry/pkg/usage"
)

// platformFileRange converts a physical-store FileRange to the range type
// the platform package's AddressSpace.MapFile expects, keeping the two
// packages independent of each other's concrete FileRange type.
func platformFileRange(fr pgalloc.FileRange) platform.FileRange {
	return platform.FileRange{Start: fr.Start, End: fr.End}
}

// pma is the value type of the PMA set (component H): what currently
// backs a range of address space, a refinement of whatever VMA covers it.
type pma struct {
	off uint64 // offset into mm.mf's backing file

	// translatePerms is what the Mappable (or, for anonymous memory, the
	// allocator) granted when this PMA was filled.
	translatePerms hostarch.AccessType
	// effectivePerms is what the guest may actually use right now; always
	// a subset of translatePerms and of the covering VMA's realPerms.
	effectivePerms hostarch.AccessType
	maxPerms       hostarch.AccessType

	private bool
	needCOW bool

	haveInternalMappings bool
	internalMappings     safemem.BlockSeq
}

func (p pma) fileRange(length uint64) pgalloc.FileRange {
	return pgalloc.FileRange{Start: p.off, End: p.off + length}
}

type pmaSetFuncs struct{}

func (pmaSetFuncs) Merge(r1 segment.Range, p1 pma, r2 segment.Range, p2 pma) (pma, bool) {
	if p1.off+r1.Length() != p2.off {
		return pma{}, false
	}
	if p1.translatePerms != p2.translatePerms || p1.effectivePerms != p2.effectivePerms ||
		p1.maxPerms != p2.maxPerms || p1.private != p2.private || p1.needCOW != p2.needCOW {
		return pma{}, false
	}
	merged := p1
	merged.haveInternalMappings = false
	merged.internalMappings = safemem.BlockSeq{}
	return merged, true
}

func (pmaSetFuncs) Split(r segment.Range, p pma, at uint64) (pma, pma) {
	left, right := p, p
	right.off = p.off + (at - r.Start)
	left.haveInternalMappings = false
	left.internalMappings = safemem.BlockSeq{}
	right.haveInternalMappings = false
	right.internalMappings = safemem.BlockSeq{}
	return left, right
}

// getInternalMappingsLocked returns a BlockSeq addressing pseg's PMA
// directly in the tracer's own address space, computing and caching it on
// first use.
//
// Preconditions: mm.activeMu is locked.
func (mm *MemoryManager) getInternalMappingsLocked(pseg segment.Segment[pma]) (safemem.BlockSeq, error) {
	p := pseg.Value()
	if p.haveInternalMappings {
		return p.internalMappings, nil
	}
	perms := p.maxPerms
	perms.Execute = false
	bs, err := mm.mf.MapInternal(p.fileRange(pseg.Range().Length()), perms)
	if err != nil {
		return safemem.BlockSeq{}, err
	}
	p.haveInternalMappings = true
	p.internalMappings = bs
	pseg.SetValue(p)
	return bs, nil
}

// derefPMALocked drops mm's reference on pseg's backing file range and
// counts it out of RSS. The caller is responsible for removing pseg from
// mm.pmas (and, if installed, unmapping it from the tracee) separately.
//
// Preconditions: mm.activeMu is locked.
func (mm *MemoryManager) derefPMALocked(pseg segment.Segment[pma]) {
	p := pseg.Value()
	length := pseg.Range().Length()
	mm.mf.DecRef(p.fileRange(length))
	if p.private {
		mm.privateRefs.forget(p.fileRange(length))
	}
	mm.removeRSSLocked(length)
}

// getPMAsLocked is the central algorithm (§4.8.1): it ensures that every
// byte of ar, widened to page boundaries, is backed by a PMA granting
// access, filling gaps from the covering VMA's Mappable (or the physical
// store, if anonymous), promoting permissions, and breaking copy-on-write
// as needed. ar must be covered by contiguous VMAs; vseg is one of them,
// and the VMA covering each address is looked up as the walk reaches it.
// It returns the last PMA segment reached and the address of the first
// byte it failed to back, which is the page-rounded ar.End on success.
//
// Preconditions: mm.mappingMu and mm.activeMu are locked for writing.
func (mm *MemoryManager) getPMAsLocked(vseg segment.Segment[vma], ar hostarch.AddrRange, access hostarch.AccessType) (segment.Segment[pma], hostarch.Addr, error) {
	if ar.IsEmpty() {
		return segment.Segment[pma]{}, ar.Start, nil
	}
	// PMAs are allocated in whole pages.
	roundedEnd, ok := ar.End.PageRoundUp()
	if !ok {
		return segment.Segment[pma]{}, ar.Start, &BadAddressError{Addr: ar.Start}
	}
	ar = hostarch.AddrRange{Start: ar.Start.PageRoundDown(), End: roundedEnd}

	var last segment.Segment[pma]
	addr := ar.Start
	for addr < ar.End {
		if !vseg.Range().Contains(uint64(addr)) {
			next, ok := mm.vmas.FindSegment(uint64(addr))
			if !ok {
				return last, addr, &BadAddressError{Addr: addr}
			}
			vseg = next
		}
		pseg, pgap := mm.findPMAOrGap(addr)
		if pgap.Ok() {
			end := hostarch.Addr(pgap.End())
			if end > ar.End {
				end = ar.End
			}
			if vEnd := hostarch.Addr(vseg.End()); end > vEnd {
				end = vEnd
			}
			if _, err := mm.fillGapLocked(vseg, hostarch.AddrRange{Start: addr, End: end}, access); err != nil {
				return last, addr, err
			}
			// Loop back so the new PMA gets the same permission and
			// copy-on-write checks as one that already existed.
			continue
		} else {
			p := pseg.Value()
			if !p.translatePerms.IsSupersetOf(access) {
				promoted, err := mm.promotePermsLocked(vseg, pseg, access)
				if err != nil {
					return last, addr, err
				}
				pseg = promoted
				p = pseg.Value()
			}
			if access.Write && p.needCOW {
				broken, err := mm.breakCOWLocked(vseg, pseg)
				if err != nil {
					return last, addr, err
				}
				pseg = broken
				p = pseg.Value()
			}
			if !p.effectivePerms.IsSupersetOf(access) {
				return last, addr, &PermissionDeniedError{Addr: hostarch.Addr(addr)}
			}
		}
		last = pseg
		addr = hostarch.Addr(pseg.End())
	}
	return last, ar.End, nil
}

func (mm *MemoryManager) findPMAOrGap(addr hostarch.Addr) (segment.Segment[pma], segment.Gap[pma]) {
	if seg, ok := mm.pmas.FindSegment(uint64(addr)); ok {
		return seg, segment.Gap[pma]{}
	}
	gap, _ := mm.pmas.FindGap(uint64(addr))
	return segment.Segment[pma]{}, gap
}

// fillGapLocked backs g (a sub-range of a gap in the PMA set, fully
// covered by vseg) with one or more new PMAs, translating through vseg's
// Mappable or allocating anonymous memory, and returns the PMA segment
// covering g.Start.
func (mm *MemoryManager) fillGapLocked(vseg segment.Segment[vma], g hostarch.AddrRange, access hostarch.AccessType) (segment.Segment[pma], error) {
	v := vseg.Value()
	offsetAtStart := v.off + (uint64(g.Start) - vseg.Start())

	if v.mappable == nil {
		fr, err := mm.mf.Allocate(g.Length(), pgalloc.AllocOpts{Kind: usage.Anonymous, Dir: pgalloc.BottomUp})
		if err != nil {
			return segment.Segment[pma]{}, &OutOfMemoryError{Detail: err.Error()}
		}
		newP := pma{
			off:            fr.Start,
			translatePerms: hostarch.AnyAccess(),
			effectivePerms: v.realPerms,
			maxPerms:       v.maxPerms,
			private:        true,
		}
		seg := mm.pmas.Insert(segment.Range{Start: uint64(g.Start), End: uint64(g.End)}, newP)
		mm.addRSSLocked(g.Length())
		mm.privateRefs.setSoleRef(fr)
		return seg, nil
	}

	reqPerms := access
	if v.private {
		reqPerms.Read = true
	}
	required := memmap.MappableRange{Start: offsetAtStart, End: offsetAtStart + g.Length()}
	translations, err := v.mappable.Translate(nil, required, required, reqPerms)
	if len(translations) == 0 {
		if err == nil {
			err = &BadAddressError{Addr: g.Start}
		}
		return segment.Segment[pma]{}, err
	}

	var first segment.Segment[pma]
	addr := g.Start
	for i, t := range translations {
		length := t.Source.Length()
		perms := t.Perms
		effective := perms
		needCOW := false
		if v.private {
			needCOW = true
			effective.Write = false
		}
		newP := pma{
			off:            t.Offset,
			translatePerms: perms,
			effectivePerms: effective,
			maxPerms:       v.maxPerms,
			private:        false,
			needCOW:        needCOW,
		}
		seg := mm.pmas.Insert(segment.Range{Start: uint64(addr), End: uint64(addr) + length}, newP)
		mm.addRSSLocked(length)
		if i == 0 {
			first = seg
		}
		addr += hostarch.Addr(length)
	}
	if err != nil {
		return first, err
	}
	return first, nil
}

// promotePermsLocked re-translates pseg's range with the union of its
// current and newly requested access, so that translatePerms grows to
// cover access (§4.8.1 step 2).
func (mm *MemoryManager) promotePermsLocked(vseg segment.Segment[vma], pseg segment.Segment[pma], access hostarch.AccessType) (segment.Segment[pma], error) {
	v := vseg.Value()
	if v.mappable == nil {
		// Anonymous PMAs are always allocated with AnyAccess translate
		// perms; there is nothing to promote.
		return pseg, &PermissionDeniedError{Addr: hostarch.Addr(pseg.Start())}
	}
	p := pseg.Value()
	union := p.translatePerms.Union(access)
	if v.private {
		union.Read = true
	}
	pr := pseg.Range()
	mr := memmap.MappableRange{Start: addrToOffset(vseg, hostarch.Addr(pr.Start)), End: addrToOffset(vseg, hostarch.Addr(pr.End))}
	translations, err := v.mappable.Translate(nil, mr, mr, union)
	if len(translations) == 0 {
		if err == nil {
			err = &PermissionDeniedError{Addr: hostarch.Addr(pseg.Start())}
		}
		return pseg, err
	}
	t := translations[0]
	p.translatePerms = t.Perms
	p.off = t.Offset
	if !p.needCOW {
		p.effectivePerms = t.Perms.Intersect(v.realPerms)
	}
	p.haveInternalMappings = false
	pseg.SetValue(p)
	return pseg, nil
}

func addrToOffset(vseg segment.Segment[vma], addr hostarch.Addr) uint64 {
	v := vseg.Value()
	return v.off + (uint64(addr) - vseg.Start())
}

// breakCOWLocked gives pseg its own private, writable copy of its current
// contents (§4.8.1 step 3 / §4.8.2).
func (mm *MemoryManager) breakCOWLocked(vseg segment.Segment[vma], pseg segment.Segment[pma]) (segment.Segment[pma], error) {
	v := vseg.Value()
	p := pseg.Value()
	length := pseg.Range().Length()

	if mm.privateRefs.isSoleRef(p.fileRange(length)) {
		p.needCOW = false
		p.effectivePerms = v.realPerms.Intersect(p.translatePerms)
		p.effectivePerms.Write = v.realPerms.Write
		pseg.SetValue(p)
		return pseg, nil
	}

	copyAR := mm.cowCopyRange(vseg, pseg)
	copySeg := mm.pmas.Isolate(pseg, segment.Range{Start: uint64(copyAR.Start), End: uint64(copyAR.End)})
	cp := copySeg.Value()
	copyLen := copySeg.Range().Length()

	bs, err := mm.getInternalMappingsLocked(copySeg)
	if err != nil {
		return copySeg, err
	}
	reader := &safemem.BlockSeqReader{Src: bs}
	fr, err := mm.mf.AllocateAndFill(copyLen, usage.Anonymous, reader)
	if err != nil {
		return copySeg, &OutOfMemoryError{Detail: err.Error()}
	}

	if mm.as != nil {
		mm.as.Unmap(copyAR.Start, copyAR.Length())
	}

	mm.mf.DecRef(cp.fileRange(copyLen))
	cp.off = fr.Start
	cp.private = true
	cp.needCOW = false
	cp.effectivePerms = v.realPerms
	cp.maxPerms = v.maxPerms
	cp.haveInternalMappings = false
	copySeg.SetValue(cp)
	mm.privateRefs.setSoleRef(fr)
	mm.pmas.MergeAdjacent(copySeg.Range())
	merged, _ := mm.pmas.FindSegment(copySeg.Start())
	return merged, nil
}

// cowCopyRange determines the range around pseg to unmap on a CoW break:
// pseg's own range for executable VMAs (not narrowed to the faulting
// address), one extra page on each side for a
// grows_down stack VMA, otherwise huge-page alignment, always clamped to
// vseg. breakCOWLocked copies only the part of this range inside pseg.
func (mm *MemoryManager) cowCopyRange(vseg segment.Segment[vma], pseg segment.Segment[pma]) hostarch.AddrRange {
	v := vseg.Value()
	ar := hostarch.AddrRange{Start: hostarch.Addr(pseg.Start()), End: hostarch.Addr(pseg.End())}
	if v.realPerms.Execute {
		return ar
	}
	if v.growsDown {
		start := ar.Start
		if start > hostarch.Addr(hostarch.PageSize) {
			start -= hostarch.PageSize
		}
		end, ok := ar.End.AddLength(hostarch.PageSize)
		if !ok {
			end = ar.End
		}
		return clampToVMA(vseg, hostarch.AddrRange{Start: start, End: end})
	}
	start := ar.Start.PageRoundDown()
	start = hostarch.Addr(uint64(start) &^ (hostarch.HugePageSize - 1))
	end, ok := ar.End.AddLength(hostarch.HugePageSize - 1)
	if ok {
		end = hostarch.Addr(uint64(end) &^ (hostarch.HugePageSize - 1))
	} else {
		end = ar.End
	}
	return clampToVMA(vseg, hostarch.AddrRange{Start: start, End: end})
}

func clampToVMA(vseg segment.Segment[vma], ar hostarch.AddrRange) hostarch.AddrRange {
	vAR := hostarch.AddrRange{Start: hostarch.Addr(vseg.Start()), End: hostarch.Addr(vseg.End())}
	return ar.Intersect(vAR)
}

// mapASLocked installs pmas intersecting ar into the tracee via the
// address-space driver (§4.8.4).
//
// Preconditions: mm.activeMu is locked.
func (mm *MemoryManager) mapASLocked(ar hostarch.AddrRange, precommit bool) error {
	if mm.as == nil {
		mm.asMissing = true
		return nil
	}
	pseg, ok := mm.pmas.LowerBoundSegment(uint64(ar.Start))
	for ok && pseg.Start() < uint64(ar.End) {
		p := pseg.Value()
		if p.effectivePerms.Any() {
			sub := hostarch.AddrRange{Start: hostarch.Addr(pseg.Start()), End: hostarch.Addr(pseg.End())}.Intersect(ar)
			delta := uint64(sub.Start) - pseg.Start()
			fr := p.fileRange(pseg.Range().Length())
			fr.Start += delta
			fr.End = fr.Start + sub.Length()
			if err := mm.as.MapFile(sub.Start, mm.mf.FD(), platformFileRange(fr), p.effectivePerms, precommit); err != nil {
				return err
			}
		}
		pseg, ok = mm.pmas.NextSegment(pseg)
	}
	return nil
}

func (mm *MemoryManager) unmapASLocked(ar hostarch.AddrRange) {
	if mm.as == nil {
		return
	}
	mm.as.Unmap(ar.Start, ar.Length())
}

type invalidateOpts = memmap.InvalidateOpts

// Invalidate implements memmap.MappingSpace/MemoryInvalidator: it is
// called by a Mappable's MappingSet to tell mm that a range it derived a
// mapping from has changed (§4.6, §4.8.5).
func (mm *MemoryManager) Invalidate(ar hostarch.AddrRange, opts invalidateOpts) {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	mm.activeMu.Lock()
	defer mm.activeMu.Unlock()
	mm.invalidateLocked(ar, opts.InvalidatePrivate)
}

func (mm *MemoryManager) invalidateLocked(ar hostarch.AddrRange, invalidatePrivate bool) {
	if mm.captureInvalidations {
		mm.captured = append(mm.captured, capturedInvalidation{ar: ar, opts: invalidateOpts{InvalidatePrivate: invalidatePrivate}})
		return
	}
	pseg, ok := mm.pmas.LowerBoundSegment(uint64(ar.Start))
	unmapped := false
	for ok && pseg.Start() < uint64(ar.End) {
		p := pseg.Value()
		if !invalidatePrivate && p.private {
			pseg, ok = mm.pmas.NextSegment(pseg)
			continue
		}
		iso := mm.pmas.Isolate(pseg, segment.Range{Start: uint64(ar.Start), End: uint64(ar.End)})
		if !unmapped {
			mm.unmapASLocked(ar)
			unmapped = true
		}
		mm.derefPMALocked(iso)
		next, nok := mm.pmas.NextSegment(iso)
		mm.pmas.Remove(iso)
		pseg, ok = next, nok
	}
}
