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
)

// IOOpts modifies the behavior of the MemoryManager's I/O operations (§4.10.7).
type IOOpts struct {
	// IgnorePermissions bypasses the target VMA's read/write permissions,
	// as used by ptrace(2) PEEKDATA/POKEDATA and core dumping. It does not
	// bypass the PMA check: a PMA whose effective permissions lack the
	// access (for example after mprotect narrowed them) still refuses it
	// with PermissionDeniedError.
	IgnorePermissions bool
}

// checkIORange reports the AddrRange spanned by length bytes starting at
// addr, failing if it overflows or falls outside the application layout.
func (mm *MemoryManager) checkIORange(addr hostarch.Addr, length int64) (hostarch.AddrRange, error) {
	if length < 0 {
		return hostarch.AddrRange{}, &InvalidArgumentError{Detail: "negative I/O length"}
	}
	end, ok := addr.AddLength(uint64(length))
	if !ok || addr < mm.layout.MinAddr || end > mm.layout.MaxAddr {
		return hostarch.AddrRange{}, &BadAddressError{Addr: addr}
	}
	return hostarch.AddrRange{Start: addr, End: end}, nil
}

// withInternalMappingsLocked resolves ar to a BlockSeq addressing its bytes
// directly in the tracer's address space, faulting in VMAs and PMAs as
// needed, then invokes fn against as much of ar as it could resolve. It
// returns the number of bytes fn reported handling.
//
// This mirrors getPMAsLocked's fault-in chain (getVMAsLocked ->
// getPMAsLocked -> getInternalMappingsLocked), stopping early and returning
// a short count rather than an error when some prefix of ar was handled
// before a gap or permission failure was hit.
func (mm *MemoryManager) withInternalMappingsLocked(ar hostarch.AddrRange, at hostarch.AccessType, opts IOOpts, fn func(safemem.BlockSeq) (uint64, error)) (uint64, error) {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()

	vseg, vend, verr := mm.getVMAsLocked(ar, at, opts.IgnorePermissions)
	if vend < ar.End {
		if vend <= ar.Start {
			return 0, verr
		}
		ar.End = vend
	}
	if !vseg.Ok() {
		return 0, verr
	}

	mm.activeMu.Lock()
	defer mm.activeMu.Unlock()

	pseg, pend, perr := mm.getPMAsLocked(vseg, ar, at)
	if pend < ar.End {
		if pend <= ar.Start {
			return 0, perr
		}
		ar.End = pend
	}
	if !pseg.Ok() {
		return 0, perr
	}

	bs, err := mm.blockSeqForRangeLocked(pseg, ar)
	if err != nil {
		return 0, err
	}
	n, err := fn(bs)
	if err != nil {
		return n, err
	}
	if perr != nil {
		return n, perr
	}
	return n, verr
}

// blockSeqForRangeLocked builds a BlockSeq spanning ar out of the internal
// mappings of the PMAs covering it, starting at pseg.
//
// Preconditions: mm.activeMu is locked. pseg is the PMA containing ar.Start,
// and the PMAs from pseg onward fully cover ar (as guaranteed by a
// successful getPMAsLocked call over ar).
func (mm *MemoryManager) blockSeqForRangeLocked(pseg segment.Segment[pma], ar hostarch.AddrRange) (safemem.BlockSeq, error) {
	var blocks []safemem.Block
	for {
		bs, err := mm.getInternalMappingsLocked(pseg)
		if err != nil {
			return safemem.BlockSeq{}, err
		}
		segAR := hostarch.AddrRange{Start: hostarch.Addr(pseg.Start()), End: hostarch.Addr(pseg.End())}
		trimmed := segAR.Intersect(ar)
		bs = bs.DropFirst(uint64(trimmed.Start) - uint64(segAR.Start))
		bs = bs.TakeFirst(trimmed.Length())
		for !bs.IsEmpty() {
			blocks = append(blocks, bs.Head())
			bs = bs.Tail()
		}
		if uint64(segAR.End) >= uint64(ar.End) {
			break
		}
		next, ok := mm.pmas.NextSegment(pseg)
		if !ok {
			break
		}
		pseg = next
	}
	return safemem.BlockSeqFromSlice(blocks), nil
}

// CopyOut copies len(src) bytes from src into the tracee's address space
// starting at addr (§4.10.7).
func (mm *MemoryManager) CopyOut(addr hostarch.Addr, src []byte, opts IOOpts) (int, error) {
	ar, err := mm.checkIORange(addr, int64(len(src)))
	if err != nil {
		return 0, err
	}
	if ar.IsEmpty() {
		return 0, nil
	}
	n, err := mm.withInternalMappingsLocked(ar, hostarch.AccessType{Write: true}, opts, func(dsts safemem.BlockSeq) (uint64, error) {
		return safemem.CopySeq(dsts, safemem.BlockSeqOf(safemem.BlockFromSafeSlice(src))), nil
	})
	return int(n), err
}

// CopyIn copies len(dst) bytes from the tracee's address space starting at
// addr into dst (§4.10.7).
func (mm *MemoryManager) CopyIn(addr hostarch.Addr, dst []byte, opts IOOpts) (int, error) {
	ar, err := mm.checkIORange(addr, int64(len(dst)))
	if err != nil {
		return 0, err
	}
	if ar.IsEmpty() {
		return 0, nil
	}
	n, err := mm.withInternalMappingsLocked(ar, hostarch.Read(), opts, func(srcs safemem.BlockSeq) (uint64, error) {
		return safemem.CopySeq(safemem.BlockSeqOf(safemem.BlockFromSafeSlice(dst)), srcs), nil
	})
	return int(n), err
}

// ZeroOut writes toZero zero bytes into the tracee's address space starting
// at addr (§4.10.7).
func (mm *MemoryManager) ZeroOut(addr hostarch.Addr, toZero int64, opts IOOpts) (int64, error) {
	ar, err := mm.checkIORange(addr, toZero)
	if err != nil {
		return 0, err
	}
	if ar.IsEmpty() {
		return 0, nil
	}
	n, err := mm.withInternalMappingsLocked(ar, hostarch.AccessType{Write: true}, opts, func(dsts safemem.BlockSeq) (uint64, error) {
		return safemem.ZeroSeq(dsts), nil
	})
	return int64(n), err
}

// CopyOutFrom drains r into the tracee's address space at ar (§4.10.7).
func (mm *MemoryManager) CopyOutFrom(ar hostarch.AddrRange, r safemem.Reader, opts IOOpts) (uint64, error) {
	if ar.IsEmpty() {
		return 0, nil
	}
	return mm.withInternalMappingsLocked(ar, hostarch.AccessType{Write: true}, opts, func(dsts safemem.BlockSeq) (uint64, error) {
		return safemem.ReadFullToBlocks(r, dsts)
	})
}

// CopyInTo fills w from the tracee's address space at ar (§4.10.7).
func (mm *MemoryManager) CopyInTo(ar hostarch.AddrRange, w safemem.Writer, opts IOOpts) (uint64, error) {
	if ar.IsEmpty() {
		return 0, nil
	}
	return mm.withInternalMappingsLocked(ar, hostarch.Read(), opts, func(srcs safemem.BlockSeq) (uint64, error) {
		return w.WriteFromBlocks(srcs)
	})
}
