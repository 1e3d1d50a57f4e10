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

// Package pgalloc implements the physical store (component C): a single
// sparse host-backed file divided into fixed-size chunks, mapped into the
// tracer's own address space one chunk at a time on first access. Every
// anonymous page and every copy-on-write break ultimately allocates its
// backing bytes here.
package pgalloc

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/ocisandbox/gosentry/pkg/context"
	"github.com/ocisandbox/gosentry/pkg/hostarch"
	"github.com/ocisandbox/gosentry/pkg/safemem"
	"github.com/ocisandbox/gosentry/pkg/segment"
	"github.com/ocisandbox/gosentry/pkg/usage"
	"golang.org/x/sys/unix"
)

// chunkShift and chunkSize define the granularity at which the backing
// file is grown and mapped. 1GiB, matching the reference allocator.
const (
	chunkShift = 30
	chunkSize  = 1 << chunkShift
	chunkMask  = chunkSize - 1
)

// Direction selects which end of the address space find_available_range
// searches from.
type Direction int

const (
	// BottomUp searches from the lowest gap upward.
	BottomUp Direction = iota
	// TopDown searches from the highest gap downward.
	TopDown
)

// FileRange is a half-open byte range [Start, End) within the physical
// store's backing file.
type FileRange struct {
	Start uint64
	End   uint64
}

// Length returns the range's length in bytes.
func (fr FileRange) Length() uint64 {
	if fr.End < fr.Start {
		return 0
	}
	return fr.End - fr.Start
}

// IsWellFormed reports whether Start <= End.
func (fr FileRange) IsWellFormed() bool { return fr.Start <= fr.End }

// IsEmpty reports whether the range contains no bytes.
func (fr FileRange) IsEmpty() bool { return fr.Start >= fr.End }

func (fr FileRange) String() string { return fmt.Sprintf("[%#x, %#x)", fr.Start, fr.End) }

func toSegRange(fr FileRange) segment.Range { return segment.Range{Start: fr.Start, End: fr.End} }
func fromSegRange(r segment.Range) FileRange { return FileRange{Start: r.Start, End: r.End} }

// usageInfo is the value stored in the usage set for every live range:
// which memory-accounting bucket it counts against, and whether the host
// has actually committed the backing pages (vs. merely reserved them).
type usageInfo struct {
	kind           usage.MemoryKind
	knownCommitted bool
	refs           int32
}

type usageSetFuncs struct{}

func (usageSetFuncs) Merge(_ segment.Range, v1 usageInfo, _ segment.Range, v2 usageInfo) (usageInfo, bool) {
	if v1.kind == v2.kind && v1.knownCommitted == v2.knownCommitted && v1.refs == v2.refs {
		return v1, true
	}
	return usageInfo{}, false
}

func (usageSetFuncs) Split(_ segment.Range, v usageInfo, _ uint64) (usageInfo, usageInfo) {
	return v, v
}

// AllocOpts configures an allocation.
type AllocOpts struct {
	Kind usage.MemoryKind
	Dir  Direction
}

// Opts configures a MemoryFile at construction.
type Opts struct {
	// ManualZeroing, if true, means the caller is responsible for ensuring
	// that allocated memory is zeroed before use (this store otherwise
	// relies on a freshly truncated/extended host file reading as zero).
	ManualZeroing bool
}

// MemoryFile is the physical store. It owns a single anonymous,
// unlinked host file, lazily maps it chunk by chunk, and tracks which
// byte ranges are live in its usage set.
type MemoryFile struct {
	mu sync.RWMutex

	file     *os.File
	fileSize int64
	mappings []uintptr // per-chunk base address, 0 if unmapped

	usage *segment.Set[usageInfo]

	opts Opts
}

// New creates a MemoryFile backed by an anonymous temp file. The file is
// immediately unlinked so that its only reference is this process's fd;
// its growth and chunk mappings are managed entirely by MemoryFile.
func New(opts Opts) (*MemoryFile, error) {
	f, err := os.CreateTemp("", "gosentry-memfile-")
	if err != nil {
		return nil, err
	}
	os.Remove(f.Name())
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	return &MemoryFile{
		file:  f,
		usage: segment.NewSet[usageInfo](usageSetFuncs{}),
		opts:  opts,
	}, nil
}

// Close releases the backing file descriptor and every chunk mapping.
func (mf *MemoryFile) Close() error {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	for i, base := range mf.mappings {
		if base != 0 {
			unix.Munmap(unsafeSlice(base, chunkSize))
			mf.mappings[i] = 0
		}
	}
	return mf.file.Close()
}

// Allocate reserves a range of length bytes (a non-zero multiple of the
// page size) of the given kind and direction, growing the backing file if
// necessary, and returns the allocated FileRange.
func (mf *MemoryFile) Allocate(length uint64, opts AllocOpts) (FileRange, error) {
	if length == 0 || length%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("pgalloc: invalid allocation length %d", length))
	}
	alignment := uint64(hostarch.PageSize)
	if length >= hostarch.HugePageSize {
		alignment = hostarch.HugePageSize
	}

	mf.mu.Lock()
	defer mf.mu.Unlock()

	fr, ok := mf.findAvailableRange(length, alignment, opts.Dir)
	if !ok {
		return FileRange{}, syscall.ENOMEM
	}

	if int64(fr.End) > mf.fileSize {
		newSize := (int64(fr.End) + chunkMask) &^ chunkMask
		if err := mf.file.Truncate(newSize); err != nil {
			return FileRange{}, err
		}
		mf.fileSize = newSize
		newMappings := make([]uintptr, newSize>>chunkShift)
		copy(newMappings, mf.mappings)
		mf.mappings = newMappings
	}

	mf.usage.Add(toSegRange(fr), usageInfo{kind: opts.Kind, refs: 1})
	usage.MemoryAccounting.Inc(length, opts.Kind)
	return fr, nil
}

// AllocateAndFill allocates length bytes of kind and streams r into them
// via MapInternal, truncating the allocation down to the number of bytes
// actually read (rounded down to a page).
func (mf *MemoryFile) AllocateAndFill(length uint64, kind usage.MemoryKind, r safemem.Reader) (FileRange, error) {
	fr, err := mf.Allocate(length, AllocOpts{Kind: kind, Dir: BottomUp})
	if err != nil {
		return FileRange{}, err
	}
	dsts, err := mf.MapInternal(fr, hostarch.AccessType{Write: true})
	if err != nil {
		return FileRange{}, err
	}
	n, err := safemem.ReadFullToBlocks(r, dsts)
	if err != nil {
		return FileRange{}, err
	}
	rounded := hostarch.Addr(n).PageRoundDown()
	if uint64(rounded) < length {
		fr.End = fr.Start + uint64(rounded)
	}
	return fr, nil
}

// IncRef increments fr's reference count, splitting usage segments as
// needed so that the whole range shares one count.
func (mf *MemoryFile) IncRef(fr FileRange, memCgID uint32) {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	mf.forEachUsage(fr, func(seg segment.Segment[usageInfo]) {
		v := seg.Value()
		v.refs++
		seg.SetValue(v)
	})
}

// DecRef decrements fr's reference count, removing usage segments (and
// accounting for their bytes) once they reach zero.
func (mf *MemoryFile) DecRef(fr FileRange) {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	mf.forEachUsage(fr, func(seg segment.Segment[usageInfo]) {
		v := seg.Value()
		v.refs--
		if v.refs <= 0 {
			// Punch out the freed bytes so that a later allocation
			// reusing this range reads as zero.
			r := seg.Range()
			unix.Fallocate(int(mf.file.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(r.Start), int64(r.Length()))
			usage.MemoryAccounting.Dec(seg.Range().Length(), v.kind)
			mf.usage.Remove(seg)
			return
		}
		seg.SetValue(v)
	})
}

func (mf *MemoryFile) forEachUsage(fr FileRange, fn func(segment.Segment[usageInfo])) {
	r := toSegRange(fr)
	seg, ok := mf.usage.LowerBoundSegment(r.Start)
	for ok && seg.Start() < r.End {
		iso := mf.usage.Isolate(seg, r)
		next, nok := mf.usage.NextSegment(iso)
		fn(iso)
		seg, ok = next, nok
	}
}

// MapInternal returns a BlockSeq addressing fr directly in this process,
// mapping any chunks it spans that are not yet mapped.
func (mf *MemoryFile) MapInternal(fr FileRange, at hostarch.AccessType) (safemem.BlockSeq, error) {
	if !fr.IsWellFormed() || fr.IsEmpty() {
		panic(fmt.Sprintf("pgalloc: invalid range %v", fr))
	}
	if at.Execute {
		return safemem.BlockSeq{}, syscall.EACCES
	}
	mf.mu.Lock()
	defer mf.mu.Unlock()

	var blocks []safemem.Block
	start := fr.Start &^ chunkMask
	for chunkStart := start; chunkStart < fr.End; chunkStart += chunkSize {
		chunk := chunkStart >> chunkShift
		base := mf.mappings[chunk]
		if base == 0 {
			var err error
			base, err = mf.mapChunk(chunk)
			if err != nil {
				return safemem.BlockSeq{}, err
			}
		}
		startOff := uint64(0)
		if chunkStart < fr.Start {
			startOff = fr.Start - chunkStart
		}
		endOff := uint64(chunkSize)
		if chunkStart+chunkSize > fr.End {
			endOff = fr.End - chunkStart
		}
		slice := unsafeSlice(base, chunkSize)[startOff:endOff]
		blocks = append(blocks, safemem.BlockFromUnsafeSlice(slice))
	}
	return safemem.BlockSeqFromSlice(blocks), nil
}

func (mf *MemoryFile) mapChunk(chunk uint64) (uintptr, error) {
	if base := mf.mappings[chunk]; base != 0 {
		return base, nil
	}
	data, err := unix.Mmap(int(mf.file.Fd()), int64(chunk<<chunkShift), chunkSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, err
	}
	base := uintptr(unsafeAddr(data))
	mf.mappings[chunk] = base
	return base, nil
}

// FD returns the file descriptor backing this store, for use by an
// AddressSpace driver installing a shared mapping of it into a tracee.
func (mf *MemoryFile) FD() int { return int(mf.file.Fd()) }

// ShouldCacheEvictable reports whether E (the file-range cache) should
// speculatively materialize read-ahead pages. This store neither uses a
// host memcg-pressure signal nor supports manual eviction scheduling, so
// it always declines.
func (mf *MemoryFile) ShouldCacheEvictable() bool { return false }

// TotalSize returns the current extent of the backing file.
func (mf *MemoryFile) TotalSize() uint64 {
	mf.mu.RLock()
	defer mf.mu.RUnlock()
	return uint64(mf.fileSize)
}

func (mf *MemoryFile) findAvailableRange(length, alignment uint64, dir Direction) (FileRange, bool) {
	switch dir {
	case BottomUp:
		return findAvailableRangeBottomUp(mf.usage, length, alignment)
	default:
		return mf.findAvailableRangeTopDown(length, alignment)
	}
}

func findAvailableRangeBottomUp(usageSet *segment.Set[usageInfo], length, alignment uint64) (FileRange, bool) {
	alignmentMask := alignment - 1
	gap := usageSet.FirstGap()
	for {
		start := (gap.Start() + alignmentMask) &^ alignmentMask
		end := start + length
		if end < start {
			return FileRange{}, false
		}
		if end <= gap.End() {
			return FileRange{start, end}, true
		}
		next, ok := usageSet.NextLargeEnoughGap(gap, length)
		if !ok {
			return FileRange{}, false
		}
		gap = next
	}
}

// findAvailableRangeTopDown mirrors the reference allocator: it first
// searches existing gaps from the top down, then -- if none are large
// enough -- grows the file geometrically (doubling, starting from one
// chunk) without an explicit upper bound other than uint64 overflow. This
// matches a documented open question in the design: there is no cap other
// than overflow, so a pathological caller can run the file size up
// indefinitely before failing.
func (mf *MemoryFile) findAvailableRangeTopDown(length, alignment uint64) (FileRange, bool) {
	alignmentMask := alignment - 1
	lastGap := mf.usage.LastGap()
	gap := lastGap
	for {
		end := gap.End()
		if uint64(mf.fileSize) < end {
			end = uint64(mf.fileSize)
		}
		if end < length {
			break
		}
		unalignedStart := end - length
		start := unalignedStart &^ alignmentMask
		if start >= gap.Start() {
			return FileRange{start, start + length}, true
		}
		next, ok := mf.usage.PrevLargeEnoughGap(gap, length)
		if !ok {
			break
		}
		gap = next
	}

	min := (lastGap.Start() + alignmentMask) &^ alignmentMask
	if min+length < min {
		return FileRange{}, false
	}

	fileSize := mf.fileSize
	for {
		var newSize int64
		if fileSize == 0 {
			newSize = chunkSize
		} else {
			newSize = fileSize * 2
			if newSize <= fileSize {
				return FileRange{}, false
			}
		}
		fileSize = newSize
		if uint64(fileSize) < length {
			continue
		}
		end := uint64(fileSize)
		unalignedStart := end - length
		start := unalignedStart &^ alignmentMask
		if start >= lastGap.Start() {
			return FileRange{start, start + length}, true
		}
	}
}

// MemoryCgroupIDFromContext extracts a cgroup identifier for memory
// accounting from ctx. Cgroup setup is out of scope for this core; every
// allocation is attributed to the root cgroup.
func MemoryCgroupIDFromContext(ctx context.Context) uint32 { return 0 }
