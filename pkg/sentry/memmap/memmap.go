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

// Package memmap defines the Mappable capability that backs a VMA: the
// interface a file, anonymous region, or other special object implements
// to let the memory manager translate offsets to physical storage and keep
// a reverse index of the virtual mappings derived from it.
package memmap

import (
	"fmt"

	"github.com/ocisandbox/gosentry/pkg/context"
	"github.com/ocisandbox/gosentry/pkg/hostarch"
	"github.com/ocisandbox/gosentry/pkg/safemem"
	"github.com/ocisandbox/gosentry/pkg/sentry/pgalloc"
)

// MappableRange is a range of offsets into a Mappable.
type MappableRange struct {
	Start uint64
	End   uint64
}

// Length returns the range's length in bytes.
func (mr MappableRange) Length() uint64 {
	if mr.End < mr.Start {
		return 0
	}
	return mr.End - mr.Start
}

// IsEmpty reports whether the range contains no bytes.
func (mr MappableRange) IsEmpty() bool { return mr.Start >= mr.End }

// Contains reports whether offset lies in the range.
func (mr MappableRange) Contains(offset uint64) bool {
	return mr.Start <= offset && offset < mr.End
}

// Intersect returns the intersection of mr and other.
func (mr MappableRange) Intersect(other MappableRange) MappableRange {
	start, end := mr.Start, mr.End
	if other.Start > start {
		start = other.Start
	}
	if other.End < end {
		end = other.End
	}
	if end < start {
		end = start
	}
	return MappableRange{start, end}
}

func (mr MappableRange) String() string { return fmt.Sprintf("[%#x, %#x)", mr.Start, mr.End) }

// Translation is one contiguous piece of a Mappable's answer to Translate:
// the sub-range of the request it covers, the physical file and offset
// that currently back it, and the maximum permissions the Mappable is
// willing to grant for that range.
type Translation struct {
	Source    MappableRange
	File      MappingFile
	Offset    uint64
	Perms     hostarch.AccessType
}

// FileRange returns the physical-store range this translation names.
func (t Translation) FileRange() pgalloc.FileRange {
	return pgalloc.FileRange{Start: t.Offset, End: t.Offset + t.Source.Length()}
}

// MappingFile is the subset of *pgalloc.MemoryFile (or another physical
// store implementation) that a Translation needs to reference its backing
// bytes and keep them alive.
type MappingFile interface {
	// MapInternal returns a BlockSeq mapping fr into the caller's address
	// space.
	MapInternal(fr pgalloc.FileRange, at hostarch.AccessType) (safemem.BlockSeq, error)

	// IncRef/DecRef adjust fr's reference count.
	IncRef(fr pgalloc.FileRange, memCgID uint32)
	DecRef(fr pgalloc.FileRange)
}

// Mappable is a capability backing some piece of virtual address space: an
// ordinary file, a tmpfs/ramdiskfs inode, or an anonymous or special
// in-memory region. It is the boundary between the memory manager core and
// the filesystem it never otherwise sees.
type Mappable interface {
	// Translate returns Translations covering a contiguous prefix of
	// required, which may extend up to optional.End, such that each
	// Translation grants at most access. If it returns a non-nil error
	// alongside a non-empty slice, the translations returned are valid and
	// the error describes why the request could not be satisfied past
	// them.
	Translate(ctx context.Context, required, optional MappableRange, access hostarch.AccessType) ([]Translation, error)

	// AddMapping records that addr (within mm) now maps [offset, offset+addr.Length())
	// of this Mappable, with the given writability.
	AddMapping(ctx context.Context, ms MappingSpace, addr hostarch.AddrRange, offset uint64, writable bool) error

	// RemoveMapping is the inverse of AddMapping.
	RemoveMapping(ctx context.Context, ms MappingSpace, addr hostarch.AddrRange, offset uint64, writable bool)

	// CopyMapping is called in place of Remove+Add when an existing
	// mapping moves (mremap) without changing its Mappable or offset
	// delta.
	CopyMapping(ctx context.Context, ms MappingSpace, srcAR, dstAR hostarch.AddrRange, offset uint64, writable bool) error
}

// MappingSpace is the subset of the memory manager facade that a Mappable
// needs in order to deliver invalidations back to it.
type MappingSpace interface {
	// Invalidate drops the PMAs backing address range ar and unmaps it
	// from the tracee, per opts. The VMAs covering ar are left in place.
	Invalidate(ar hostarch.AddrRange, opts InvalidateOpts)
}

// InvalidateOpts qualifies an Invalidate call.
type InvalidateOpts struct {
	// InvalidatePrivate requests invalidation even of copy-on-write
	// private PMAs, not just PMAs that still reflect the Mappable's
	// shared content.
	InvalidatePrivate bool
}

// MappingIdentity is an optional reference-counted handle a VMA can carry
// alongside its Mappable, letting whatever opened the mapping (e.g. a file
// descriptor) be kept alive for as long as the mapping exists.
type MappingIdentity interface {
	IncRef()
	DecRef(ctx context.Context)
}

// MemoryInvalidator is implemented by a memory manager so that a
// MappingSet can fan invalidations out to every address space that derived
// a mapping from a given Mappable.
type MemoryInvalidator interface {
	Invalidate(ar hostarch.AddrRange, opts InvalidateOpts)
}
