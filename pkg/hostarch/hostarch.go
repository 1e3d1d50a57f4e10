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

// Package hostarch defines the address and access-permission types shared
// by every layer of the memory manager: virtual addresses, half-open
// address ranges, and the read/write/execute triple that both VMAs and
// PMAs carry.
package hostarch

import "fmt"

const (
	// PageSize is the system page size. The runtime only targets amd64/arm64
	// Linux hosts, both 4KiB-paged by default.
	PageSize = 1 << 12

	// HugePageSize is the size of a huge page, used as the CoW-copy and
	// physical-store allocation alignment threshold.
	HugePageSize = 1 << 21
)

// Addr is a virtual (or, in the physical store, file) address.
type Addr uint64

// PageRoundDown returns the address rounded down to the nearest page.
func (a Addr) PageRoundDown() Addr {
	return Addr(uint64(a) &^ (PageSize - 1))
}

// PageRoundUp returns the address rounded up to the nearest page, and false
// if doing so overflows.
func (a Addr) PageRoundUp() (Addr, bool) {
	rounded := a.PageRoundDown()
	if rounded != a {
		var ok bool
		rounded, ok = rounded.AddLength(PageSize)
		if !ok {
			return 0, false
		}
	}
	return rounded, true
}

// IsPageAligned reports whether a is a multiple of the page size.
func (a Addr) IsPageAligned() bool {
	return a == a.PageRoundDown()
}

// AddLength returns a+l, and false if that overflows the address space.
func (a Addr) AddLength(l uint64) (Addr, bool) {
	end := uint64(a) + l
	if end < uint64(a) {
		return 0, false
	}
	return Addr(end), true
}

// ToRange returns the range [a, a+length), or false if a+length overflows.
func (a Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := a.AddLength(length)
	if !ok {
		return AddrRange{}, false
	}
	return AddrRange{Start: a, End: end}, true
}

// AddrRange is a half-open range of addresses [Start, End).
type AddrRange struct {
	Start Addr
	End   Addr
}

// Length returns the number of bytes in the range.
func (ar AddrRange) Length() uint64 {
	if ar.End < ar.Start {
		return 0
	}
	return uint64(ar.End - ar.Start)
}

// IsWellFormed reports whether Start <= End.
func (ar AddrRange) IsWellFormed() bool {
	return ar.Start <= ar.End
}

// IsEmpty reports whether the range contains no addresses.
func (ar AddrRange) IsEmpty() bool {
	return ar.Start >= ar.End
}

// Contains reports whether a lies in the range.
func (ar AddrRange) Contains(a Addr) bool {
	return ar.Start <= a && a < ar.End
}

// IsSupersetOf reports whether ar fully contains other.
func (ar AddrRange) IsSupersetOf(other AddrRange) bool {
	return ar.Start <= other.Start && other.End <= ar.End
}

// Overlaps reports whether ar and other share at least one address.
func (ar AddrRange) Overlaps(other AddrRange) bool {
	return ar.Start < other.End && other.Start < ar.End
}

// Intersect returns the intersection of ar and other, which may be empty.
func (ar AddrRange) Intersect(other AddrRange) AddrRange {
	start := ar.Start
	if other.Start > start {
		start = other.Start
	}
	end := ar.End
	if other.End < end {
		end = other.End
	}
	if end < start {
		end = start
	}
	return AddrRange{Start: start, End: end}
}

// String implements fmt.Stringer.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", ar.Start, ar.End)
}

// AccessType specifies memory access permissions, mirroring the three bits
// the guest observes through mprotect and page faults.
type AccessType struct {
	Read    bool
	Write   bool
	Execute bool
}

// NoAccess is the empty AccessType.
func NoAccess() AccessType { return AccessType{} }

// Read is read-only access.
func Read() AccessType { return AccessType{Read: true} }

// ReadWrite is read-write access.
func ReadWrite() AccessType { return AccessType{Read: true, Write: true} }

// AnyAccess grants every permission; used as the "maximum possible" value.
func AnyAccess() AccessType { return AccessType{Read: true, Write: true, Execute: true} }

// Any reports whether at least one permission bit is set.
func (at AccessType) Any() bool {
	return at.Read || at.Write || at.Execute
}

// Effective returns at with any implied bits applied. On this platform
// writable implies readable, matching Linux's treatment of PROT_WRITE.
func (at AccessType) Effective() AccessType {
	if at.Write {
		at.Read = true
	}
	return at
}

// Union returns the permission-wise union of at and other.
func (at AccessType) Union(other AccessType) AccessType {
	return AccessType{
		Read:    at.Read || other.Read,
		Write:   at.Write || other.Write,
		Execute: at.Execute || other.Execute,
	}
}

// Intersect returns the permission-wise intersection of at and other.
func (at AccessType) Intersect(other AccessType) AccessType {
	return AccessType{
		Read:    at.Read && other.Read,
		Write:   at.Write && other.Write,
		Execute: at.Execute && other.Execute,
	}
}

// IsSupersetOf reports whether at grants every permission other does.
func (at AccessType) IsSupersetOf(other AccessType) bool {
	return (at.Read || !other.Read) && (at.Write || !other.Write) && (at.Execute || !other.Execute)
}

// String implements fmt.Stringer, rendering like "rwx"/"r--"/"---".
func (at AccessType) String() string {
	b := [3]byte{'-', '-', '-'}
	if at.Read {
		b[0] = 'r'
	}
	if at.Write {
		b[1] = 'w'
	}
	if at.Execute {
		b[2] = 'x'
	}
	return string(b[:])
}
