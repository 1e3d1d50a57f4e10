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

// Package platform defines the boundary between the memory manager and
// whatever mechanism actually installs mappings into the guest: a ptrace
// supervisor driving remote mmap/munmap, or (not implemented here) a
// hardware-virtualized backend. The memory manager addresses this
// boundary only through the Platform and AddressSpace interfaces below.
package platform

import (
	"github.com/ocisandbox/gosentry/pkg/hostarch"
)

// Platform answers the handful of address-space-shape questions the
// memory manager needs independent of any particular tracee.
type Platform interface {
	// MinUserAddress returns the lowest mappable address, analogous to
	// /proc/sys/vm/mmap_min_addr.
	MinUserAddress() hostarch.Addr

	// MaxUserAddress returns the highest mappable address, below any
	// reserved stub/vsyscall area the platform itself occupies.
	MaxUserAddress() hostarch.Addr

	// SupportsAddressSpaceIO reports whether AddressSpace implementations
	// returned by this Platform support direct copy_in/copy_out against
	// the tracee's memory (as opposed to requiring the memory manager's
	// own internal mappings for I/O, which is this package's only
	// implemented backend).
	SupportsAddressSpaceIO() bool

	// NewAddressSpace returns a new, empty AddressSpace bound to no
	// tracee yet.
	NewAddressSpace() (AddressSpace, error)
}

// AddressSpace is a single tracee's page tables, addressed only through
// remote mmap/munmap. One AddressSpace backs exactly one MemoryManager
// for the lifetime of its tracee.
type AddressSpace interface {
	// MapFile installs a mapping of length bytes from fd, at host file
	// offset fr.Start, at address addr, with the given permissions. If
	// precommit is set, the implementation should request that the
	// mapping be populated immediately (e.g. MAP_POPULATE) rather than
	// left to fault in lazily.
	MapFile(addr hostarch.Addr, fd int, fr FileRange, at hostarch.AccessType, precommit bool) error

	// Unmap removes any mapping of the range [addr, addr+length) from
	// this address space. It is legal to call Unmap on a range with no
	// mapping; the call is then a no-op.
	Unmap(addr hostarch.Addr, length uint64) error

	// PreFork and PostFork bracket a fork(2)-like duplication of this
	// address space; this backend's tracee model has no fork support, so
	// both are no-ops, but the hooks are kept so that the memory manager
	// need not special-case a platform that does.
	PreFork()
	PostFork()

	// Release ends the use of this address space. It is called once, when
	// the tracee exits or is killed. It does not itself unmap installed
	// ranges; MemoryManager.Destroy unmaps the application range first.
	Release()
}

// FileRange is the byte range of the physical store's backing file that
// MapFile should install. It mirrors pgalloc.FileRange without importing
// that package, so that platform implementations do not need to depend on
// the physical store's internals.
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
