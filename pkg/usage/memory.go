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

// Package usage tracks aggregate host memory consumption by kind, so that
// the physical store can answer rlimit and /proc/meminfo-style queries
// without walking every PMA.
package usage

import "github.com/ocisandbox/gosentry/pkg/atomicbitops"

// MemoryKind distinguishes the purpose of a range of committed physical
// memory, mirroring the accounting buckets the platform reports separately.
type MemoryKind int

const (
	// System is memory charged to the runtime itself (e.g. internal page
	// tables, bookkeeping) rather than to any guest mapping.
	System MemoryKind = iota

	// Anonymous is memory backing a private or shared anonymous mapping.
	Anonymous

	// PageCache is memory backing a regular file's shared page cache.
	PageCache

	// Mapped is memory backing a file mapped MAP_PRIVATE, after a
	// copy-on-write break has given it its own physical page.
	Mapped

	// Tmpfs is memory backing a tmpfs-resident file.
	Tmpfs

	// Ramdiskfs is memory backing the read-only initial filesystem image.
	Ramdiskfs

	numMemoryKinds
)

// String implements fmt.Stringer.
func (k MemoryKind) String() string {
	switch k {
	case System:
		return "System"
	case Anonymous:
		return "Anonymous"
	case PageCache:
		return "PageCache"
	case Mapped:
		return "Mapped"
	case Tmpfs:
		return "Tmpfs"
	case Ramdiskfs:
		return "Ramdiskfs"
	default:
		return "Unknown"
	}
}

// MemoryLocked holds one atomic byte counter per MemoryKind. All updates
// are lock-free; Get() and Total() read a consistent-enough snapshot for
// accounting purposes without requiring a shared lock with the allocator's
// usage set.
type MemoryLocked struct {
	counters [numMemoryKinds]atomicbitops.Uint64
}

// MemoryAccounting is the single process-wide memory ledger.
var MemoryAccounting MemoryLocked

// Inc adds bytes to kind's counter.
func (m *MemoryLocked) Inc(bytes uint64, kind MemoryKind) {
	m.counters[kind].Add(bytes)
}

// Dec subtracts bytes from kind's counter.
func (m *MemoryLocked) Dec(bytes uint64, kind MemoryKind) {
	m.counters[kind].Add(-bytes)
}

// ChangeMemoryKind moves bytes from one kind's counter to another's. The
// two counters are updated one after the other, so a concurrent Total()
// may briefly miss the moved bytes.
func (m *MemoryLocked) ChangeMemoryKind(bytes uint64, from, to MemoryKind) {
	m.counters[from].Add(-bytes)
	m.counters[to].Add(bytes)
}

// Get returns kind's current counter value.
func (m *MemoryLocked) Get(kind MemoryKind) uint64 {
	return m.counters[kind].Load()
}

// Total returns the sum of every kind's counter.
func (m *MemoryLocked) Total() uint64 {
	var total uint64
	for i := range m.counters {
		total += m.counters[i].Load()
	}
	return total
}
