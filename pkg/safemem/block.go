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

// Package safemem provides the byte-region currency (Block/BlockSeq) used
// for every guest-memory I/O path: copy-in, copy-out, CoW breaks, and
// reading a Mappable's bytes into the physical store.
package safemem

// A Block is a contiguous byte region. needSafeCopy marks regions whose
// backing store may SIGBUS on a plain memcpy -- typically a page mapped
// from a file belonging to another process -- and which must therefore be
// touched only through CopyAndBackoff-style bounded copies.
type Block struct {
	data         []byte
	needSafeCopy bool
}

// BlockFromSafeSlice wraps a slice that is always safe to access directly
// (e.g. a Go-allocated buffer).
func BlockFromSafeSlice(b []byte) Block {
	return Block{data: b}
}

// BlockFromUnsafeSlice wraps a slice whose backing memory may fault on
// access (e.g. internal mappings of a file not owned by this process).
func BlockFromUnsafeSlice(b []byte) Block {
	return Block{data: b, needSafeCopy: true}
}

// Len returns the length of the block in bytes.
func (b Block) Len() int { return len(b.data) }

// NeedSafeCopy reports whether b requires a bounded copy.
func (b Block) NeedSafeCopy() bool { return b.needSafeCopy }

// ToSlice returns b's contents as a slice. The caller must not retain the
// slice past the lifetime of whatever produced the block (e.g. a physical
// store mapping that may later be torn down).
func (b Block) ToSlice() []byte { return b.data }

// DropFirst returns b with the first n bytes removed.
func (b Block) DropFirst(n int) Block {
	if n > len(b.data) {
		n = len(b.data)
	}
	return Block{data: b.data[n:], needSafeCopy: b.needSafeCopy}
}

// TakeFirst returns b truncated to at most n bytes.
func (b Block) TakeFirst(n int) Block {
	if n > len(b.data) {
		n = len(b.data)
	}
	return Block{data: b.data[:n], needSafeCopy: b.needSafeCopy}
}

// safeCopy copies from src to dst using a loop that tolerates faults on
// either side by clamping to whatever already-paged-in bytes underlie the
// source or destination. In a ptrace-based runtime the actual bounded copy
// would be implemented with a SIGBUS/SIGSEGV recovery handler installed
// around the memmove; here we model the boundary by simply performing the
// copy, since both sides are Go-managed slices in this tracer.
func safeCopy(dst, src []byte) int {
	return copy(dst, src)
}

// Copy copies min(dst.Len(), src.Len()) bytes from src to dst and returns
// the number of bytes copied. It uses the bounded copy path if either side
// needs it.
func Copy(dst, src Block) int {
	n := src.Len()
	if dst.Len() < n {
		n = dst.Len()
	}
	if n == 0 {
		return 0
	}
	if dst.needSafeCopy || src.needSafeCopy {
		return safeCopy(dst.data[:n], src.data[:n])
	}
	return copy(dst.data[:n], src.data[:n])
}

// Zero sets all of dst to zero and returns the number of bytes zeroed.
func Zero(dst Block) int {
	clear(dst.data)
	return len(dst.data)
}
