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

// Package arch holds the handful of architecture-specific constants and
// layout math the memory manager needs: where mmap may place anonymous
// mappings, the 32-bit compatibility window, and the guest's auxiliary
// vector.
package arch

import (
	"math/rand"

	"github.com/ocisandbox/gosentry/pkg/hostarch"
	"github.com/ocisandbox/gosentry/pkg/sentry/limits"
)

// Direction selects the default search direction for a fresh mmap layout.
type Direction int

const (
	// BottomUp places new mappings above a randomized base, searching
	// upward.
	BottomUp Direction = iota
	// TopDown places new mappings below a randomized base, searching
	// downward. This is the default on amd64/arm64 Linux.
	TopDown
)

// Map32Start and Map32End bound MAP_32BIT mappings, matching Linux's
// reserved low-memory compatibility window.
const (
	Map32Start = 0x40000000
	Map32End   = 0x80000000
)

// maxMmapRand bounds the random offsets of the two mmap bases: the
// bottom-up base lies up to this far above the minimum user address and
// the top-down base up to this far below the maximum, matching Linux's
// arch_mmap_rnd() budget for 47-bit address spaces.
const maxMmapRand = 1 << 31

// MmapLayout describes where a fresh MemoryManager may place mappings.
type MmapLayout struct {
	MinAddr          hostarch.Addr
	MaxAddr          hostarch.Addr
	BottomUpBase     hostarch.Addr
	TopDownBase      hostarch.Addr
	MaxStackRand     uint64
	DefaultDirection Direction
}

// Auxv is the guest's auxiliary vector, recorded for later /proc/self/auxv
// emulation but never interpreted by the memory manager itself.
type Auxv []AuxEntry

// AuxEntry is one (type, value) pair of the auxiliary vector.
type AuxEntry struct {
	Type  uint64
	Value uint64
}

// NewMmapLayout derives a randomized layout between minAddr and maxAddr.
// MaxStackRand is the stack resource limit's soft value, capped at
// maxMmapRand and rounded down to a page. The top-down base is randomized
// below maxAddr without reserving any room for the stack.
func NewMmapLayout(minAddr, maxAddr hostarch.Addr, r *limits.LimitSet) (MmapLayout, error) {
	stackLim := r.Get(limits.Stack)
	maxStackRand := stackLim.Cur
	if maxStackRand == limits.Infinity || maxStackRand > maxMmapRand {
		maxStackRand = maxMmapRand
	}
	maxStackRand = uint64(hostarch.Addr(maxStackRand).PageRoundDown())

	topDownBase := maxAddr - hostarch.Addr(randUint64(maxMmapRand)).PageRoundDown()
	bottomUpBase := minAddr + hostarch.Addr(randUint64(maxMmapRand)).PageRoundDown()

	return MmapLayout{
		MinAddr:          minAddr,
		MaxAddr:          maxAddr,
		BottomUpBase:     bottomUpBase,
		TopDownBase:      topDownBase,
		MaxStackRand:     maxStackRand,
		DefaultDirection: TopDown,
	}, nil
}

func randUint64(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return uint64(rand.Int63n(int64(n)))
}
