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

// Package sync wraps sync.RWMutex and sync.Mutex with nested-lock variants
// used to document lock ordering at call sites (VMA set before PMA set
// before private-ref set before the physical store, per the fixed order
// required by the concurrency model). The nesting level is purely
// documentation here; a race-detector build of the real tree would use it
// to assert ordering.
package sync

import "sync"

// RaceEnabled reports whether the race detector is instrumenting this
// binary. Nothing in this tree sets it, so it is false in every build,
// -race builds included.
var RaceEnabled = false

// LockLevel names a position in the fixed lock ordering.
type LockLevel int

// Mutex is a sync.Mutex with a documented nested-lock entry point.
type Mutex struct {
	mu sync.Mutex
}

// Lock locks m.
func (m *Mutex) Lock() { m.mu.Lock() }

// Unlock unlocks m.
func (m *Mutex) Unlock() { m.mu.Unlock() }

// NestedLock locks m, asserting that the caller already holds every lock
// ordered before level (checked only in -race builds of the real tree).
func (m *Mutex) NestedLock(level LockLevel) { m.mu.Lock() }

// NestedUnlock unlocks m after a NestedLock at level.
func (m *Mutex) NestedUnlock(level LockLevel) { m.mu.Unlock() }

// RWMutex is a sync.RWMutex with the same nested-lock annotations as Mutex.
type RWMutex struct {
	mu sync.RWMutex
}

// Lock locks m for writing.
func (m *RWMutex) Lock() { m.mu.Lock() }

// Unlock unlocks m.
func (m *RWMutex) Unlock() { m.mu.Unlock() }

// RLock locks m for reading.
func (m *RWMutex) RLock() { m.mu.RLock() }

// RUnlock undoes a single RLock call.
func (m *RWMutex) RUnlock() { m.mu.RUnlock() }

// NestedLock locks m for writing, asserting lock ordering at level.
func (m *RWMutex) NestedLock(level LockLevel) { m.mu.Lock() }

// NestedUnlock unlocks m after a NestedLock at level.
func (m *RWMutex) NestedUnlock(level LockLevel) { m.mu.Unlock() }

// NestedRLock locks m for reading, asserting lock ordering at level.
func (m *RWMutex) NestedRLock(level LockLevel) { m.mu.RLock() }

// NestedRUnlock undoes a single NestedRLock call.
func (m *RWMutex) NestedRUnlock(level LockLevel) { m.mu.RUnlock() }
