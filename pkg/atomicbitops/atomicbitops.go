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

// Package atomicbitops wraps atomic int32/uint64 values behind a type that
// makes the zero value usable and forces call sites through Load/Store/Add
// rather than raw sync/atomic calls, so every atomic field in the tree is
// greppable by type.
package atomicbitops

import "sync/atomic"

// Int32 is an int32 that must only be accessed atomically.
type Int32 struct {
	v atomic.Int32
}

// FromInt32 returns an Int32 initialized to v.
func FromInt32(v int32) Int32 {
	var i Int32
	i.v.Store(v)
	return i
}

// Load returns the current value.
func (i *Int32) Load() int32 { return i.v.Load() }

// Store sets the current value.
func (i *Int32) Store(v int32) { i.v.Store(v) }

// Add adds delta and returns the new value.
func (i *Int32) Add(delta int32) int32 { return i.v.Add(delta) }

// CompareAndSwap performs the usual CAS.
func (i *Int32) CompareAndSwap(old, new int32) bool {
	return i.v.CompareAndSwap(old, new)
}

// Uint64 is a uint64 that must only be accessed atomically.
type Uint64 struct {
	v atomic.Uint64
}

// FromUint64 returns a Uint64 initialized to v.
func FromUint64(v uint64) Uint64 {
	var i Uint64
	i.v.Store(v)
	return i
}

// Load returns the current value.
func (i *Uint64) Load() uint64 { return i.v.Load() }

// Store sets the current value.
func (i *Uint64) Store(v uint64) { i.v.Store(v) }

// Add adds delta and returns the new value.
func (i *Uint64) Add(delta uint64) uint64 { return i.v.Add(delta) }

// CompareAndSwap performs the usual CAS.
func (i *Uint64) CompareAndSwap(old, new uint64) bool {
	return i.v.CompareAndSwap(old, new)
}

// Bool is a boolean that must only be accessed atomically.
type Bool struct {
	v atomic.Bool
}

// FromBool returns a Bool initialized to v.
func FromBool(v bool) Bool {
	var b Bool
	b.v.Store(v)
	return b
}

// Load returns the current value.
func (b *Bool) Load() bool { return b.v.Load() }

// Store sets the current value.
func (b *Bool) Store(v bool) { b.v.Store(v) }
