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

package pgalloc

import "unsafe"

// unsafeSlice reinterprets the n bytes starting at base as a []byte. base
// must have been returned by a prior mmap of at least n bytes that has not
// since been unmapped.
func unsafeSlice(base uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), n)
}

// unsafeAddr returns the address of b's first byte.
func unsafeAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
