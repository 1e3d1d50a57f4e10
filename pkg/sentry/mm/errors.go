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

package mm

import (
	"fmt"

	"github.com/ocisandbox/gosentry/pkg/hostarch"
)

// BadAddressError is returned when a range extends outside the
// application address space, or no VMA covers some byte of a requested
// range.
type BadAddressError struct{ Addr hostarch.Addr }

func (e *BadAddressError) Error() string { return fmt.Sprintf("bad address %s", e.Addr) }

// PermissionDeniedError is returned when a VMA's permissions do not admit
// the requested access.
type PermissionDeniedError struct{ Addr hostarch.Addr }

func (e *PermissionDeniedError) Error() string { return fmt.Sprintf("permission denied at %s", e.Addr) }

// OutOfMemoryError is returned when address-space search or physical
// store allocation is exhausted.
type OutOfMemoryError struct{ Detail string }

func (e *OutOfMemoryError) Error() string { return "out of memory: " + e.Detail }

// InvalidArgumentError is returned for malformed requests: non-aligned
// addresses, zero length, an mremap destination overlapping the source, or
// requested perms not contained in max perms.
type InvalidArgumentError struct{ Detail string }

func (e *InvalidArgumentError) Error() string { return "invalid argument: " + e.Detail }

// BusyError is returned when an mremap Must-move target overlaps the
// source range.
type BusyError struct{ Detail string }

func (e *BusyError) Error() string { return "busy: " + e.Detail }

// AgainError is returned when applying a request would exceed the locked-
// bytes resource limit.
type AgainError struct{ Detail string }

func (e *AgainError) Error() string { return "resource temporarily unavailable: " + e.Detail }

// FileSizeLimitError is returned for writes past RLIMIT_FSIZE on a
// file-backed mapping.
type FileSizeLimitError struct{}

func (e *FileSizeLimitError) Error() string { return "file size limit exceeded" }

// BusError is returned for access beyond the end of a Mappable region.
type BusError struct{ Addr hostarch.Addr }

func (e *BusError) Error() string { return fmt.Sprintf("bus error at %s", e.Addr) }
