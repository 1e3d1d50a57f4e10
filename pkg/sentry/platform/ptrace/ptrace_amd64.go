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

//go:build amd64

package ptrace

import "golang.org/x/sys/unix"

// setSyscallRegs fills in regs to invoke syscall nr with the amd64 System V
// argument-passing convention (rdi, rsi, rdx, r10, r8, r9), leaving rip
// pointing at whatever syscall instruction the stub parked on.
func setSyscallRegs(regs *unix.PtraceRegs, nr, a1, a2, a3, a4, a5, a6 uint64) {
	regs.Rax = nr
	regs.Rdi = a1
	regs.Rsi = a2
	regs.Rdx = a3
	regs.R10 = a4
	regs.R8 = a5
	regs.R9 = a6
}

// syscallReturn extracts a syscall's return value from the tracee's
// registers after it has completed.
func syscallReturn(regs *unix.PtraceRegs) int64 {
	return int64(regs.Rax)
}
