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

// Package ptrace implements the address-space driver (component I) using
// plain ptrace register control: mmap/munmap are installed by parking the tracee
// at a stop, overwriting its syscall registers, single-stepping it through
// the syscall, and restoring what it had before. This is the only
// AddressSpace backend this platform ships; hardware-virtualized backends
// are out of scope.
package ptrace

import (
	"fmt"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ocisandbox/gosentry/pkg/hostarch"
	"github.com/ocisandbox/gosentry/pkg/sentry/platform"
	"golang.org/x/sys/unix"
)

// Platform is the ptrace-backed platform.Platform implementation.
type Platform struct {
	minAddr hostarch.Addr
	maxAddr hostarch.Addr
}

// New returns a Platform whose address space spans [minAddr, maxAddr).
func New(minAddr, maxAddr hostarch.Addr) *Platform {
	return &Platform{minAddr: minAddr, maxAddr: maxAddr}
}

// MinUserAddress implements platform.Platform.MinUserAddress.
func (p *Platform) MinUserAddress() hostarch.Addr { return p.minAddr }

// MaxUserAddress implements platform.Platform.MaxUserAddress.
func (p *Platform) MaxUserAddress() hostarch.Addr { return p.maxAddr }

// SupportsAddressSpaceIO implements platform.Platform.SupportsAddressSpaceIO.
//
// This backend never reads or writes tracee memory directly; all
// copy_in/copy_out traffic goes through the physical store's own internal
// mappings instead, so there is nothing for the platform to support here.
func (p *Platform) SupportsAddressSpaceIO() bool { return false }

// NewAddressSpace implements platform.Platform.NewAddressSpace.
func (p *Platform) NewAddressSpace() (platform.AddressSpace, error) {
	return &AddressSpace{}, nil
}

// AddressSpace is one tracee's page tables, mutated only by directing that
// tracee through a remote mmap(2) or munmap(2) while it is ptrace-stopped.
type AddressSpace struct {
	// Pid is the tracee's thread ID. It is set once by the supervisor
	// after PTRACE_ATTACH, before any MapFile/Unmap call.
	Pid int
}

// BindTracee attaches this AddressSpace to a stopped tracee thread. It must
// be called before any MapFile or Unmap call.
func (as *AddressSpace) BindTracee(pid int) { as.Pid = pid }

// MapFile implements platform.AddressSpace.MapFile by driving the tracee
// through mmap(addr, len, prot, MAP_SHARED|MAP_FIXED[|MAP_POPULATE], fd,
// fr.Start).
func (as *AddressSpace) MapFile(addr hostarch.Addr, fd int, fr platform.FileRange, at hostarch.AccessType, precommit bool) error {
	if as.Pid == 0 {
		return fmt.Errorf("ptrace: address space has no bound tracee")
	}
	prot := accessToProt(at)
	flags := unix.MAP_SHARED | unix.MAP_FIXED
	if precommit {
		flags |= unix.MAP_POPULATE
	}
	_, err := as.remoteSyscall(unix.SYS_MMAP, uint64(addr), fr.Length(), uint64(prot), uint64(flags), uint64(fd), fr.Start)
	return err
}

// Unmap implements platform.AddressSpace.Unmap.
func (as *AddressSpace) Unmap(addr hostarch.Addr, length uint64) error {
	if as.Pid == 0 {
		return fmt.Errorf("ptrace: address space has no bound tracee")
	}
	if length == 0 {
		return nil
	}
	_, err := as.remoteSyscall(unix.SYS_MUNMAP, uint64(addr), length, 0, 0, 0, 0)
	return err
}

// PreFork implements platform.AddressSpace.PreFork. This backend's tracee
// model has no in-process fork support.
func (as *AddressSpace) PreFork() {}

// PostFork implements platform.AddressSpace.PostFork.
func (as *AddressSpace) PostFork() {}

// Release implements platform.AddressSpace.Release. The tracee is about to
// be killed or has already exited, so there is nothing left to unmap here;
// this only forgets the binding so a stale AddressSpace cannot be reused.
func (as *AddressSpace) Release() {
	as.Pid = 0
}

// remoteSyscall overwrites the tracee's registers to invoke the given
// syscall with up to six arguments, single-steps it across the syscall
// instruction, waits for the expected trap, and restores the registers the
// tracee had before the call. The spec's stub convention is assumed:
// nothing survives the call except rax, which is overwritten with the
// return value.
func (as *AddressSpace) remoteSyscall(nr uintptr, a1, a2, a3, a4, a5, a6 uint64) (uintptr, error) {
	var saved unix.PtraceRegs
	if err := unix.PtraceGetRegs(as.Pid, &saved); err != nil {
		return 0, err
	}
	regs := saved
	setSyscallRegs(&regs, uint64(nr), a1, a2, a3, a4, a5, a6)
	if err := unix.PtraceSetRegs(as.Pid, &regs); err != nil {
		return 0, err
	}
	if err := unix.PtraceSingleStep(as.Pid); err != nil {
		return 0, err
	}
	var ws unix.WaitStatus
	if err := waitTraceeStop(as.Pid, &ws); err != nil {
		return 0, err
	}
	if !ws.Stopped() || ws.StopSignal() != unix.SIGTRAP {
		return 0, fmt.Errorf("ptrace: unexpected wait status %v after remote syscall", ws)
	}
	var after unix.PtraceRegs
	if err := unix.PtraceGetRegs(as.Pid, &after); err != nil {
		return 0, err
	}
	ret := syscallReturn(&after)
	if err := unix.PtraceSetRegs(as.Pid, &saved); err != nil {
		return 0, err
	}
	if int64(ret) < 0 && int64(ret) > -4096 {
		return 0, syscall.Errno(-int64(ret))
	}
	return uintptr(ret), nil
}

// waitTraceeStop waits for pid's next ptrace-stop, retrying on EINTR (a
// signal delivered to this thread while blocked in wait4 is common under
// load and is not itself a failure).
func waitTraceeStop(pid int, ws *unix.WaitStatus) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 20 * time.Millisecond
	b.MaxElapsedTime = time.Second
	return backoff.Retry(func() error {
		_, err := unix.Wait4(pid, ws, 0, nil)
		if err == unix.EINTR {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, b)
}

func accessToProt(at hostarch.AccessType) int {
	prot := unix.PROT_NONE
	if at.Read {
		prot |= unix.PROT_READ
	}
	if at.Write {
		prot |= unix.PROT_WRITE
	}
	if at.Execute {
		prot |= unix.PROT_EXEC
	}
	return prot
}
