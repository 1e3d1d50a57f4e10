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

package ptrace

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/kr/pty"
	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"
)

// Tracee is a guest process under this Platform's control, attached via a
// pty so its stdio can be relayed without the tracer itself needing a
// terminal.
type Tracee struct {
	Pid int
	Pty *os.File
}

// Launch starts argv[0] stopped at its first instruction, traced by the
// calling OS thread, with its controlling terminal wired to a pty. The
// caller must arrange for every subsequent ptrace call against the
// returned pid to come from the same thread (runtime.LockOSThread).
func Launch(argv []string, env []string) (*Tracee, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("ptrace: Launch requires a non-empty argv")
	}
	if err := requireTraceCapability(); err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("ptrace: opening pty: %w", err)
	}
	defer tty.Close()
	cmd.Stdin, cmd.Stdout, cmd.Stderr = tty, tty, tty

	if err := cmd.Start(); err != nil {
		ptmx.Close()
		return nil, fmt.Errorf("ptrace: starting tracee: %w", err)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(cmd.Process.Pid, &ws, 0, nil); err != nil {
		ptmx.Close()
		return nil, fmt.Errorf("ptrace: waiting for initial stop: %w", err)
	}
	if !ws.Stopped() {
		ptmx.Close()
		return nil, fmt.Errorf("ptrace: tracee did not stop at exec, status %v", ws)
	}
	if err := unix.PtraceSetOptions(cmd.Process.Pid, unix.PTRACE_O_EXITKILL); err != nil {
		ptmx.Close()
		return nil, fmt.Errorf("ptrace: setting trace options: %w", err)
	}

	return &Tracee{Pid: cmd.Process.Pid, Pty: ptmx}, nil
}

// requireTraceCapability checks for CAP_SYS_PTRACE up front, so a missing
// capability is reported as a clear startup error rather than a confusing
// EPERM from the first remote syscall.
func requireTraceCapability() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("ptrace: reading process capabilities: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("ptrace: loading process capabilities: %w", err)
	}
	if !caps.Get(capability.EFFECTIVE, capability.CAP_SYS_PTRACE) {
		return fmt.Errorf("ptrace: missing CAP_SYS_PTRACE")
	}
	return nil
}

// Close releases the tracee's pty end. It does not stop or detach the
// tracee itself; callers drive that through the bound AddressSpace.
func (t *Tracee) Close() error {
	return t.Pty.Close()
}
