//go:build unix

package process

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup places the child in its own process group so a
// build-wide interrupt can be propagated to the whole tree rather than
// just the immediate child (SPEC_FULL.md §4.3, mirroring
// original_source/src/Driver.cpp's job-control handling). The
// SysProcAttr.Setpgid flag asks the kernel to do this at fork time;
// terminateProcessGroup below then targets the whole group via
// golang.org/x/sys/unix directly.
func setProcessGroup(c *exec.Cmd) {
	if c.SysProcAttr == nil {
		c.SysProcAttr = &syscall.SysProcAttr{}
	}
	c.SysProcAttr.Setpgid = true
}

// terminateProcessGroup sends SIGTERM to the child's entire process
// group.
func terminateProcessGroup(c *exec.Cmd) {
	if c.Process == nil {
		return
	}
	unix.Kill(-c.Process.Pid, unix.SIGTERM)
}

// wasSignalled reports whether the process terminated because of a
// signal rather than a normal exit.
func wasSignalled(err *exec.ExitError) bool {
	status, ok := err.Sys().(syscall.WaitStatus)
	return ok && status.Signaled()
}
