//go:build linux

package transfer

import (
	"os/exec"
	"syscall"
)

// setPlatformSpecificAttrs makes the kernel kill the copy agent if the
// server process exits first.
func setPlatformSpecificAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
	}
}
