//go:build !linux

package transfer

import "os/exec"

// setPlatformSpecificAttrs relies on exec.CommandContext for termination.
func setPlatformSpecificAttrs(cmd *exec.Cmd) {}
